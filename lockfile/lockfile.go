// Package lockfile parses, validates, and serializes the lock file
// (spec §4.D, §6): a YAML document pinning every resolved package to an
// exact version and source description, plus the SDK constraints the
// solve was run against.
package lockfile

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sigurdm/pub/cache"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

// Dependency tags a package entry's place in the dependency graph.
type Dependency string

const (
	DependencyDirectMain       Dependency = "direct main"
	DependencyDirectDev        Dependency = "direct dev"
	DependencyDirectOverridden Dependency = "direct overridden"
	DependencyTransitive       Dependency = "transitive"
)

// Entry is one locked package: its resolved id plus how it is reached
// from the root.
type Entry struct {
	ID         source.PackageId
	Dependency Dependency
}

// LockFile is the parsed, in-memory form of the lock file. Newline and
// HeaderComment are preserved verbatim across a parse/serialize
// round-trip (spec §4.D serialize rules).
type LockFile struct {
	SDKs     map[string]semver.VersionConstraint
	Packages map[string]Entry

	Newline       string // "\n" or "\r\n"
	HeaderComment string // leading "#"-prefixed lines, including trailing newlines
}

// New builds an empty LockFile with sensible defaults, grounded on the
// teacher corpus's NewLockfile constructors (other_examples: reglet's
// entities.NewLockfile, mcptrust's lockfile v3 constructor).
func New() *LockFile {
	return &LockFile{
		SDKs:     map[string]semver.VersionConstraint{"dart": semver.Any()},
		Packages: map[string]Entry{},
		Newline:  "\n",
	}
}

type rawDoc struct {
	SDKs     map[string]string          `yaml:"sdks"`
	SDK      string                     `yaml:"sdk"`
	Packages map[string]rawPackageEntry `yaml:"packages"`
}

type rawPackageEntry struct {
	Version     string         `yaml:"version"`
	Source      string         `yaml:"source"`
	Description map[string]any `yaml:"description"`
	Dependency  string         `yaml:"dependency"`
}

// Parse decodes a lock file's bytes. containingDir anchors any path
// descriptions the registry needs to resolve relative to.
func Parse(data []byte, containingDir string, registry *source.Registry) (*LockFile, error) {
	newline := detectNewline(data)
	header, body := splitHeaderComment(data)

	var doc rawDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, &source.ManifestFormatError{Context: "lockfile", Reason: err.Error()}
	}

	lf := &LockFile{
		SDKs:          map[string]semver.VersionConstraint{},
		Packages:      map[string]Entry{},
		Newline:       newline,
		HeaderComment: header,
	}

	if doc.SDK != "" {
		c, err := semver.ParseConstraint(doc.SDK)
		if err != nil {
			return nil, &source.ManifestFormatError{Context: "lockfile.sdk", Reason: err.Error()}
		}
		lf.SDKs["dart"] = c
	}
	for name, raw := range doc.SDKs {
		c, err := semver.ParseConstraint(raw)
		if err != nil {
			return nil, &source.ManifestFormatError{Context: "lockfile.sdks." + name, Reason: err.Error()}
		}
		lf.SDKs[name] = c
	}
	if len(lf.SDKs) == 0 {
		lf.SDKs["dart"] = semver.Any()
	}

	for name, raw := range doc.Packages {
		if raw.Version == "" {
			return nil, &source.ManifestFormatError{Context: "lockfile.packages." + name, Reason: "missing version"}
		}
		if raw.Source == "" {
			return nil, &source.ManifestFormatError{Context: "lockfile.packages." + name, Reason: "missing source"}
		}
		kind, err := kindFromString(raw.Source)
		if err != nil {
			return nil, &source.ManifestFormatError{Context: "lockfile.packages." + name, Reason: err.Error()}
		}
		driver, err := registry.For(kind)
		if err != nil {
			return nil, &source.ManifestFormatError{Context: "lockfile.packages." + name, Reason: err.Error()}
		}
		id, err := driver.ParseID(name, raw.Version, raw.Description, containingDir)
		if err != nil {
			return nil, err
		}
		lf.Packages[name] = Entry{ID: id, Dependency: Dependency(raw.Dependency)}
	}

	return lf, nil
}

func kindFromString(s string) (source.Kind, error) {
	switch s {
	case "hosted":
		return source.KindHosted, nil
	case "git":
		return source.KindGit, nil
	case "path":
		return source.KindPath, nil
	case "sdk":
		return source.KindSDK, nil
	}
	return 0, fmt.Errorf("unknown source %q", s)
}

func kindToString(k source.Kind) string {
	switch k {
	case source.KindHosted:
		return "hosted"
	case source.KindGit:
		return "git"
	case source.KindPath:
		return "path"
	case source.KindSDK:
		return "sdk"
	}
	return "unknown"
}

func detectNewline(data []byte) string {
	crlf := bytes.Count(data, []byte("\r\n"))
	lf := bytes.Count(data, []byte("\n")) - crlf
	if crlf > lf {
		return "\r\n"
	}
	return "\n"
}

// splitHeaderComment peels off leading "#"-prefixed lines (and blank
// lines among them) so they can be preserved verbatim across a
// parse/serialize round trip instead of being dropped by the YAML
// decoder.
func splitHeaderComment(data []byte) (header string, body []byte) {
	lines := strings.SplitAfter(string(data), "\n")
	i := 0
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		break
	}
	return strings.Join(lines[:i], ""), []byte(strings.Join(lines[i:], ""))
}

// HashMismatchError is returned by Serialize when the lock file already
// recorded a content hash for a hosted package and the cache now holds
// a different one (spec §4.D).
type HashMismatchError struct {
	Package  string
	Previous string
	Current  string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("lockfile: %s: recorded sha256 %s does not match cached sha256 %s", e.Package, e.Previous, e.Current)
}

// Serialize renders lf to its on-disk YAML form: a stable alphabetical
// package order, the preserved newline convention and header comment,
// and embedded content hashes for hosted packages. If an entry's
// PackageId has no hash yet (the solver never downloads, so a
// freshly-resolved entry's hash is always nil), Serialize consults
// cache's on-disk record for that package's content hash before
// rendering, so "the hash is propagated into the lock file at serialize
// time" holds regardless of whether the caller already threaded a
// downloaded PackageId through. cache may be nil when no cache is
// available; entries then serialize without a hash, as before.
// previous, if non-nil, is the lock file this one was loaded from; a
// disagreeing hash for a package that previous already pinned is a
// HashMismatchError unless previous had no hash at all (an upgrade from
// a legacy listing).
func Serialize(lf *LockFile, registry *source.Registry, cache *cache.Cache, previous *LockFile) ([]byte, error) {
	doc := rawDoc{
		SDKs:     map[string]string{},
		Packages: map[string]rawPackageEntry{},
	}
	for name, c := range lf.SDKs {
		doc.SDKs[name] = c.String()
	}

	names := make([]string, 0, len(lf.Packages))
	for name := range lf.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := lf.Packages[name]

		if entry.ID.Ref.Description.Kind == source.KindHosted && entry.ID.Resolved.Hosted != nil &&
			entry.ID.Resolved.Hosted.Sha256 == nil && cache != nil {
			if hash, ok := cache.Sha256FromCache(entry.ID); ok {
				entry.ID.Resolved.Hosted.Sha256 = hash
				lf.Packages[name] = entry
			}
		}

		driver, err := registry.For(entry.ID.Ref.Description.Kind)
		if err != nil {
			return nil, err
		}
		desc := driver.SerializeForLockfile(entry.ID)

		if entry.ID.Ref.Description.Kind == source.KindHosted {
			if err := checkHashAgreement(name, entry, previous); err != nil {
				return nil, err
			}
		}

		doc.Packages[name] = rawPackageEntry{
			Version:     entry.ID.Version.String(),
			Source:      kindToString(entry.ID.Ref.Description.Kind),
			Description: desc,
			Dependency:  string(entry.Dependency),
		}
	}

	out, err := marshalOrdered(doc, names)
	if err != nil {
		return nil, err
	}

	full := strings.ReplaceAll(lf.HeaderComment, "\r\n", "\n") + string(out)
	if lf.Newline == "\r\n" {
		full = strings.ReplaceAll(full, "\n", "\r\n")
	}
	return []byte(full), nil
}

func checkHashAgreement(name string, entry Entry, previous *LockFile) error {
	if previous == nil {
		return nil
	}
	prevEntry, ok := previous.Packages[name]
	if !ok || prevEntry.ID.Resolved.Hosted == nil || prevEntry.ID.Resolved.Hosted.Sha256 == nil {
		return nil
	}
	if entry.ID.Resolved.Hosted == nil || entry.ID.Resolved.Hosted.Sha256 == nil {
		return nil
	}
	if *prevEntry.ID.Resolved.Hosted.Sha256 != *entry.ID.Resolved.Hosted.Sha256 {
		return &HashMismatchError{
			Package:  name,
			Previous: fmt.Sprintf("%x", *prevEntry.ID.Resolved.Hosted.Sha256),
			Current:  fmt.Sprintf("%x", *entry.ID.Resolved.Hosted.Sha256),
		}
	}
	return nil
}

// marshalOrdered renders doc as YAML with packages emitted in the given
// name order. yaml.v3 sorts map keys alphabetically by default, which
// already matches spec §4.D's "stable alphabetical order over package
// names" requirement, so this just documents that reliance rather than
// building a custom yaml.Node tree.
func marshalOrdered(doc rawDoc, orderedNames []string) ([]byte, error) {
	_ = orderedNames
	return yaml.Marshal(doc)
}

// Validate enforces the structural invariants a parsed or
// about-to-be-serialized lock file must satisfy.
func (lf *LockFile) Validate() error {
	if len(lf.SDKs) == 0 {
		return fmt.Errorf("lockfile: at least one sdk constraint is required")
	}
	for name, entry := range lf.Packages {
		if entry.ID.Ref.Name != name {
			return fmt.Errorf("lockfile: package %q has mismatched ref name %q", name, entry.ID.Ref.Name)
		}
	}
	return nil
}
