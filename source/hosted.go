package source

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sigurdm/pub/fetch"
	"github.com/sigurdm/pub/semver"
)

// Hosted talks to a pub.dev-compatible registry: GET /api/packages/<name>
// for versions and pubspecs, then a plain GET of
// <base>/packages/<name>/versions/<version>.tar.gz for the archive
// itself (the listing's archive_url is not consulted).
type Hosted struct {
	cfg     *fetch.HTTPConfig
	cacheDir string // root under which archives are unpacked, e.g. .../hosted/pub.dev
}

// NewHosted builds a Hosted source. cacheDir is the hosted-specific
// subdirectory of the system cache (spec §4.C); cache.Cache is
// responsible for computing it per registry host.
func NewHosted(cfg *fetch.HTTPConfig, cacheDir string) *Hosted {
	return &Hosted{cfg: cfg, cacheDir: cacheDir}
}

func (h *Hosted) Kind() Kind { return KindHosted }

type packageResponse struct {
	Name     string        `json:"name"`
	Versions []versionInfo `json:"versions"`
}

type versionInfo struct {
	Version       string `json:"version"`
	ArchiveURL    string `json:"archive_url"`
	ArchiveSHA256 string `json:"archive_sha256"`
	Pubspec       rawPubspec `json:"pubspec"`
	Retracted     bool   `json:"retracted"`
}

type rawPubspec struct {
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	Environment     map[string]string      `json:"environment"`
	Dependencies    map[string]interface{} `json:"dependencies"`
	DevDependencies map[string]interface{} `json:"dev_dependencies"`
	License         string                 `json:"license,omitempty"`
}

func (h *Hosted) baseURL(ref PackageRef) string {
	if ref.Description.Hosted != nil && ref.Description.Hosted.URL != "" {
		return strings.TrimSuffix(ref.Description.Hosted.URL, "/")
	}
	return "https://pub.dev"
}

// ListVersions fetches the package listing and returns one PackageId per
// non-retracted version, ascending.
func (h *Hosted) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	url := fmt.Sprintf("%s/api/packages/%s", h.baseURL(ref), ref.Name)
	resp, err := fetch.GetJSON[packageResponse](ctx, h.cfg, url)
	if err != nil {
		return nil, fmt.Errorf("source: listing versions of %s: %w", ref.Name, err)
	}

	var out []PackageId
	for _, v := range resp.Versions {
		if v.Retracted {
			continue
		}
		ver, err := semver.Parse(v.Version)
		if err != nil {
			return nil, &ManifestFormatError{Context: "packages." + ref.Name + ".versions", Reason: err.Error()}
		}
		out = append(out, PackageId{
			Ref:     ref,
			Version: ver,
			Resolved: ResolvedDescription{
				Kind: KindHosted,
				Hosted: &ResolvedHostedDescription{
					HostedDescription: HostedDescription{Name: ref.Name, URL: h.baseURL(ref)},
				},
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version.Less(out[j].Version) })
	return out, nil
}

// Describe fetches the package listing, picks id's version from it and
// translates that version's pubspec into this repo's Pubspec shape. Idempotent: a given id always
// maps to the same immutable response.
func (h *Hosted) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	url := fmt.Sprintf("%s/api/packages/%s", h.baseURL(id.Ref), id.Ref.Name)
	resp, err := fetch.GetJSON[packageResponse](ctx, h.cfg, url)
	if err != nil {
		return nil, fmt.Errorf("source: describing %s %s: %w", id.Ref.Name, id.Version, err)
	}

	for _, v := range resp.Versions {
		if v.Version != id.Version.String() {
			continue
		}
		p, err := pubspecFromRaw(v.Pubspec)
		if err != nil {
			return nil, err
		}
		if lerr := ValidateLicense(p.License); lerr != nil && h.cfg.Logger != nil {
			h.cfg.Logger.Warn("pubspec has invalid license expression", map[string]any{"package": id.Ref.Name, "version": id.Version.String(), "err": lerr.Error()})
		}
		return p, nil
	}
	return nil, fmt.Errorf("source: %s has no version %s", id.Ref.Name, id.Version)
}

func pubspecFromRaw(raw rawPubspec) (*Pubspec, error) {
	var version *semver.Version
	if raw.Version != "" {
		ver, err := semver.Parse(raw.Version)
		if err != nil {
			return nil, &ManifestFormatError{Context: "pubspec.version", Reason: err.Error()}
		}
		version = &ver
	}

	p := &Pubspec{
		Name:            raw.Name,
		Version:         version,
		Dependencies:    map[string]PackageRange{},
		DevDependencies: map[string]PackageRange{},
		Overrides:       map[string]PackageRange{},
		SDKConstraints:  map[string]semver.VersionConstraint{},
		License:         raw.License,
	}
	for name, req := range raw.Dependencies {
		rng, err := rangeFromRequirement(name, req)
		if err != nil {
			return nil, err
		}
		p.Dependencies[name] = rng
	}
	for name, req := range raw.DevDependencies {
		rng, err := rangeFromRequirement(name, req)
		if err != nil {
			return nil, err
		}
		p.DevDependencies[name] = rng
	}
	for sdk, constraint := range raw.Environment {
		c, err := semver.ParseConstraint(constraint)
		if err != nil {
			return nil, &ManifestFormatError{Context: "pubspec.environment." + sdk, Reason: err.Error()}
		}
		p.SDKConstraints[sdk] = c
	}
	return p, nil
}

// rangeFromRequirement builds the PackageRange this repo's solver
// actually consumes, rather than flattening every dependency shape to a
// display string.
func rangeFromRequirement(name string, req interface{}) (PackageRange, error) {
	switch v := req.(type) {
	case string:
		c, err := semver.ParseConstraint(v)
		if err != nil {
			return PackageRange{}, &ManifestFormatError{Context: "dependencies." + name, Reason: err.Error()}
		}
		return PackageRange{
			Ref:        PackageRef{Name: name, Description: Description{Kind: KindHosted, Hosted: &HostedDescription{Name: name, URL: "https://pub.dev"}}},
			Constraint: c,
		}, nil
	case map[string]interface{}:
		if hosted, ok := v["hosted"]; ok {
			hostedName, hostedURL := name, "https://pub.dev"
			if hm, ok := hosted.(map[string]interface{}); ok {
				if n, ok := hm["name"].(string); ok {
					hostedName = n
				}
				if u, ok := hm["url"].(string); ok {
					hostedURL = u
				}
			}
			constraint := semver.Any()
			if ver, ok := v["version"].(string); ok {
				parsed, err := semver.ParseConstraint(ver)
				if err != nil {
					return PackageRange{}, &ManifestFormatError{Context: "dependencies." + name, Reason: err.Error()}
				}
				constraint = parsed
			}
			return PackageRange{
				Ref:        PackageRef{Name: name, Description: Description{Kind: KindHosted, Hosted: &HostedDescription{Name: hostedName, URL: hostedURL}}},
				Constraint: constraint,
			}, nil
		}
		if git, ok := v["git"]; ok {
			gd := GitDescription{}
			switch g := git.(type) {
			case string:
				gd.URL = g
			case map[string]interface{}:
				if u, ok := g["url"].(string); ok {
					gd.URL = u
				}
				if p, ok := g["path"].(string); ok {
					gd.Path = p
				}
				if r, ok := g["ref"].(string); ok {
					gd.Ref = r
				}
			}
			return PackageRange{
				Ref:        PackageRef{Name: name, Description: Description{Kind: KindGit, Git: &gd}},
				Constraint: semver.Any(),
			}, nil
		}
		if path, ok := v["path"].(string); ok {
			return PackageRange{
				Ref:        PackageRef{Name: name, Description: Description{Kind: KindPath, Path: &PathDescription{Path: path, Relative: true}}},
				Constraint: semver.Any(),
			}, nil
		}
		if sdk, ok := v["sdk"].(string); ok {
			constraint := semver.Any()
			if ver, ok := v["version"].(string); ok {
				parsed, err := semver.ParseConstraint(ver)
				if err != nil {
					return PackageRange{}, &ManifestFormatError{Context: "dependencies." + name, Reason: err.Error()}
				}
				constraint = parsed
			}
			return PackageRange{
				Ref:        PackageRef{Name: name, Description: Description{Kind: KindSDK, SDK: &SDKDescription{Name: sdk}}},
				Constraint: constraint,
			}, nil
		}
	}
	return PackageRange{}, &ManifestFormatError{Context: "dependencies." + name, Reason: "unrecognized dependency shape"}
}

// Download fetches id's archive, validates the transfer against the
// response's CRC32C header when one is present, and extracts it into
// the directory <name>-<version> under h.cacheDir. The archive's
// SHA-256 is computed while streaming and returned, not compared
// against any previously recorded hash. The archive is extracted into
// a sibling temp directory first and renamed into place only once
// extraction succeeds in full (spec.md §4.C "writes are atomic:
// download to temp, rename"), so a crash or an overlapping extraction
// into the same path never leaves a torn, partially-unpacked directory
// behind. Returns id with Sha256 filled in.
func (h *Hosted) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	if id.Resolved.Hosted == nil {
		return "", PackageId{}, fmt.Errorf("source: Download called on non-hosted id %s", id)
	}

	url := fmt.Sprintf("%s/packages/%s/versions/%s.tar.gz", h.baseURL(id.Ref), id.Ref.Name, id.Version)
	entry := fmt.Sprintf("%s-%s", id.Ref.Name, id.Version)
	destDir := filepath.Join(h.cacheDir, entry)

	if err := os.MkdirAll(h.cacheDir, 0o755); err != nil {
		return "", PackageId{}, fmt.Errorf("source: creating %s: %w", h.cacheDir, err)
	}
	tmpDir, err := os.MkdirTemp(h.cacheDir, entry+".tmp-*")
	if err != nil {
		return "", PackageId{}, fmt.Errorf("source: creating temp dir for %s: %w", id, err)
	}
	defer os.RemoveAll(tmpDir)

	sum := sha256.New()
	req := fetch.Request{URL: url, ValidateCRC32C: true}
	_, err = fetch.Fetch(ctx, h.cfg, req, func(body io.Reader, headers http.Header) (struct{}, error) {
		tee := io.TeeReader(body, sum)
		return struct{}{}, extractTarGz(tee, tmpDir)
	})
	if err != nil {
		return "", PackageId{}, fmt.Errorf("source: downloading %s: %w", id, err)
	}

	if err := os.RemoveAll(destDir); err != nil {
		return "", PackageId{}, fmt.Errorf("source: clearing stale %s: %w", destDir, err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return "", PackageId{}, fmt.Errorf("source: finalizing %s: %w", destDir, err)
	}

	var digest [32]byte
	copy(digest[:], sum.Sum(nil))
	resolved := id
	resolved.Resolved.Hosted = &ResolvedHostedDescription{
		HostedDescription: id.Resolved.Hosted.HostedDescription,
		Sha256:            &digest,
	}
	return destDir, resolved, nil
}

// ParseID reconstructs a hosted PackageId from a lock-file entry.
func (h *Hosted) ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error) {
	ver, err := semver.Parse(version)
	if err != nil {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".version", Reason: err.Error()}
	}
	hostedName, _ := description["name"].(string)
	if hostedName == "" {
		hostedName = name
	}
	url, _ := description["url"].(string)
	if url == "" {
		url = "https://pub.dev"
	}

	resolved := ResolvedHostedDescription{HostedDescription: HostedDescription{Name: hostedName, URL: url}}
	if hexSha, ok := description["sha256"].(string); ok && hexSha != "" {
		digest, err := decodeHex32(hexSha)
		if err != nil {
			return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".description.sha256", Reason: err.Error()}
		}
		resolved.Sha256 = &digest
	}

	return PackageId{
		Ref:      PackageRef{Name: name, Description: Description{Kind: KindHosted, Hosted: &HostedDescription{Name: hostedName, URL: url}}},
		Version:  ver,
		Resolved: ResolvedDescription{Kind: KindHosted, Hosted: &resolved},
	}, nil
}

// SerializeForLockfile renders id's resolved description, embedding the
// cached hash when known (spec §4.D serialize rules).
func (h *Hosted) SerializeForLockfile(id PackageId) map[string]any {
	out := map[string]any{
		"name": id.Resolved.Hosted.Name,
		"url":  id.Resolved.Hosted.URL,
	}
	if id.Resolved.Hosted.Sha256 != nil {
		out["sha256"] = encodeHex32(*id.Resolved.Hosted.Sha256)
	}
	return out
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("sha256 must be 64 hex characters, got %d", len(s))
	}
	for i := 0; i < 32; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func encodeHex32(b [32]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0xf]
	}
	return string(out)
}

// extractTarGz unpacks a gzip-compressed tar stream into dir, creating
// intermediate directories as needed. Archive members must stay under
// dir; a "../" escape is rejected rather than silently written outside
// the destination.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("source: opening archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("source: reading archive entry: %w", err)
		}

		target := filepath.Join(dir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return fmt.Errorf("source: archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
