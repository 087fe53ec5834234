// Package source implements the package-source abstraction: a
// PackageRef names a package in one of several source kinds (hosted,
// git, path, sdk, the synthetic root); a Source resolves versions,
// describes pubspecs, and downloads archives for one such kind.
package source

import (
	"fmt"

	"github.com/sigurdm/pub/semver"
)

// Kind identifies which Description variant a PackageRef carries.
type Kind int

const (
	KindHosted Kind = iota
	KindGit
	KindPath
	KindSDK
	KindRoot
)

func (k Kind) String() string {
	switch k {
	case KindHosted:
		return "hosted"
	case KindGit:
		return "git"
	case KindPath:
		return "path"
	case KindSDK:
		return "sdk"
	case KindRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Description is a tagged sum type over the source-specific data a
// PackageRef carries. Exactly one of the Hosted/Git/Path/SDK fields is
// populated, selected by Kind, in place of a class hierarchy over
// source-specific description subtypes.
type Description struct {
	Kind Kind

	Hosted *HostedDescription
	Git    *GitDescription
	Path   *PathDescription
	SDK    *SDKDescription
}

// HostedDescription names a package on a hosted registry (pub.dev or a
// compatible mirror).
type HostedDescription struct {
	Name string
	URL  string // registry base URL, e.g. "https://pub.dev"
}

// GitDescription names a package living at a path inside a git
// repository, at an optional ref (branch, tag, or commit-ish).
type GitDescription struct {
	URL  string
	Path string // subdirectory within the repo, "" for the repo root
	Ref  string // branch/tag/commit; "" means the repo's default branch
}

// PathDescription names a package at a filesystem path, either
// absolute or relative to the root package's directory.
type PathDescription struct {
	Path     string
	Relative bool
}

// SDKDescription names an SDK pseudo-package (e.g. "dart", "flutter")
// whose "version" is the SDK's own version, supplied externally.
type SDKDescription struct {
	Name string
}

// Equal reports whether two descriptions are structurally equal.
func (d Description) Equal(o Description) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindHosted:
		return *d.Hosted == *o.Hosted
	case KindGit:
		return *d.Git == *o.Git
	case KindPath:
		return *d.Path == *o.Path
	case KindSDK:
		return *d.SDK == *o.SDK
	case KindRoot:
		return true
	default:
		return false
	}
}

func (d Description) String() string {
	switch d.Kind {
	case KindHosted:
		return fmt.Sprintf("hosted %s from %s", d.Hosted.Name, d.Hosted.URL)
	case KindGit:
		if d.Git.Ref != "" {
			return fmt.Sprintf("git %s@%s", d.Git.URL, d.Git.Ref)
		}
		return fmt.Sprintf("git %s", d.Git.URL)
	case KindPath:
		return fmt.Sprintf("path %s", d.Path.Path)
	case KindSDK:
		return fmt.Sprintf("sdk %s", d.SDK.Name)
	case KindRoot:
		return "root"
	default:
		return "unknown description"
	}
}

// PackageRef is a package name plus the description of where it comes
// from. Two refs are equal iff both components are structurally equal.
type PackageRef struct {
	Name        string
	Description Description
}

func (r PackageRef) Equal(o PackageRef) bool {
	return r.Name == o.Name && r.Description.Equal(o.Description)
}

func (r PackageRef) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Description)
}

// PackageRange is a PackageRef together with the constraint and
// feature set a dependent requires of it.
type PackageRange struct {
	Ref        PackageRef
	Constraint semver.VersionConstraint
	Features   map[string]bool
}

// ResolvedDescription extends a Description with source-specific
// resolution data filled in once a concrete version has been picked.
type ResolvedDescription struct {
	Kind Kind

	Hosted *ResolvedHostedDescription
	Git    *ResolvedGitDescription
	Path   *PathDescription
	SDK    *SDKDescription
}

// ResolvedHostedDescription extends HostedDescription with an optional
// content hash, filled in lazily (see cache.Cache).
type ResolvedHostedDescription struct {
	HostedDescription
	Sha256 *[32]byte // nil until the archive has been downloaded at least once
}

// ResolvedGitDescription extends GitDescription with the commit the
// ref resolved to.
type ResolvedGitDescription struct {
	GitDescription
	ResolvedRef string // full commit sha
}

// PackageId is a PackageRef pinned to one concrete version, with the
// resolution data needed to fetch or re-locate that exact version.
type PackageId struct {
	Ref        PackageRef
	Version    semver.Version
	Resolved   ResolvedDescription
}

func (id PackageId) String() string {
	return fmt.Sprintf("%s %s", id.Ref.Name, id.Version)
}

// Pubspec is the immutable, once-loaded manifest of a package: its
// name, optional version, and its three dependency maps plus SDK
// constraints. Overrides shadow both the main and dev dependency maps.
type Pubspec struct {
	Name            string
	Version         *semver.Version
	Dependencies    map[string]PackageRange
	DevDependencies map[string]PackageRange
	Overrides       map[string]PackageRange
	SDKConstraints  map[string]semver.VersionConstraint
	License         string // SPDX expression or free text, "" if unknown
}

// Validate enforces Pubspec's invariants: dependency names unique
// across Dependencies/DevDependencies (overrides may legitimately
// shadow either).
func (p *Pubspec) Validate() error {
	for name := range p.Dependencies {
		if _, dup := p.DevDependencies[name]; dup {
			return fmt.Errorf("pubspec %s: %q listed in both dependencies and dev_dependencies", p.Name, name)
		}
	}
	return nil
}

// DependencyFor returns the effective range for name, honoring the
// override-shadows-both rule.
func (p *Pubspec) DependencyFor(name string) (PackageRange, bool) {
	if r, ok := p.Overrides[name]; ok {
		return r, true
	}
	if r, ok := p.Dependencies[name]; ok {
		return r, true
	}
	if r, ok := p.DevDependencies[name]; ok {
		return r, true
	}
	return PackageRange{}, false
}

// AllDirectDependencies returns every name the root package depends on
// directly, whether main, dev, or overridden — used by the
// multi-breaking upgrade plan (depservices.MultiBreaking).
func (p *Pubspec) AllDirectDependencies() []string {
	seen := map[string]bool{}
	var names []string
	add := func(m map[string]PackageRange) {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	add(p.Dependencies)
	add(p.DevDependencies)
	add(p.Overrides)
	return names
}
