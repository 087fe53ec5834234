package source

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sigurdm/pub/semver"
)

// Path resolves dependencies that live at a filesystem path, either
// absolute or relative to the root package's directory (rootDir),
// whichever package declares them. There is no
// network or cache involvement: download is a no-op that returns the
// path itself (spec §4.B).
type Path struct {
	rootDir string // directory containing the root pubspec, for resolving relative paths
}

// NewPath builds a Path source; rootDir anchors PathDescription.Relative
// entries.
func NewPath(rootDir string) *Path {
	return &Path{rootDir: rootDir}
}

func (p *Path) Kind() Kind { return KindPath }

func (p *Path) resolvedDir(pd *PathDescription) string {
	if pd.Relative && !filepath.IsAbs(pd.Path) {
		return filepath.Join(p.rootDir, pd.Path)
	}
	return pd.Path
}

// ListVersions reads the single in-directory pubspec and returns its
// one version (spec §4.B: "Path returns the single in-directory
// pubspec's version").
func (p *Path) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	dir := p.resolvedDir(ref.Description.Path)
	pubspec, err := readPubspecYAML(pubspecYAMLPath(dir))
	if err != nil {
		return nil, fmt.Errorf("source: reading pubspec at %s: %w", dir, err)
	}
	if pubspec.Version == nil {
		return nil, &ManifestFormatError{Context: dir, Reason: "pubspec.yaml has no version"}
	}
	return []PackageId{{
		Ref:     ref,
		Version: *pubspec.Version,
		Resolved: ResolvedDescription{
			Kind: KindPath,
			Path: ref.Description.Path,
		},
	}}, nil
}

func (p *Path) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	dir := p.resolvedDir(id.Resolved.Path)
	return readPubspecYAML(pubspecYAMLPath(dir))
}

// Download is a no-op: the directory already exists on disk.
func (p *Path) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	return p.resolvedDir(id.Resolved.Path), id, nil
}

func (p *Path) ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error) {
	ver, err := semver.Parse(version)
	if err != nil {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".version", Reason: err.Error()}
	}
	path, _ := description["path"].(string)
	relative, _ := description["relative"].(bool)
	if path == "" {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".description", Reason: "path description requires path"}
	}

	pd := &PathDescription{Path: path, Relative: relative}
	return PackageId{
		Ref:      PackageRef{Name: name, Description: Description{Kind: KindPath, Path: pd}},
		Version:  ver,
		Resolved: ResolvedDescription{Kind: KindPath, Path: pd},
	}, nil
}

func (p *Path) SerializeForLockfile(id PackageId) map[string]any {
	return map[string]any{
		"path":     id.Resolved.Path.Path,
		"relative": id.Resolved.Path.Relative,
	}
}
