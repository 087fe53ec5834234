package source

import (
	"context"
	"fmt"

	"github.com/sigurdm/pub/semver"
)

// Root wraps the workspace's own pubspec as a single-version source: the
// solver treats the package under development exactly like any other
// dependency, pinned to its own declared version (or 0.0.0 if
// unversioned), per spec.md's "synthetic Root" variant.
type Root struct {
	pubspec *Pubspec
	dir     string
}

// NewRoot builds a Root source over an already-loaded root pubspec.
func NewRoot(pubspec *Pubspec, dir string) *Root {
	return &Root{pubspec: pubspec, dir: dir}
}

func (r *Root) Kind() Kind { return KindRoot }

func (r *Root) version() semver.Version {
	if r.pubspec.Version != nil {
		return *r.pubspec.Version
	}
	return semver.Version{}
}

func (r *Root) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	return []PackageId{{
		Ref:      ref,
		Version:  r.version(),
		Resolved: ResolvedDescription{Kind: KindRoot},
	}}, nil
}

func (r *Root) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	return r.pubspec, nil
}

func (r *Root) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	return r.dir, id, nil
}

func (r *Root) ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error) {
	return PackageId{}, fmt.Errorf("source: root package never appears in a lock file")
}

func (r *Root) SerializeForLockfile(id PackageId) map[string]any {
	return nil
}
