package source

import (
	"context"
	"fmt"
)

// Source is the capability set every source kind implements: list
// versions, describe one, download its archive, and parse/serialize its
// lock-file description. One driver per source kind (hosted, git, path,
// SDK) rather than one driver per package ecosystem.
type Source interface {
	Kind() Kind

	// ListVersions returns every non-retracted version known to the
	// source for ref, ordered ascending.
	ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error)

	// Describe returns the pubspec for one specific version. Must be
	// idempotent and safe to cache by the caller.
	Describe(ctx context.Context, id PackageId) (*Pubspec, error)

	// Download fetches (or locates, for Path) id's package contents and
	// returns the directory it was unpacked into, along with the
	// PackageId updated with any newly-learned resolution data (a
	// hosted download fills in Sha256; a git checkout returns id as
	// is, its ResolvedRef having been set by ListVersions).
	Download(ctx context.Context, id PackageId) (dir string, resolved PackageId, err error)

	// ParseID is the inverse of SerializeForLockfile: reconstructs a
	// PackageId from a lock-file entry's version/description fields.
	ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error)

	// SerializeForLockfile renders id's resolved description into the
	// map the lock file stores under "description".
	SerializeForLockfile(id PackageId) map[string]any
}

// Registry dispatches PackageRefs to the Source implementing their
// Kind. One Registry is constructed per solve/report invocation and
// threaded through the solver and planner.
type Registry struct {
	sources map[Kind]Source
}

// NewRegistry builds a Registry from a set of sources, one per Kind
// present. A zero Registry has no sources, so every lookup on it
// returns an error; always go through NewRegistry.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[Kind]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Kind()] = s
	}
	return r
}

// For returns the Source implementing k, or an error if none was
// registered — this should only happen if a PackageRef names a source
// kind the caller never wired up (programmer error, not user error).
func (r *Registry) For(k Kind) (Source, error) {
	s, ok := r.sources[k]
	if !ok {
		return nil, fmt.Errorf("source: no driver registered for kind %s", k)
	}
	return s, nil
}

// ListVersions dispatches to ref's source kind.
func (r *Registry) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	s, err := r.For(ref.Description.Kind)
	if err != nil {
		return nil, err
	}
	return s.ListVersions(ctx, ref)
}

// Describe dispatches to id's source kind.
func (r *Registry) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	s, err := r.For(id.Ref.Description.Kind)
	if err != nil {
		return nil, err
	}
	return s.Describe(ctx, id)
}

// Download dispatches to id's source kind.
func (r *Registry) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	s, err := r.For(id.Ref.Description.Kind)
	if err != nil {
		return "", PackageId{}, err
	}
	return s.Download(ctx, id)
}

// ManifestFormatError is returned by ParseID (and pubspec/lock-file
// parsing generally) when the input is malformed. It carries enough
// context to render a source-span-like message even though this
// package does not track byte offsets itself.
type ManifestFormatError struct {
	Context string // e.g. "packages.foo.description"
	Reason  string
}

func (e *ManifestFormatError) Error() string {
	return fmt.Sprintf("bad manifest format at %s: %s", e.Context, e.Reason)
}
