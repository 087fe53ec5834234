// Package depservices implements the dependency-services report (spec
// §4.G): given the current pubspec and lock file, it repeatedly invokes
// the solver under perturbed inputs to compute compatible,
// single-breaking, multi-breaking, and smallest-update upgrade plans.
package depservices

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sigurdm/pub/cache"
	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/solver"
	"github.com/sigurdm/pub/source"
)

// UpdateKind tags which upgrade option a PackageReport belongs to.
type UpdateKind string

const (
	KindCompatible     UpdateKind = "compatible"
	KindSingleBreaking UpdateKind = "single-breaking"
	KindMultiBreaking  UpdateKind = "multi-breaking"
	KindSmallestUpdate UpdateKind = "smallest-update"
)

// PackageReport is one row of a dependency-services report (spec §4.G):
// the outcome for one package under one upgrade option, including
// removed packages (Version nil, Previous* describing what the lock
// file recorded before).
type PackageReport struct {
	Name    string
	Version *semver.Version // nil if this option removes the package
	Kind    UpdateKind
	Source  string
	PURL    string // pkg:pub/<name>@<version>, empty for non-hosted packages

	ConstraintBumped         bool
	ConstraintWidened        bool
	ConstraintBumpedIfNeeded bool

	PreviousVersion    *semver.Version
	PreviousConstraint *semver.VersionConstraint
	PreviousSource     string

	// NewConstraint is the constraint a package.yaml edit would need in
	// order to accept Version, computed via widenConstraint when the
	// solver's pick falls outside the dependency's declared range.
	NewConstraint *semver.VersionConstraint
}

// Planner computes upgrade reports by repeatedly invoking the solver
// (spec §4.G). Cache, if non-nil, seeds each solve's in-memory
// listVersions memo from already-downloaded versions so a planner
// invocation over a warm cache doesn't need the network to explore an
// upgrade option (spec.md §4.C's ListCachedVersions SUPPLEMENT).
type Planner struct {
	Registry *source.Registry
	Cache    *cache.Cache
	Logger   solver.Logger
}

// sharedVersionsCache is a mutex-guarded solver.VersionsCache. Plan runs
// several solvers concurrently against one instance (errgroup.Go below),
// so the plain map solver.Solver otherwise defaults to would race: two
// solves missing the cache for distinct packages at the same moment
// would both write to it unsynchronized.
type sharedVersionsCache struct {
	mu    sync.Mutex
	cache map[string][]source.PackageId
}

func newSharedVersionsCache() *sharedVersionsCache {
	return &sharedVersionsCache{cache: map[string][]source.PackageId{}}
}

func (c *sharedVersionsCache) Get(key string) ([]source.PackageId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *sharedVersionsCache) Set(key string, versions []source.PackageId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = versions
}

// Plan runs the compatible, per-dependency single-breaking and
// multi-breaking upgrade options concurrently via
// golang.org/x/sync/errgroup (SmallestUpdate is a separate call), each
// against its own perturbed pubspec but
// sharing one in-process listVersions memo (spec §4.C's SUPPLEMENT:
// "the planner issues many solver calls per invocation, each of which
// may re-ask the same source").
func (p *Planner) Plan(ctx context.Context, root *source.Pubspec, previous *lockfile.LockFile) (map[UpdateKind][]PackageReport, error) {
	shared := newSharedVersionsCache()
	p.seedSharedVersions(root, shared)

	results := make(map[UpdateKind][]PackageReport, 4)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	run := func(kind UpdateKind, fn func(context.Context) ([]PackageReport, error)) {
		g.Go(func() error {
			reports, err := fn(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			results[kind] = reports
			mu.Unlock()
			return nil
		})
	}

	run(KindCompatible, func(ctx context.Context) ([]PackageReport, error) {
		return p.compatible(ctx, root, previous, shared)
	})
	for _, name := range root.AllDirectDependencies() {
		name := name
		run(UpdateKind("single-breaking:"+name), func(ctx context.Context) ([]PackageReport, error) {
			return p.singleBreaking(ctx, root, previous, name, shared)
		})
	}
	run(KindMultiBreaking, func(ctx context.Context) ([]PackageReport, error) {
		return p.multiBreaking(ctx, root, previous, shared)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Planner) compatible(ctx context.Context, root *source.Pubspec, previous *lockfile.LockFile, shared *sharedVersionsCache) ([]PackageReport, error) {
	s := solver.NewSolver(p.Registry, solver.Input{
		Type:     solver.Get,
		Root:     root,
		Previous: previous,
		Unlock:   map[string]bool{},
	}, solver.WithVersionsCache(shared), solver.WithLogger(p.Logger))

	sol, err := s.Solve(ctx)
	if err != nil {
		return nil, err
	}
	return p.buildReports(KindCompatible, root, sol, previous, nil), nil
}

// singleBreaking strips name's constraint upper bound (keeping its
// lower bound as a floor), then solves with the lock file as a hint for
// everything else.
func (p *Planner) singleBreaking(ctx context.Context, root *source.Pubspec, previous *lockfile.LockFile, name string, shared *sharedVersionsCache) ([]PackageReport, error) {
	perturbed := clonePubspec(root)
	widened := map[string]bool{}
	if r, ok := perturbed.Dependencies[name]; ok {
		min, _ := r.Constraint.Bounds()
		r.Constraint = semver.NewRange(semver.VersionRange{Min: min, IncludeMin: true})
		perturbed.Dependencies[name] = r
		widened[name] = true
	}

	s := solver.NewSolver(p.Registry, solver.Input{
		Type:     solver.Get,
		Root:     perturbed,
		Previous: previous,
		Unlock:   map[string]bool{name: true},
	}, solver.WithVersionsCache(shared), solver.WithLogger(p.Logger))

	sol, err := s.Solve(ctx)
	if err != nil {
		return nil, err
	}
	return p.buildReports(KindSingleBreaking, root, sol, previous, widened), nil
}

// multiBreaking strips the upper bound from every direct dependency.
func (p *Planner) multiBreaking(ctx context.Context, root *source.Pubspec, previous *lockfile.LockFile, shared *sharedVersionsCache) ([]PackageReport, error) {
	perturbed := clonePubspec(root)
	widened := map[string]bool{}
	unlock := map[string]bool{}
	for name, r := range perturbed.Dependencies {
		min, _ := r.Constraint.Bounds()
		r.Constraint = semver.NewRange(semver.VersionRange{Min: min, IncludeMin: true})
		perturbed.Dependencies[name] = r
		widened[name] = true
		unlock[name] = true
	}

	s := solver.NewSolver(p.Registry, solver.Input{
		Type:     solver.Get,
		Root:     perturbed,
		Previous: previous,
		Unlock:   unlock,
	}, solver.WithVersionsCache(shared), solver.WithLogger(p.Logger))

	sol, err := s.Solve(ctx)
	if err != nil {
		return nil, err
	}
	return p.buildReports(KindMultiBreaking, root, sol, previous, widened), nil
}

// SmallestUpdate builds P'' where every direct dependency's constraint
// becomes "≥ its currently-locked version" and solves with
// SolveType.Downgrade, per spec §4.G — used when an extra constraint
// (e.g. an SDK bump) disallows the version currently locked for name.
func (p *Planner) SmallestUpdate(ctx context.Context, root *source.Pubspec, previous *lockfile.LockFile, name string, extra semver.VersionConstraint) ([]PackageReport, error) {
	if previous != nil {
		if entry, ok := previous.Packages[name]; ok && extra.Allows(entry.ID.Version) {
			return nil, nil
		}
	}

	perturbed := clonePubspec(root)
	unlock := map[string]bool{}
	if previous != nil {
		for depName, r := range perturbed.Dependencies {
			entry, ok := previous.Packages[depName]
			if !ok {
				continue
			}
			v := entry.ID.Version
			r.Constraint = semver.NewRange(semver.VersionRange{Min: &v, IncludeMin: true})
			perturbed.Dependencies[depName] = r
			unlock[depName] = true
		}
	}

	shared := newSharedVersionsCache()
	s := solver.NewSolver(p.Registry, solver.Input{
		Type:     solver.Downgrade,
		Root:     perturbed,
		Previous: previous,
		Unlock:   unlock,
		Extra:    []solver.ConstraintAndCause{{Ref: source.PackageRef{Name: name}, Constraint: extra, Cause: "smallest-update constraint for " + name}},
	}, solver.WithVersionsCache(shared), solver.WithLogger(p.Logger))

	sol, err := s.Solve(ctx)
	if err != nil {
		return nil, err
	}
	return p.buildReports(KindSmallestUpdate, root, sol, previous, nil), nil
}

func clonePubspec(p *source.Pubspec) *source.Pubspec {
	clone := *p
	clone.Dependencies = make(map[string]source.PackageRange, len(p.Dependencies))
	for name, r := range p.Dependencies {
		clone.Dependencies[name] = r
	}
	return &clone
}

// buildReports compares a solution against the previous lock file to
// produce one PackageReport per package seen on either side, per spec
// §4.G's record shape (including removed packages).
func (p *Planner) buildReports(kind UpdateKind, root *source.Pubspec, sol *solver.Solution, previous *lockfile.LockFile, widened map[string]bool) []PackageReport {
	seen := map[string]bool{}
	var reports []PackageReport

	names := make([]string, 0, len(sol.Packages))
	for name := range sol.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		id := sol.Packages[name]
		seen[name] = true
		version := id.Version
		report := PackageReport{
			Name:    name,
			Version: &version,
			Kind:    kind,
			Source:  id.Ref.Description.String(),
		}
		if purl, ok := source.PURL(id); ok {
			report.PURL = purl
		}

		if r, ok := root.DependencyFor(name); ok {
			report.ConstraintWidened = widened[name]
			report.ConstraintBumped = !r.Constraint.Allows(version) || report.ConstraintWidened
			if report.ConstraintBumped {
				widenedConstraint := widenConstraint(r.Constraint, version)
				if kind == KindCompatible {
					// A compatible solve keeps every direct dependency inside
					// its constraint; should one land outside, report the
					// target's compatible-with form rather than widening.
					widenedConstraint = semver.CompatibleWith(version)
					if p.Logger != nil {
						p.Logger.Debug("compatible upgrade selected a version outside its constraint", map[string]any{"package": name, "version": version.String()})
					}
				}
				report.NewConstraint = &widenedConstraint
			}
		}

		if previous != nil {
			if entry, ok := previous.Packages[name]; ok {
				prevVersion := entry.ID.Version
				report.PreviousVersion = &prevVersion
				report.PreviousSource = entry.ID.Ref.Description.String()
				if r, ok := root.DependencyFor(name); ok {
					c := r.Constraint
					report.PreviousConstraint = &c
					report.ConstraintBumpedIfNeeded = !c.Allows(version)
				}
			}
		}
		reports = append(reports, report)
	}

	if previous != nil {
		prevNames := make([]string, 0, len(previous.Packages))
		for name := range previous.Packages {
			prevNames = append(prevNames, name)
		}
		sort.Strings(prevNames)
		for _, name := range prevNames {
			if seen[name] {
				continue
			}
			entry := previous.Packages[name]
			prevVersion := entry.ID.Version
			reports = append(reports, PackageReport{
				Name:            name,
				Kind:            kind,
				PreviousVersion: &prevVersion,
				PreviousSource:  entry.ID.Ref.Description.String(),
			})
		}
	}

	return reports
}

// seedSharedVersions primes shared with every cached hosted version
// already on disk for root's direct dependencies, so the first solve
// doesn't have to hit the network to explore versions this machine
// already downloaded in a previous run.
func (p *Planner) seedSharedVersions(root *source.Pubspec, shared *sharedVersionsCache) {
	if p.Cache == nil {
		return
	}
	for _, r := range root.Dependencies {
		if r.Ref.Description.Kind != source.KindHosted {
			continue
		}
		host := hostOf(r.Ref.Description.Hosted.URL)
		versions, err := p.Cache.ListCachedVersions(host, r.Ref.Name)
		if err != nil || len(versions) == 0 {
			continue
		}

		var ids []source.PackageId
		for _, vs := range versions {
			v, err := semver.Parse(vs)
			if err != nil {
				continue
			}
			ids = append(ids, source.PackageId{
				Ref:     r.Ref,
				Version: v,
				Resolved: source.ResolvedDescription{
					Kind:   source.KindHosted,
					Hosted: &source.ResolvedHostedDescription{HostedDescription: *r.Ref.Description.Hosted},
				},
			})
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Version.Less(ids[j].Version) })
		shared.Set(r.Ref.String(), ids)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
