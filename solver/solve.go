package solver

import (
	"context"
	"fmt"
	"sort"

	"github.com/facebookgo/clock"

	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

// SolveType selects how the solver treats a previous lock file (spec
// §4.F's lock interpretation rules).
type SolveType int

const (
	Get SolveType = iota
	Upgrade
	Downgrade
)

func (t SolveType) String() string {
	switch t {
	case Upgrade:
		return "upgrade"
	case Downgrade:
		return "downgrade"
	default:
		return "get"
	}
}

// ConstraintAndCause is one of the planner's injected extra
// constraints: a demand that ref's resolved version fall within
// Constraint, with Cause as the human-readable reason surfaced in a
// failure's blame chain (spec §4.F).
type ConstraintAndCause struct {
	Ref        source.PackageRef
	Constraint semver.VersionConstraint
	Cause      string
}

// Logger is the minimal diagnostic seam the solver accepts, matching
// ipm/pkg/log's (message, fields) shape (other_examples/JoerKul-ipm__solver.go)
// — the same shape fetch.Logger uses, kept as an independent interface
// here so solver doesn't need to import the fetch package.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
}

// Input bundles everything one Solve call needs.
type Input struct {
	Type     SolveType
	Root     *source.Pubspec
	RootDir  string
	Previous *lockfile.LockFile      // nil if there is none
	Unlock   map[string]bool         // names free to move even under Get
	Extra    []ConstraintAndCause

	// SDKVersions supplies the installed version of each SDK pseudo-package
	// (e.g. "dart", "flutter") a pubspec might constrain against. SDK
	// versions are environmental facts, never solved for.
	SDKVersions map[string]semver.Version
}

// Solution is a successful solve's result: every non-root, non-SDK
// package the root transitively depends on, pinned to one version, plus
// how many decisions the search made before converging.
type Solution struct {
	Packages   map[string]source.PackageId
	Dependency map[string]lockfile.Dependency
	Attempts   int
}

// Solver runs one PubGrub-style solve (spec §4.F). Construct with
// NewSolver and call Solve once; a Solver is not reusable across calls.
type Solver struct {
	registry *source.Registry
	input    Input
	logger   Logger
	clock    clock.Clock

	ps                *PartialSolution
	incompatibilities []*Incompatibility
	attempts          int
	rootRef           source.PackageRef

	versionsCache VersionsCache
	pubspecCache  map[string]*source.Pubspec
}

// VersionsCache is the listVersions memo a Solver consults before
// asking the registry. A single Solve call only ever reads and writes
// it from its own goroutine, but depservices.Planner hands one instance
// to several Solvers running concurrently (spec.md §4.C's SUPPLEMENT:
// "the planner issues many solver calls per invocation, each of which
// may re-ask the same source"), so any implementation passed to
// WithVersionsCache must be safe for concurrent use.
type VersionsCache interface {
	Get(key string) ([]source.PackageId, bool)
	Set(key string, versions []source.PackageId)
}

// mapVersionsCache is the default VersionsCache: a plain map, safe
// because NewSolver's default is only ever touched by the one Solve
// call that owns it.
type mapVersionsCache map[string][]source.PackageId

func (m mapVersionsCache) Get(key string) ([]source.PackageId, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapVersionsCache) Set(key string, versions []source.PackageId) {
	m[key] = versions
}

// Option configures a Solver, following the functional-option pattern
// used throughout this module (fetch.Option, source constructors).
type Option func(*Solver)

func WithLogger(l Logger) Option { return func(s *Solver) { s.logger = l } }

func WithClock(c clock.Clock) Option { return func(s *Solver) { s.clock = c } }

// WithVersionsCache makes the Solver read and populate shared, the
// caller-owned listVersions memo. depservices.Planner passes the same
// cache across its several concurrent solver invocations per report so
// that re-asking a source about a package already listed this run is a
// lookup, not a network round trip.
func WithVersionsCache(shared VersionsCache) Option {
	return func(s *Solver) { s.versionsCache = shared }
}

// NewSolver builds a Solver over registry for the given input.
func NewSolver(registry *source.Registry, input Input, opts ...Option) *Solver {
	s := &Solver{
		registry:      registry,
		input:         input,
		clock:         clock.New(),
		ps:            newPartialSolution(),
		versionsCache: mapVersionsCache{},
		pubspecCache:  map[string]*source.Pubspec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Solver) debug(msg string, fields map[string]any) {
	if s.logger != nil {
		s.logger.Debug(msg, fields)
	}
}

func (s *Solver) warn(msg string, fields map[string]any) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}

// Solve runs the main PubGrub loop: propagate to a fixed point,
// resolve any conflict found (backjumping and learning a new
// incompatibility), and otherwise make the next decision, until either
// every referenced package is decided or resolution fails.
func (s *Solver) Solve(ctx context.Context) (*Solution, error) {
	started := s.clock.Now()
	if err := s.seedRoot(ctx); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conflict, err := s.propagateAll(ctx)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			learned, failure := s.resolveConflict(conflict)
			if failure != nil {
				return nil, failure
			}
			s.incompatibilities = append(s.incompatibilities, learned)
			continue
		}

		name, done, err := s.nextUndecided(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			sol := s.buildSolution()
			s.debug("solve converged", map[string]any{
				"attempts": sol.Attempts,
				"packages": len(sol.Packages),
				"elapsed":  s.clock.Now().Sub(started).String(),
			})
			return sol, nil
		}
		if err := s.decide(ctx, name); err != nil {
			return nil, err
		}
	}
}

func (s *Solver) seedRoot(ctx context.Context) error {
	s.rootRef = source.PackageRef{Name: s.input.Root.Name, Description: source.Description{Kind: source.KindRoot}}
	version := semver.Version{}
	if s.input.Root.Version != nil {
		version = *s.input.Root.Version
	}
	rootID := source.PackageId{Ref: s.rootRef, Version: version, Resolved: source.ResolvedDescription{Kind: source.KindRoot}}

	s.ps.addDecision(s.rootRef, version, rootID)
	s.attempts++
	s.addDependencyIncompatibilities(s.rootRef, rootID, s.input.Root, true)
	s.seedExtraConstraints()
	return nil
}

func (s *Solver) seedExtraConstraints() {
	for _, c := range s.input.Extra {
		s.incompatibilities = append(s.incompatibilities, newIncompatibility(CauseExtra, c.Cause, negative(c.Ref, c.Constraint)))
	}
}

// dependenciesOf returns the effective dependency map for pubspec: main
// dependencies always, dev dependencies only when isRoot (dev deps
// aren't transitively inherited), and overrides shadowing both, per
// source.Pubspec.DependencyFor's precedence rule.
func dependenciesOf(pubspec *source.Pubspec, isRoot bool) map[string]source.PackageRange {
	out := make(map[string]source.PackageRange, len(pubspec.Dependencies))
	for name, r := range pubspec.Dependencies {
		out[name] = r
	}
	if isRoot {
		for name, r := range pubspec.DevDependencies {
			out[name] = r
		}
	}
	for name, r := range pubspec.Overrides {
		out[name] = r
	}
	return out
}

func (s *Solver) addDependencyIncompatibilities(parentRef source.PackageRef, parentID source.PackageId, pubspec *source.Pubspec, isRoot bool) {
	deps := dependenciesOf(pubspec, isRoot)

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := deps[name]

		if existing, ok := s.ps.refs[name]; ok && !existing.Equal(r.Ref) {
			s.incompatibilities = append(s.incompatibilities, newIncompatibility(
				CauseNoVersions,
				fmt.Sprintf("%s is fetched from two different sources: %s and %s", name, existing.Description, r.Ref.Description),
				positive(existing, semver.Any()),
			))
		}

		ic := derived(CauseDependency, []Term{
			positive(parentRef, semver.Exact(parentID.Version)),
			negative(r.Ref, r.Constraint),
		})
		ic.Reason = fmt.Sprintf("%s %s depends on %s %s", parentRef.Name, parentID.Version, name, r.Constraint)
		s.incompatibilities = append(s.incompatibilities, ic)
	}

	if len(pubspec.SDKConstraints) > 0 {
		s.addSDKIncompatibilities(parentRef, parentID, pubspec)
	}
}

func (s *Solver) addSDKIncompatibilities(parentRef source.PackageRef, parentID source.PackageId, pubspec *source.Pubspec) {
	sdkNames := make([]string, 0, len(pubspec.SDKConstraints))
	for name := range pubspec.SDKConstraints {
		sdkNames = append(sdkNames, name)
	}
	sort.Strings(sdkNames)

	for _, sdkName := range sdkNames {
		constraint := pubspec.SDKConstraints[sdkName]
		sdkRef := source.PackageRef{Name: "sdk:" + sdkName, Description: source.Description{Kind: source.KindSDK, SDK: &source.SDKDescription{Name: sdkName}}}

		if _, ok := s.ps.refs[sdkRef.Name]; !ok {
			if v, ok2 := s.input.SDKVersions[sdkName]; ok2 {
				id := source.PackageId{Ref: sdkRef, Version: v, Resolved: source.ResolvedDescription{Kind: source.KindSDK, SDK: &source.SDKDescription{Name: sdkName}}}
				s.ps.addDecision(sdkRef, v, id)
			}
		}

		ic := derived(CauseSDK, []Term{
			positive(parentRef, semver.Exact(parentID.Version)),
			negative(sdkRef, constraint),
		})
		ic.Reason = fmt.Sprintf("%s %s requires %s %s", parentRef.Name, parentID.Version, sdkName, constraint)
		s.incompatibilities = append(s.incompatibilities, ic)
	}
}

// propagateAll runs unit propagation to a fixed point, returning the
// first incompatibility found fully satisfied by the partial solution
// (a conflict), or nil once no incompatibility can derive anything new.
func (s *Solver) propagateAll(ctx context.Context) (*Incompatibility, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for _, ic := range s.incompatibilities {
			kind, pending, ok := s.ps.unsatisfied(ic)
			switch kind {
			case relationContradicted:
				continue
			case relationSatisfied:
				return ic, nil
			default:
				if ok {
					inv := pending.Inverse()
					if s.ps.relation(inv) != relationSatisfied {
						s.ps.addDerivation(inv, ic)
						changed = true
					}
				}
			}
		}
		if !changed {
			return nil, nil
		}
	}
}

// resolveConflict bisects ic against the partial solution's assignment
// log to find the decision that contributed it, producing a strictly
// weaker learned incompatibility and the level to backjump to (spec
// §4.F). Returns a SolveFailure once the learned incompatibility
// reduces to the root package alone.
func (s *Solver) resolveConflict(ic *Incompatibility) (*Incompatibility, *SolveFailure) {
	for {
		if ic.isFailureRoot(s.rootRef.Name) {
			return nil, &SolveFailure{Incompatibility: ic, Root: s.rootRef.Name}
		}

		satisfierName, satisfierIdx, satisfierLevel := s.mostRecentSatisfier(ic)
		previousLevel := s.previousSatisfierLevel(ic, satisfierName)
		a := s.ps.assignments[satisfierIdx]

		if a.isDecision() || satisfierLevel <= previousLevel {
			s.ps.backjumpTo(previousLevel)
			return ic, nil
		}

		cause := a.Cause
		merged := dedupeTerms(append(withoutTerm(ic.Terms, satisfierName), withoutTerm(cause.Terms, satisfierName)...))
		ic = derived(CauseConflict, merged, ic, cause)
	}
}

func (s *Solver) mostRecentSatisfier(ic *Incompatibility) (name string, index int, level int) {
	bestIdx := -1
	for _, t := range ic.Terms {
		idx, lvl := s.ps.satisfierLevel(t)
		if idx > bestIdx {
			bestIdx = idx
			name = t.Package.Name
			index = idx
			level = lvl
		}
	}
	return
}

func (s *Solver) previousSatisfierLevel(ic *Incompatibility, excludeName string) int {
	level := 0
	for _, t := range ic.Terms {
		if t.Package.Name == excludeName {
			continue
		}
		_, lvl := s.ps.satisfierLevel(t)
		if lvl > level {
			level = lvl
		}
	}
	return level
}

// dedupeTerms keeps the first term seen per package name. Resolution in
// full PubGrub would union the two clauses' terms about a shared
// package; our incompatibilities carry at most one term per package by
// construction (dependency/root/sdk/extra/no-versions each assert a
// single fact per name), so the only overlap possible is the same
// literal reappearing in both parents, which this keeps exactly once.
func dedupeTerms(terms []Term) []Term {
	seen := make(map[string]bool, len(terms))
	out := make([]Term, 0, len(terms))
	for _, t := range terms {
		if seen[t.Package.Name] {
			continue
		}
		seen[t.Package.Name] = true
		out = append(out, t)
	}
	return out
}

// nextUndecided picks the tightest undecided package per spec §4.F's
// tie-break order: packages with exactly one matching version first,
// then fewest matching versions, then alphabetical.
func (s *Solver) nextUndecided(ctx context.Context) (string, bool, error) {
	type candidate struct {
		name  string
		count int
	}
	var pending []candidate

	names := make([]string, 0, len(s.ps.refs))
	for name := range s.ps.refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, ok := s.ps.decided(name); ok {
			continue
		}
		ref := s.ps.refs[name]
		allowed := s.ps.allowedFor(name)
		if allowed.IsEmpty() {
			// Will be caught as a no-versions conflict on the next
			// propagation pass; skip it for decision purposes this round.
			continue
		}

		versions, err := s.listVersions(ctx, ref)
		if err != nil {
			s.incompatibilities = append(s.incompatibilities, newIncompatibility(CauseNotFound, err.Error(), positive(ref, allowed)))
			continue
		}

		count := 0
		for _, v := range versions {
			if allowed.Allows(v.Version) {
				count++
			}
		}
		pending = append(pending, candidate{name: name, count: count})
	}

	if len(pending) == 0 {
		return "", true, nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		aOne, bOne := a.count == 1, b.count == 1
		if aOne != bOne {
			return aOne
		}
		if a.count != b.count {
			return a.count < b.count
		}
		return a.name < b.name
	})

	return pending[0].name, false, nil
}

// decide picks the preferred version for name among those the current
// partial solution still allows, and derives its dependency
// incompatibilities.
func (s *Solver) decide(ctx context.Context, name string) error {
	ref := s.ps.refs[name]
	allowed := s.ps.allowedFor(name)

	versions, err := s.listVersions(ctx, ref)
	if err != nil {
		s.incompatibilities = append(s.incompatibilities, newIncompatibility(CauseNotFound, err.Error(), positive(ref, allowed)))
		return nil
	}

	var candidates []source.PackageId
	for _, v := range versions {
		if allowed.Allows(v.Version) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		s.incompatibilities = append(s.incompatibilities, newIncompatibility(CauseNoVersions, fmt.Sprintf("no versions of %s match %s", name, allowed), positive(ref, allowed)))
		return nil
	}

	chosen := s.pickVersion(name, candidates)

	pubspec, err := s.describe(ctx, chosen)
	if err != nil {
		s.incompatibilities = append(s.incompatibilities, newIncompatibility(CauseNotFound, err.Error(), positive(ref, semver.Exact(chosen.Version))))
		return nil
	}

	s.attempts++
	s.ps.addDecision(ref, chosen.Version, chosen)
	s.addDependencyIncompatibilities(ref, chosen, pubspec, false)
	return nil
}

// pickVersion chooses among candidates (ascending by version, per the
// Source.ListVersions contract): the locked version when name should
// prefer the lock (spec §4.F's lock-interpretation rules), else newest
// for Get/Upgrade or oldest for Downgrade.
func (s *Solver) pickVersion(name string, candidates []source.PackageId) source.PackageId {
	if s.shouldPreferLocked(name) {
		if prev, ok := s.lockedVersion(name); ok {
			for _, c := range candidates {
				if c.Version.Equal(prev) {
					return c
				}
			}
		}
	}
	if s.input.Type == Downgrade {
		return candidates[0]
	}
	return candidates[len(candidates)-1]
}

func (s *Solver) shouldPreferLocked(name string) bool {
	if len(s.input.Unlock) > 0 {
		return !s.input.Unlock[name]
	}
	return s.input.Type == Get
}

func (s *Solver) lockedVersion(name string) (semver.Version, bool) {
	if s.input.Previous == nil {
		return semver.Version{}, false
	}
	entry, ok := s.input.Previous.Packages[name]
	if !ok {
		return semver.Version{}, false
	}
	return entry.ID.Version, true
}

func (s *Solver) listVersions(ctx context.Context, ref source.PackageRef) ([]source.PackageId, error) {
	key := ref.String()
	if cached, ok := s.versionsCache.Get(key); ok {
		return cached, nil
	}
	versions, err := s.registry.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.versionsCache.Set(key, versions)
	return versions, nil
}

func (s *Solver) describe(ctx context.Context, id source.PackageId) (*source.Pubspec, error) {
	key := id.Ref.Name + "@" + id.Version.String()
	if cached, ok := s.pubspecCache[key]; ok {
		return cached, nil
	}
	p, err := s.registry.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pubspecCache[key] = p
	return p, nil
}

// buildSolution extracts the final package set from the partial
// solution's decisions, excluding the root and SDK pseudo-packages, and
// classifies each by how the root reaches it.
func (s *Solver) buildSolution() *Solution {
	packages := map[string]source.PackageId{}
	for name, id := range s.ps.decisions {
		if id.Ref.Description.Kind == source.KindRoot || id.Ref.Description.Kind == source.KindSDK {
			continue
		}
		packages[name] = id
	}

	directMain := map[string]bool{}
	for name := range s.input.Root.Dependencies {
		directMain[name] = true
	}
	directDev := map[string]bool{}
	for name := range s.input.Root.DevDependencies {
		directDev[name] = true
	}
	directOverridden := map[string]bool{}
	for name := range s.input.Root.Overrides {
		directOverridden[name] = true
	}

	dependency := map[string]lockfile.Dependency{}
	for name := range packages {
		switch {
		case directOverridden[name]:
			dependency[name] = lockfile.DependencyDirectOverridden
		case directMain[name]:
			dependency[name] = lockfile.DependencyDirectMain
		case directDev[name]:
			dependency[name] = lockfile.DependencyDirectDev
		default:
			dependency[name] = lockfile.DependencyTransitive
		}
	}

	return &Solution{Packages: packages, Dependency: dependency, Attempts: s.attempts}
}
