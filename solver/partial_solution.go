package solver

import (
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

// relationKind is the three-valued result of comparing a Term against
// everything the partial solution currently knows about that package.
type relationKind int

const (
	relationInconclusive relationKind = iota
	relationSatisfied
	relationContradicted
)

// assignment is one entry in the partial solution's append-only log: a
// term plus the decision level it was added at, and (for derivations)
// the incompatibility whose unit propagation produced it. Decisions
// carry a nil Cause.
type assignment struct {
	Term          Term
	DecisionLevel int
	Cause         *Incompatibility
	ID            source.PackageId // populated only when this assignment is a decision
}

func (a assignment) isDecision() bool { return a.Cause == nil }

// PartialSolution is the solver's growing assignment log (spec §4.F):
// an ordered sequence of positive/negative terms, each tagged with the
// decision level and incompatibility that produced it, plus a derived
// "allowed versions so far" set per package for fast relation checks.
type PartialSolution struct {
	assignments []assignment
	level       int

	allowed   map[string]semver.VersionConstraint
	decisions map[string]source.PackageId
	refs      map[string]source.PackageRef
}

func newPartialSolution() *PartialSolution {
	return &PartialSolution{
		allowed:   map[string]semver.VersionConstraint{},
		decisions: map[string]source.PackageId{},
		refs:      map[string]source.PackageRef{},
	}
}

func (ps *PartialSolution) allowedFor(name string) semver.VersionConstraint {
	if c, ok := ps.allowed[name]; ok {
		return c
	}
	return semver.Any()
}

// relation reports what the partial solution currently implies about t,
// honoring the pre-release/bound semantics baked into
// semver.VersionConstraint itself.
func (ps *PartialSolution) relation(t Term) relationKind {
	allowed := ps.allowedFor(t.Package.Name)
	if t.Positive {
		if allowed.Difference(t.Constraint).IsEmpty() {
			return relationSatisfied
		}
		if allowed.Intersect(t.Constraint).IsEmpty() {
			return relationContradicted
		}
		return relationInconclusive
	}
	if allowed.Intersect(t.Constraint).IsEmpty() {
		return relationSatisfied
	}
	if allowed.Difference(t.Constraint).IsEmpty() {
		return relationContradicted
	}
	return relationInconclusive
}

func (ps *PartialSolution) applyTerm(t Term) {
	ps.refs[t.Package.Name] = t.Package
	cur := ps.allowedFor(t.Package.Name)
	ps.allowed[t.Package.Name] = cur.Intersect(t.asAllowedSet())
}

// addDerivation records t as following from cause, without advancing
// the decision level.
func (ps *PartialSolution) addDerivation(t Term, cause *Incompatibility) {
	ps.assignments = append(ps.assignments, assignment{Term: t, DecisionLevel: ps.level, Cause: cause})
	ps.applyTerm(t)
}

// addDecision pins ref to version, advancing to a new decision level.
func (ps *PartialSolution) addDecision(ref source.PackageRef, version semver.Version, id source.PackageId) {
	ps.level++
	t := positive(ref, semver.Exact(version))
	ps.assignments = append(ps.assignments, assignment{Term: t, DecisionLevel: ps.level, Cause: nil, ID: id})
	ps.applyTerm(t)
	ps.decisions[ref.Name] = id
}

// decided reports whether name already has a chosen version.
func (ps *PartialSolution) decided(name string) (source.PackageId, bool) {
	id, ok := ps.decisions[name]
	return id, ok
}

// unsatisfied returns the relation of ic against the current solution:
// relationContradicted if some term of ic can never hold (ic is
// permanently irrelevant), relationSatisfied if every term holds (a
// conflict), relationInconclusive with the lone pending term otherwise,
// or an ok=false "more than one term pending" state the caller should
// simply wait on.
func (ps *PartialSolution) unsatisfied(ic *Incompatibility) (kind relationKind, pending Term, ok bool) {
	count := 0
	for _, t := range ic.Terms {
		switch ps.relation(t) {
		case relationContradicted:
			return relationContradicted, Term{}, false
		case relationInconclusive:
			count++
			pending = t
		}
	}
	if count == 0 {
		return relationSatisfied, Term{}, false
	}
	if count == 1 {
		return relationInconclusive, pending, true
	}
	return relationInconclusive, Term{}, false
}

// satisfierLevel replays the assignment log from the start to find the
// earliest point at which t becomes satisfied, returning that
// assignment's index and decision level. Both allowed sets and the
// solution's knowledge only ever narrow over time (Intersect/Difference
// never add versions back), so satisfaction, once reached, persists —
// a single forward scan finds the minimal such point.
func (ps *PartialSolution) satisfierLevel(t Term) (index int, level int) {
	replay := newPartialSolution()
	for i, a := range ps.assignments {
		replay.applyTerm(a.Term)
		if replay.relation(t) == relationSatisfied {
			return i, a.DecisionLevel
		}
	}
	return len(ps.assignments) - 1, ps.level
}

// backjumpTo discards every assignment made after level, and rebuilds
// the derived allowed/decisions maps from what remains.
func (ps *PartialSolution) backjumpTo(level int) {
	kept := ps.assignments[:0:0]
	for _, a := range ps.assignments {
		if a.DecisionLevel <= level {
			kept = append(kept, a)
		}
	}
	ps.assignments = kept
	ps.level = level

	ps.allowed = map[string]semver.VersionConstraint{}
	ps.decisions = map[string]source.PackageId{}
	for _, a := range ps.assignments {
		ps.applyTerm(a.Term)
		if a.isDecision() {
			ps.decisions[a.Term.Package.Name] = a.ID
		}
	}
}
