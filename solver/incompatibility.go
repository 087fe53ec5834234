package solver

import (
	"fmt"
	"strings"
)

// CauseKind tags why an Incompatibility exists, for rendering a
// human-readable blame chain on failure (spec §4.F).
type CauseKind int

const (
	// CauseRoot is the single incompatibility seeding the solve: "not
	// root any", asserting the root package must be selected.
	CauseRoot CauseKind = iota
	// CauseDependency says a selected version requires a range of some
	// other package: {parent in V, dependency not in R}.
	CauseDependency
	// CauseConflict is derived by resolving two incompatibilities
	// against each other during conflict resolution.
	CauseConflict
	// CauseDerivation marks an incompatibility produced by unit
	// propagation's "all-but-one satisfied" rule.
	CauseDerivation
	// CauseNotFound records that a source lookup failed (network error,
	// missing package) rather than a version genuinely conflicting.
	CauseNotFound
	// CauseNoVersions records that no version of a package satisfies the
	// intersection of everything currently required of it, including the
	// source-mismatch case (same name, different Description).
	CauseNoVersions
	// CauseSDK ties a version's SDK constraint to the SDK pseudo-package.
	CauseSDK
	// CauseExtra wraps one of the planner's injected ConstraintAndCause
	// extra constraints.
	CauseExtra
)

// Incompatibility is a set of Terms asserted to never all hold at once.
// A solution that would satisfy every term in an Incompatibility is
// therefore impossible, and the solver must derive the negation of at
// least one of them.
type Incompatibility struct {
	Terms []Term
	Cause CauseKind

	// Reason is a short human-readable explanation, used verbatim for
	// CauseExtra and CauseNotFound, and as a fallback render for the
	// others when Causes is empty.
	Reason string

	// Causes holds the one or two incompatibilities this one was
	// derived from (conflict resolution and derivation both combine a
	// pair; dependency/root/no-versions/sdk/extra have none).
	Causes []*Incompatibility
}

func newIncompatibility(cause CauseKind, reason string, terms ...Term) *Incompatibility {
	return &Incompatibility{Terms: terms, Cause: cause, Reason: reason}
}

func derived(cause CauseKind, terms []Term, causes ...*Incompatibility) *Incompatibility {
	return &Incompatibility{Terms: terms, Cause: cause, Causes: causes}
}

// isFailureRoot reports whether ic is the degenerate incompatibility
// that means the whole solve is unsatisfiable: either zero terms (the
// empty conjunction, trivially always satisfied) or a single term about
// the root package.
func (ic *Incompatibility) isFailureRoot(rootName string) bool {
	if len(ic.Terms) == 0 {
		return true
	}
	if len(ic.Terms) == 1 && ic.Terms[0].Package.Name == rootName {
		return true
	}
	return false
}

func (ic *Incompatibility) String() string {
	if len(ic.Terms) == 0 {
		return "<empty, unconditionally false>"
	}
	parts := make([]string, len(ic.Terms))
	for i, t := range ic.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ") + " are incompatible"
}

// withoutTerm returns a copy of ic.Terms excluding the term for pkg.
func withoutTerm(terms []Term, pkgName string) []Term {
	out := make([]Term, 0, len(terms))
	for _, t := range terms {
		if t.Package.Name != pkgName {
			out = append(out, t)
		}
	}
	return out
}

func termFor(terms []Term, pkgName string) (Term, bool) {
	for _, t := range terms {
		if t.Package.Name == pkgName {
			return t, true
		}
	}
	return Term{}, false
}

func fmtCause(ic *Incompatibility) string {
	switch ic.Cause {
	case CauseRoot:
		return "is the root requirement"
	case CauseDependency:
		return fmt.Sprintf("because %s", ic.Reason)
	case CauseNotFound:
		return fmt.Sprintf("because %s could not be listed: %s", ic.Terms[0].Package.Name, ic.Reason)
	case CauseNoVersions:
		return fmt.Sprintf("because no versions of %s match", ic.Terms[0].Package.Name)
	case CauseSDK:
		return fmt.Sprintf("because of an sdk constraint: %s", ic.Reason)
	case CauseExtra:
		return ic.Reason
	default:
		return "derived from the partial solution"
	}
}
