// Package solver implements the PubGrub-style version solver (spec
// §4.F): conflict-driven resolution over a partial solution of positive
// and negative package-version terms, backed by a growing set of
// incompatibilities each terms are never allowed to jointly hold.
//
// The core loop lives in solve.go; term.go and incompatibility.go hold
// the data model, and partial_solution.go the assignment log the loop
// reasons over.
package solver

import (
	"fmt"

	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

// Term is one assertion about a package: "package is in range C"
// (Positive) or "package is not in range C" (!Positive). C may be a
// single exact version, as for a decision or the depending side of a
// dependency incompatibility.
type Term struct {
	Package    source.PackageRef
	Constraint semver.VersionConstraint
	Positive   bool
}

func positive(ref source.PackageRef, c semver.VersionConstraint) Term {
	return Term{Package: ref, Constraint: c, Positive: true}
}

func negative(ref source.PackageRef, c semver.VersionConstraint) Term {
	return Term{Package: ref, Constraint: c, Positive: false}
}

// Inverse returns the logical negation of t: "not (package in C)" for a
// positive t, and vice versa.
func (t Term) Inverse() Term {
	return Term{Package: t.Package, Constraint: t.Constraint, Positive: !t.Positive}
}

func (t Term) String() string {
	if t.Positive {
		return fmt.Sprintf("%s %s", t.Package.Name, t.Constraint)
	}
	return fmt.Sprintf("not %s %s", t.Package.Name, t.Constraint)
}

// asAllowedSet returns the set of versions t itself asserts are
// possible, independent of anything else known: for a positive term
// that's the constraint itself; for a negative term it's the
// constraint's complement within the universe of all versions.
// PartialSolution.applyTerm narrows a package's running allowed set by
// intersecting with this, which for a negative term works out to the
// same thing as subtracting the constraint directly.
func (t Term) asAllowedSet() semver.VersionConstraint {
	if t.Positive {
		return t.Constraint
	}
	return semver.Any().Difference(t.Constraint)
}
