package semver

import (
	"fmt"
	"sort"
	"strings"
)

// VersionRange is a contiguous interval of versions with optional
// inclusive/exclusive bounds. A nil Min means unbounded below; a nil
// Max means unbounded above. IncludePreRelease marks that pre-release
// versions are allowed even at the bounds (normally a pre-release
// version is only matched by a bound that is itself a pre-release of
// the same major.minor.patch — see VersionConstraint.Allows).
type VersionRange struct {
	Min, Max                       *Version
	IncludeMin, IncludeMax         bool
	IncludePreRelease              bool
}

// VersionConstraint is a union of disjoint VersionRange terms. The zero
// value is the empty constraint (matches nothing); use Any() for the
// unconstrained constraint.
type VersionConstraint struct {
	ranges []VersionRange // kept sorted and non-overlapping by normalize
	any    bool
}

// Any returns the constraint that allows every version.
func Any() VersionConstraint { return VersionConstraint{any: true} }

// Empty returns the constraint that allows no version.
func Empty() VersionConstraint { return VersionConstraint{} }

// NewRange builds a single-range constraint.
func NewRange(r VersionRange) VersionConstraint {
	c := VersionConstraint{ranges: []VersionRange{r}}
	return c.normalize()
}

// Exact builds a constraint that allows exactly one version.
func Exact(v Version) VersionConstraint {
	return NewRange(VersionRange{
		Min: &v, Max: &v,
		IncludeMin: true, IncludeMax: true,
		IncludePreRelease: true,
	})
}

// IsAny reports whether c allows every version.
func (c VersionConstraint) IsAny() bool { return c.any }

// Bounds returns the lowest min and highest max across c's ranges (nil
// for either side that is unbounded or, for max, when c is Any). Used
// by depservices' constraint-widening algorithm, which needs to reason
// about a hand-authored constraint's edges directly rather than through
// Allows/Intersect.
func (c VersionConstraint) Bounds() (min, max *Version) {
	if c.any || len(c.ranges) == 0 {
		return nil, nil
	}
	min = c.ranges[0].Min
	max = c.ranges[len(c.ranges)-1].Max
	return min, max
}

// BoundsInclusive is Bounds plus whether each returned bound is
// inclusive (meaningless, and false, for a nil bound).
func (c VersionConstraint) BoundsInclusive() (min, max *Version, includeMin, includeMax bool) {
	if c.any || len(c.ranges) == 0 {
		return nil, nil, false, false
	}
	first, last := c.ranges[0], c.ranges[len(c.ranges)-1]
	return first.Min, last.Max, first.IncludeMin, last.IncludeMax
}

// IsEmpty reports whether c allows no version.
func (c VersionConstraint) IsEmpty() bool { return !c.any && len(c.ranges) == 0 }

// Allows reports whether v satisfies c, honoring the pre-release rule
// from spec §4.A: a pre-release version is excluded from a range unless
// the range's lower bound is a pre-release of the same (major, minor,
// patch), or the range is explicitly marked to include pre-releases.
func (c VersionConstraint) Allows(v Version) bool {
	if c.any {
		return true
	}
	for _, r := range c.ranges {
		if r.allows(v) {
			return true
		}
	}
	return false
}

func (r VersionRange) allows(v Version) bool {
	if r.Min != nil {
		if v.Less(*r.Min) {
			return false
		}
		if !r.IncludeMin && v.Equal(*r.Min) {
			return false
		}
	}
	if r.Max != nil {
		if r.Max.Less(v) {
			return false
		}
		if !r.IncludeMax && v.Equal(*r.Max) {
			return false
		}
	}

	if v.IsPreRelease() && !r.IncludePreRelease {
		if r.Min == nil || !(r.Min.IsPreRelease() && r.Min.Triple(v)) {
			return false
		}
	}

	return true
}

// CompatibleWith returns [v, v.NextBreaking().FirstPreRelease()), the
// constraint a caret dependency requirement (`^1.2.3`) expands to.
func CompatibleWith(v Version) VersionConstraint {
	next := v.NextBreaking().FirstPreRelease()
	return NewRange(VersionRange{
		Min: &v, Max: &next,
		IncludeMin: true, IncludeMax: false,
	})
}

// Intersect returns the constraint allowing exactly the versions both
// c and o allow.
func (c VersionConstraint) Intersect(o VersionConstraint) VersionConstraint {
	if c.any {
		return o
	}
	if o.any {
		return c
	}
	var out []VersionRange
	for _, a := range c.ranges {
		for _, b := range o.ranges {
			if r, ok := intersectRange(a, b); ok {
				out = append(out, r)
			}
		}
	}
	return VersionConstraint{ranges: out}.normalize()
}

func intersectRange(a, b VersionRange) (VersionRange, bool) {
	r := VersionRange{
		IncludePreRelease: a.IncludePreRelease || b.IncludePreRelease,
	}

	switch {
	case a.Min == nil:
		r.Min, r.IncludeMin = b.Min, b.IncludeMin
	case b.Min == nil:
		r.Min, r.IncludeMin = a.Min, a.IncludeMin
	case a.Min.Less(*b.Min):
		r.Min, r.IncludeMin = b.Min, b.IncludeMin
	case b.Min.Less(*a.Min):
		r.Min, r.IncludeMin = a.Min, a.IncludeMin
	default:
		r.Min = a.Min
		r.IncludeMin = a.IncludeMin && b.IncludeMin
	}

	switch {
	case a.Max == nil:
		r.Max, r.IncludeMax = b.Max, b.IncludeMax
	case b.Max == nil:
		r.Max, r.IncludeMax = a.Max, a.IncludeMax
	case a.Max.Less(*b.Max):
		r.Max, r.IncludeMax = a.Max, a.IncludeMax
	case b.Max.Less(*a.Max):
		r.Max, r.IncludeMax = b.Max, b.IncludeMax
	default:
		r.Max = a.Max
		r.IncludeMax = a.IncludeMax && b.IncludeMax
	}

	if r.Min != nil && r.Max != nil {
		if r.Max.Less(*r.Min) {
			return VersionRange{}, false
		}
		if r.Max.Equal(*r.Min) && !(r.IncludeMin && r.IncludeMax) {
			return VersionRange{}, false
		}
	}

	return r, true
}

// Union returns the constraint allowing any version allowed by c or o.
func (c VersionConstraint) Union(o VersionConstraint) VersionConstraint {
	if c.any || o.any {
		return Any()
	}
	merged := append(append([]VersionRange{}, c.ranges...), o.ranges...)
	return VersionConstraint{ranges: merged}.normalize()
}

// Difference returns the constraint allowing versions c allows but o
// does not.
func (c VersionConstraint) Difference(o VersionConstraint) VersionConstraint {
	if o.IsEmpty() {
		return c
	}
	if o.any {
		return Empty()
	}
	result := c
	for _, b := range o.ranges {
		result = result.subtractRange(b)
	}
	return result
}

func (c VersionConstraint) subtractRange(b VersionRange) VersionConstraint {
	if c.any {
		// Any minus a bounded range is the complement of that range.
		c = NewRange(VersionRange{IncludePreRelease: true})
	}
	var out []VersionRange
	for _, a := range c.ranges {
		out = append(out, subtractOne(a, b)...)
	}
	return VersionConstraint{ranges: out}.normalize()
}

func subtractOne(a, b VersionRange) []VersionRange {
	inter, ok := intersectRange(a, b)
	if !ok {
		return []VersionRange{a}
	}

	var out []VersionRange

	// Portion of a below inter.Min.
	if inter.Min == nil {
		// b has no lower bound intersecting a's lower side; nothing left below.
	} else if a.Min == nil || a.Min.Less(*inter.Min) || (a.Min.Equal(*inter.Min) && a.IncludeMin && !inter.IncludeMin) {
		left := VersionRange{
			Min: a.Min, IncludeMin: a.IncludeMin,
			Max: inter.Min, IncludeMax: !inter.IncludeMin,
			IncludePreRelease: a.IncludePreRelease,
		}
		out = append(out, left)
	}

	// Portion of a above inter.Max.
	if inter.Max == nil {
		// nothing left above
	} else if a.Max == nil || inter.Max.Less(*a.Max) || (a.Max.Equal(*inter.Max) && a.IncludeMax && !inter.IncludeMax) {
		right := VersionRange{
			Min: inter.Max, IncludeMin: !inter.IncludeMax,
			Max: a.Max, IncludeMax: a.IncludeMax,
			IncludePreRelease: a.IncludePreRelease,
		}
		out = append(out, right)
	}

	return out
}

// normalize sorts ranges and merges any that touch or overlap.
func (c VersionConstraint) normalize() VersionConstraint {
	if c.any || len(c.ranges) == 0 {
		return c
	}

	ranges := append([]VersionRange{}, c.ranges...)
	sort.Slice(ranges, func(i, j int) bool {
		return rangeLess(ranges[i], ranges[j])
	})

	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if touchesOrOverlaps(*last, r) {
			*last = mergeRanges(*last, r)
		} else {
			out = append(out, r)
		}
	}
	return VersionConstraint{ranges: out}
}

func rangeLess(a, b VersionRange) bool {
	switch {
	case a.Min == nil && b.Min == nil:
		return false
	case a.Min == nil:
		return true
	case b.Min == nil:
		return false
	default:
		return a.Min.Less(*b.Min)
	}
}

func touchesOrOverlaps(a, b VersionRange) bool {
	if a.Max == nil || b.Min == nil {
		return true
	}
	if a.Max.Less(*b.Min) {
		return false
	}
	if a.Max.Equal(*b.Min) && !a.IncludeMax && !b.IncludeMin {
		return false
	}
	return true
}

func mergeRanges(a, b VersionRange) VersionRange {
	r := VersionRange{IncludePreRelease: a.IncludePreRelease || b.IncludePreRelease}

	if a.Min == nil || b.Min == nil {
		r.Min, r.IncludeMin = nil, false
	} else if a.Min.Less(*b.Min) {
		r.Min, r.IncludeMin = a.Min, a.IncludeMin
	} else if b.Min.Less(*a.Min) {
		r.Min, r.IncludeMin = b.Min, b.IncludeMin
	} else {
		r.Min, r.IncludeMin = a.Min, a.IncludeMin || b.IncludeMin
	}

	if a.Max == nil || b.Max == nil {
		r.Max, r.IncludeMax = nil, false
	} else if b.Max.Less(*a.Max) {
		r.Max, r.IncludeMax = a.Max, a.IncludeMax
	} else if a.Max.Less(*b.Max) {
		r.Max, r.IncludeMax = b.Max, b.IncludeMax
	} else {
		r.Max, r.IncludeMax = a.Max, a.IncludeMax || b.IncludeMax
	}

	return r
}

// String renders c in pub's human-readable constraint syntax, used in
// solver failure explanations and lock-file round-tripping of
// hand-authored constraints.
func (c VersionConstraint) String() string {
	if c.any {
		return "any"
	}
	if c.IsEmpty() {
		return "empty"
	}
	parts := make([]string, len(c.ranges))
	for i, r := range c.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, " || ")
}

func (r VersionRange) String() string {
	if r.Min != nil && r.Max != nil && r.IncludeMin && !r.IncludeMax {
		if r.Max.Equal(r.Min.NextBreaking().FirstPreRelease()) {
			return "^" + r.Min.String()
		}
	}
	switch {
	case r.Min == nil && r.Max == nil:
		return "any"
	case r.Max == nil:
		op := ">="
		if !r.IncludeMin {
			op = ">"
		}
		return fmt.Sprintf("%s%s", op, r.Min)
	case r.Min == nil:
		op := "<="
		if !r.IncludeMax {
			op = "<"
		}
		return fmt.Sprintf("%s%s", op, r.Max)
	default:
		minOp, maxOp := ">=", "<="
		if !r.IncludeMin {
			minOp = ">"
		}
		if !r.IncludeMax {
			maxOp = "<"
		}
		return fmt.Sprintf("%s%s %s%s", minOp, r.Min, maxOp, r.Max)
	}
}
