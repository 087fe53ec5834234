package depservices

import "github.com/sigurdm/pub/semver"

// widenConstraint implements spec.md §4.G's `_widenConstraint(original,
// v)`: the smallest adjustment to original that makes it allow v, used
// when a report needs to show the constraint a package.yaml edit would
// require to accept the version the solver actually picked.
//
// If original already allows v, it is returned unchanged. Otherwise the
// bound nearer to v is pushed out to v: widening past the max extends
// to [min, v.nextBreaking.firstPreRelease), collapsed to the `^min`
// caret form when that window is exactly one major tick; widening below
// the min extends down to v itself, keeping the existing max.
func widenConstraint(original semver.VersionConstraint, v semver.Version) semver.VersionConstraint {
	if original.Allows(v) {
		return original
	}

	min, max, includeMin, includeMax := original.BoundsInclusive()

	if max != nil && !v.Less(*max) {
		newMax := v.NextBreaking().FirstPreRelease()
		widened := semver.NewRange(semver.VersionRange{Min: min, IncludeMin: includeMin, Max: &newMax, IncludeMax: false})
		if min != nil && newMax.Equal(min.NextBreaking().FirstPreRelease()) {
			return semver.CompatibleWith(*min)
		}
		return widened
	}

	if min != nil && v.Less(*min) {
		return semver.NewRange(semver.VersionRange{Min: &v, IncludeMin: true, Max: max, IncludeMax: includeMax})
	}

	// original has no finite bound on the side v falls outside of (e.g.
	// unbounded below and v somehow precedes everything representable);
	// widening to any is the only sound fallback.
	return semver.Any()
}
