// Package semver implements the version and constraint algebra the
// solver reasons over: parsing and ordering of semantic versions, and
// the range/union/intersection operations PubGrub needs to narrow terms.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semver 2.0 triple plus pre-release and build
// metadata. Build metadata is retained for round-tripping but never
// affects ordering or equality.
type Version struct {
	Major, Minor, Patch int
	Pre                 string // empty if no pre-release
	Build               string // empty if no build metadata
}

// Parse parses a semver 2.0 version string.
func Parse(s string) (Version, error) {
	orig := s
	var build string
	if i := strings.IndexByte(s, '+'); i >= 0 {
		build = s[i+1:]
		s = s[:i]
	}

	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
	}

	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("semver: invalid version %q: expected major.minor.patch", orig)
	}

	major, err := parseNonNegative(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("semver: invalid version %q: %w", orig, err)
	}
	minor, err := parseNonNegative(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("semver: invalid version %q: %w", orig, err)
	}
	patch, err := parseNonNegative(parts[2])
	if err != nil {
		return Version{}, fmt.Errorf("semver: invalid version %q: %w", orig, err)
	}

	return Version{Major: major, Minor: minor, Patch: patch, Pre: pre, Build: build}, nil
}

// MustParse is Parse but panics on error. Intended for tests and
// constant-like version literals.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parseNonNegative(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("component %q is not a number", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("component %q is negative", s)
	}
	return n, nil
}

// IsPreRelease reports whether v carries a pre-release tag.
func (v Version) IsPreRelease() bool {
	return v.Pre != ""
}

// String renders v back to its canonical semver text form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Triple reports whether two versions share (major, minor, patch).
func (v Version) Triple(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Patch == o.Patch
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than o, per semver 2.0 precedence (build metadata is ignored).
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	if v.Patch != o.Patch {
		return sign(v.Patch - o.Patch)
	}
	return comparePre(v.Pre, o.Pre)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// comparePre implements semver 2.0's pre-release precedence: no
// pre-release sorts above any pre-release; otherwise identifiers are
// compared dot-segment by dot-segment, numeric segments numerically,
// everything else lexically, with numeric < alphanumeric.
func comparePre(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareIdentifier(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return sign(len(as) - len(bs))
}

func compareIdentifier(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	aNum := aerr == nil
	bNum := berr == nil

	switch {
	case aNum && bNum:
		return sign(an - bn)
	case aNum && !bNum:
		return -1
	case !aNum && bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Equal reports whether v and o compare equal.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// NextBreaking returns the lowest version that is not compatible with
// v under semver's "don't break the public API" convention: bumps the
// major if it's nonzero, else the minor if it's nonzero, else the
// patch. Pre-release and build metadata are dropped.
func (v Version) NextBreaking() Version {
	switch {
	case v.Major > 0:
		return Version{Major: v.Major + 1}
	case v.Minor > 0:
		return Version{Minor: v.Minor + 1}
	default:
		return Version{Patch: v.Patch + 1}
	}
}

// FirstPreRelease returns the lowest possible pre-release of v, used as
// an exclusive upper bound so that `compatibleWith(v)` excludes v's
// next-breaking release but still excludes pre-releases of it too.
func (v Version) FirstPreRelease() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch, Pre: "0"}
}
