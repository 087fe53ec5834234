package depservices

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

type fakeVersion struct {
	version string
	deps    map[string]string
}

type fakeSource struct {
	pkgs map[string][]fakeVersion
}

func (f *fakeSource) Kind() source.Kind { return source.KindHosted }

func hostedRef(name string) source.PackageRef {
	return source.PackageRef{Name: name, Description: source.Description{Kind: source.KindHosted, Hosted: &source.HostedDescription{Name: name, URL: "https://pub.dev"}}}
}

func (f *fakeSource) ListVersions(ctx context.Context, ref source.PackageRef) ([]source.PackageId, error) {
	vs, ok := f.pkgs[ref.Name]
	if !ok {
		return nil, fmt.Errorf("fake: unknown package %s", ref.Name)
	}
	ids := make([]source.PackageId, len(vs))
	for i, v := range vs {
		version, err := semver.Parse(v.version)
		if err != nil {
			return nil, err
		}
		ids[i] = source.PackageId{
			Ref:     ref,
			Version: version,
			Resolved: source.ResolvedDescription{
				Kind:   source.KindHosted,
				Hosted: &source.ResolvedHostedDescription{HostedDescription: *ref.Description.Hosted},
			},
		}
	}
	return ids, nil
}

func (f *fakeSource) Describe(ctx context.Context, id source.PackageId) (*source.Pubspec, error) {
	for _, v := range f.pkgs[id.Ref.Name] {
		version, err := semver.Parse(v.version)
		if err != nil {
			return nil, err
		}
		if !version.Equal(id.Version) {
			continue
		}
		deps := map[string]source.PackageRange{}
		for name, c := range v.deps {
			constraint, err := semver.ParseConstraint(c)
			if err != nil {
				return nil, err
			}
			deps[name] = source.PackageRange{Ref: hostedRef(name), Constraint: constraint}
		}
		vv := id.Version
		return &source.Pubspec{Name: id.Ref.Name, Version: &vv, Dependencies: deps}, nil
	}
	return nil, fmt.Errorf("fake: %s has no version %s", id.Ref.Name, id.Version)
}

func (f *fakeSource) Download(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	return "", id, nil
}

func (f *fakeSource) ParseID(name, version string, description map[string]any, containingDir string) (source.PackageId, error) {
	return source.PackageId{}, nil
}

func (f *fakeSource) SerializeForLockfile(id source.PackageId) map[string]any { return nil }

func rootPubspec(t *testing.T, deps map[string]string) *source.Pubspec {
	t.Helper()
	p := &source.Pubspec{Name: "myapp", Dependencies: map[string]source.PackageRange{}}
	for name, c := range deps {
		constraint, err := semver.ParseConstraint(c)
		require.NoError(t, err)
		p.Dependencies[name] = source.PackageRange{Ref: hostedRef(name), Constraint: constraint}
	}
	return p
}

func lockedEntry(t *testing.T, name, version string, dep lockfile.Dependency) lockfile.Entry {
	t.Helper()
	v, err := semver.Parse(version)
	require.NoError(t, err)
	return lockfile.Entry{
		ID: source.PackageId{
			Ref:     hostedRef(name),
			Version: v,
			Resolved: source.ResolvedDescription{
				Kind:   source.KindHosted,
				Hosted: &source.ResolvedHostedDescription{HostedDescription: source.HostedDescription{Name: name, URL: "https://pub.dev"}},
			},
		},
		Dependency: dep,
	}
}

func TestPlannerCompatibleStaysWithinConstraint(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.1.0"}, {version: "2.0.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})
	previous := lockfile.New()
	previous.Packages["foo"] = lockedEntry(t, "foo", "1.0.0", lockfile.DependencyDirectMain)

	p := &Planner{Registry: source.NewRegistry(fake)}
	reports, err := p.compatible(context.Background(), root, previous, newSharedVersionsCache())
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, "foo", reports[0].Name)
	assert.Equal(t, "1.0.0", reports[0].Version.String())
	assert.False(t, reports[0].ConstraintBumped)
	assert.Nil(t, reports[0].NewConstraint)
}

func TestPlannerSingleBreakingWidensPastMajor(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "2.0.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})
	previous := lockfile.New()
	previous.Packages["foo"] = lockedEntry(t, "foo", "1.0.0", lockfile.DependencyDirectMain)

	p := &Planner{Registry: source.NewRegistry(fake)}
	reports, err := p.singleBreaking(context.Background(), root, previous, "foo", newSharedVersionsCache())
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, "2.0.0", reports[0].Version.String())
	assert.True(t, reports[0].ConstraintBumped)
	require.NotNil(t, reports[0].NewConstraint)
	assert.True(t, reports[0].NewConstraint.Allows(*reports[0].Version))
}

func TestPlannerReportsIncludeRemovedPackages(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})
	previous := lockfile.New()
	previous.Packages["foo"] = lockedEntry(t, "foo", "1.0.0", lockfile.DependencyDirectMain)
	previous.Packages["bar"] = lockedEntry(t, "bar", "1.0.0", lockfile.DependencyTransitive)

	p := &Planner{Registry: source.NewRegistry(fake)}
	reports, err := p.compatible(context.Background(), root, previous, newSharedVersionsCache())
	require.NoError(t, err)

	var removed *PackageReport
	for i := range reports {
		if reports[i].Name == "bar" {
			removed = &reports[i]
		}
	}
	require.NotNil(t, removed)
	assert.Nil(t, removed.Version)
	assert.Equal(t, "1.0.0", removed.PreviousVersion.String())
}

// TestPlanFansOutOverSharedVersionsCache exercises Plan's real
// concurrent fan-out (compatible, one singleBreaking per direct
// dependency, and multiBreaking, all via errgroup.Go) against several
// distinct packages sharing one sharedVersionsCache, so a run with the
// race detector enabled would catch a regression back to a bare map.
func TestPlanFansOutOverSharedVersionsCache(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.1.0"}, {version: "2.0.0"}},
		"bar": {{version: "1.0.0"}, {version: "1.2.0"}, {version: "2.0.0"}},
		"baz": {{version: "1.0.0"}, {version: "1.3.0"}, {version: "2.0.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0", "bar": "^1.0.0", "baz": "^1.0.0"})
	previous := lockfile.New()
	previous.Packages["foo"] = lockedEntry(t, "foo", "1.0.0", lockfile.DependencyDirectMain)
	previous.Packages["bar"] = lockedEntry(t, "bar", "1.0.0", lockfile.DependencyDirectMain)
	previous.Packages["baz"] = lockedEntry(t, "baz", "1.0.0", lockfile.DependencyDirectMain)

	p := &Planner{Registry: source.NewRegistry(fake)}
	results, err := p.Plan(context.Background(), root, previous)
	require.NoError(t, err)

	require.Contains(t, results, KindCompatible)
	require.Contains(t, results, KindMultiBreaking)
	require.Contains(t, results, UpdateKind("single-breaking:foo"))
	require.Contains(t, results, UpdateKind("single-breaking:bar"))
	require.Contains(t, results, UpdateKind("single-breaking:baz"))
}

func TestWidenConstraintCollapsesToCaretForm(t *testing.T) {
	original, err := semver.ParseConstraint(">=1.0.0 <1.2.0")
	require.NoError(t, err)
	v, err := semver.Parse("1.5.0")
	require.NoError(t, err)

	widened := widenConstraint(original, v)
	assert.Equal(t, "^1.0.0", widened.String())
}

func TestWidenConstraintExtendsBelowMin(t *testing.T) {
	original, err := semver.ParseConstraint(">=2.0.0 <3.0.0")
	require.NoError(t, err)
	v, err := semver.Parse("1.0.0")
	require.NoError(t, err)

	widened := widenConstraint(original, v)
	assert.True(t, widened.Allows(v))
	max, err := semver.Parse("2.5.0")
	require.NoError(t, err)
	assert.True(t, widened.Allows(max))
}
