package solver

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

func testRegistry(fake *fakeSource) *source.Registry {
	return source.NewRegistry(fake)
}

func TestSolveEmptyRootHasNoDependencies(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{}}
	root := rootPubspec(t, nil)

	s := NewSolver(testRegistry(fake), Input{Type: Get, Root: root})
	sol, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sol.Packages)
}

func TestSolveSingleHostedDependencyExcludesPreRelease(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.2.0"}, {version: "1.3.0-beta"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})

	s := NewSolver(testRegistry(fake), Input{Type: Get, Root: root})
	sol, err := s.Solve(context.Background())
	require.NoError(t, err)

	require.Contains(t, sol.Packages, "foo")
	assert.Equal(t, "1.2.0", sol.Packages["foo"].Version.String())
	assert.Equal(t, lockfile.DependencyDirectMain, sol.Dependency["foo"])
}

func TestSolveGetPrefersLockedVersion(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.1.0"}, {version: "1.2.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})

	lockedVersion, err := semver.Parse("1.1.0")
	require.NoError(t, err)
	previous := lockfile.New()
	previous.Packages["foo"] = lockfile.Entry{
		ID: source.PackageId{
			Ref:     hostedRef("foo"),
			Version: lockedVersion,
			Resolved: source.ResolvedDescription{
				Kind:   source.KindHosted,
				Hosted: &source.ResolvedHostedDescription{HostedDescription: source.HostedDescription{Name: "foo", URL: "https://pub.dev"}},
			},
		},
		Dependency: lockfile.DependencyDirectMain,
	}

	s := NewSolver(testRegistry(fake), Input{Type: Get, Root: root, Previous: previous})
	sol, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", sol.Packages["foo"].Version.String())
}

func TestSolveUpgradeIgnoresLockAndPicksNewest(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.1.0"}, {version: "1.2.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": "^1.0.0"})

	lockedVersion, err := semver.Parse("1.0.0")
	require.NoError(t, err)
	previous := lockfile.New()
	previous.Packages["foo"] = lockfile.Entry{
		ID:         source.PackageId{Ref: hostedRef("foo"), Version: lockedVersion, Resolved: source.ResolvedDescription{Kind: source.KindHosted, Hosted: &source.ResolvedHostedDescription{HostedDescription: source.HostedDescription{Name: "foo", URL: "https://pub.dev"}}}},
		Dependency: lockfile.DependencyDirectMain,
	}

	s := NewSolver(testRegistry(fake), Input{Type: Upgrade, Root: root, Previous: previous})
	sol, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", sol.Packages["foo"].Version.String())
}

func TestSolveConflictProducesNamedBlameChain(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"a": {{version: "1.0.0", deps: map[string]string{"c": "^1.0.0"}}},
		"b": {{version: "1.0.0", deps: map[string]string{"c": "^2.0.0"}}},
		"c": {{version: "1.0.0"}, {version: "2.0.0"}},
	}}
	root := rootPubspec(t, map[string]string{"a": "^1.0.0", "b": "^1.0.0"})

	s := NewSolver(testRegistry(fake), Input{Type: Get, Root: root})
	_, err := s.Solve(context.Background())
	require.Error(t, err)

	var failure *SolveFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Explain(), "a")
	assert.Contains(t, failure.Explain(), "b")
	assert.Contains(t, failure.Explain(), "c")
}

func TestSolveDowngradePicksOldest(t *testing.T) {
	fake := &fakeSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.1.0"}, {version: "1.2.0"}},
	}}
	root := rootPubspec(t, map[string]string{"foo": ">=1.0.0 <2.0.0"})

	s := NewSolver(testRegistry(fake), Input{Type: Downgrade, Root: root})
	sol, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", sol.Packages["foo"].Version.String())
}
