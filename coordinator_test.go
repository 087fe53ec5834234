package pub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigurdm/pub/cache"
	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

// fakeHostedSource is a no-network hosted driver for coordinator tests:
// it serves an in-memory set of versions and dependency edges. Download
// creates an empty directory under cacheDir following the same
// hosted/<host>/<name>-<version> layout cache.Cache uses, and stamps the
// resulting PackageId with a content hash, so the coordinator's
// hash-into-lock-file path has something real to thread through.
type fakeHostedSource struct {
	pkgs     map[string][]fakeVersion
	cacheDir string
}

type fakeVersion struct {
	version string
	deps    map[string]string
}

func (f *fakeHostedSource) Kind() source.Kind { return source.KindHosted }

func hostedRef(name string) source.PackageRef {
	return source.PackageRef{Name: name, Description: source.Description{Kind: source.KindHosted, Hosted: &source.HostedDescription{Name: name, URL: "https://pub.dev"}}}
}

func (f *fakeHostedSource) ListVersions(ctx context.Context, ref source.PackageRef) ([]source.PackageId, error) {
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

func (f *fakeHostedSource) Describe(ctx context.Context, id source.PackageId) (*source.Pubspec, error) {
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

func (f *fakeHostedSource) Download(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	host := id.Ref.Description.Hosted.URL
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	dir := filepath.Join(f.cacheDir, "hosted", host, fmt.Sprintf("%s-%s", id.Ref.Name, id.Version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", source.PackageId{}, err
	}

	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%s", id.Ref.Name, id.Version)))
	resolved := id
	resolved.Resolved.Hosted = &source.ResolvedHostedDescription{
		HostedDescription: *id.Ref.Description.Hosted,
		Sha256:            &hash,
	}
	return dir, resolved, nil
}

func (f *fakeHostedSource) ParseID(name, version string, description map[string]any, containingDir string) (source.PackageId, error) {
	v, err := semver.Parse(version)
	if err != nil {
		return source.PackageId{}, err
	}
	resolved := source.ResolvedHostedDescription{HostedDescription: source.HostedDescription{Name: name, URL: "https://pub.dev"}}
	if hexSha, ok := description["sha256"].(string); ok && hexSha != "" {
		raw, err := hex.DecodeString(hexSha)
		if err != nil || len(raw) != 32 {
			return source.PackageId{}, fmt.Errorf("fake: bad sha256 %q for %s", hexSha, name)
		}
		var digest [32]byte
		copy(digest[:], raw)
		resolved.Sha256 = &digest
	}
	return source.PackageId{Ref: hostedRef(name), Version: v, Resolved: source.ResolvedDescription{Kind: source.KindHosted, Hosted: &resolved}}, nil
}

func (f *fakeHostedSource) SerializeForLockfile(id source.PackageId) map[string]any {
	out := map[string]any{"name": id.Ref.Name, "url": "https://pub.dev"}
	if id.Resolved.Hosted != nil && id.Resolved.Hosted.Sha256 != nil {
		out["sha256"] = fmt.Sprintf("%x", *id.Resolved.Hosted.Sha256)
	}
	return out
}

func writePubspec(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pubspec.yaml"), []byte(body), 0o644))
}

func testEnvironment(fake *fakeHostedSource, cacheDir string) *Environment {
	fake.cacheDir = cacheDir
	registry := source.NewRegistry(fake, source.NewSDK(map[string]semver.Version{}))
	return &Environment{
		Registry:    registry,
		Cache:       cache.New(cacheDir, registry),
		SDKVersions: map[string]semver.Version{},
	}
}

func TestEnsureUpToDateFromScratchWritesLockAndPackageConfig(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, "name: myapp\ndependencies:\n  foo: \"^1.0.0\"\n")

	fake := &fakeHostedSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}, {version: "1.2.0"}},
	}}
	env := testEnvironment(fake, filepath.Join(dir, ".pub-cache"))

	result, err := env.EnsureUpToDate(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, result.Resolved)
	require.Contains(t, result.Solution.Packages, "foo")
	assert.Equal(t, "1.2.0", result.Solution.Packages["foo"].Version.String())

	lockData, err := os.ReadFile(filepath.Join(dir, "pubspec.lock"))
	require.NoError(t, err)
	assert.Contains(t, string(lockData), "foo")
	assert.Contains(t, string(lockData), "1.2.0")
	assert.Contains(t, string(lockData), "sha256:", "a freshly-resolved hosted entry's content hash must be downloaded and threaded into the lock file, not left nil")

	parsedLock, err := lockfile.Parse(lockData, dir, env.Registry)
	require.NoError(t, err)
	require.NotNil(t, parsedLock.Packages["foo"].ID.Resolved.Hosted.Sha256)

	cfgData, err := os.ReadFile(filepath.Join(dir, ".dart_tool", "package_config.json"))
	require.NoError(t, err)
	var cfg packageConfig
	require.NoError(t, json.Unmarshal(cfgData, &cfg))
	assert.Equal(t, 2, cfg.ConfigVersion)

	var names []string
	for _, e := range cfg.Packages {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "myapp")
	assert.Contains(t, names, "foo")
}

func TestEnsureUpToDateSkipsResolveWhenLockIsFresh(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, "name: myapp\ndependencies:\n  foo: \"^1.0.0\"\n")

	fake := &fakeHostedSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}},
	}}
	env := testEnvironment(fake, filepath.Join(dir, ".pub-cache"))

	ctx := context.Background()
	first, err := env.EnsureUpToDate(ctx, dir)
	require.NoError(t, err)
	require.True(t, first.Resolved)

	lockPath := filepath.Join(dir, "pubspec.lock")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(lockPath, future, future))

	second, err := env.EnsureUpToDate(ctx, dir)
	require.NoError(t, err)
	assert.False(t, second.Resolved)
	require.NotNil(t, second.LockFile)
	assert.Contains(t, second.LockFile.Packages, "foo")
}

func TestEnsureUpToDateReportsResolutionFailure(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, "name: myapp\ndependencies:\n  foo: \"^1.0.0\"\n  bar: \"^1.0.0\"\n")

	fake := &fakeHostedSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "2.0.0"}},
		"bar": {{version: "1.0.0", deps: map[string]string{"foo": "^1.0.0"}}},
	}}
	env := testEnvironment(fake, filepath.Join(dir, ".pub-cache"))

	_, err := env.EnsureUpToDate(context.Background(), dir)
	require.Error(t, err)

	var failure *ResolutionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 65, ExitCode(err))
}

func TestEnsureUpToDateMissingPubspecIsDataError(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeHostedSource{pkgs: map[string][]fakeVersion{}}
	env := testEnvironment(fake, filepath.Join(dir, ".pub-cache"))

	_, err := env.EnsureUpToDate(context.Background(), dir)
	require.Error(t, err)
	var dataErr *DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, 65, ExitCode(err))
}

func TestLockFileRoundTripsThroughParseSerialize(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, "name: myapp\ndependencies:\n  foo: \"^1.0.0\"\n")

	fake := &fakeHostedSource{pkgs: map[string][]fakeVersion{
		"foo": {{version: "1.0.0"}},
	}}
	env := testEnvironment(fake, filepath.Join(dir, ".pub-cache"))

	_, err := env.EnsureUpToDate(context.Background(), dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "pubspec.lock"))
	require.NoError(t, err)

	parsed, err := lockfile.Parse(data, dir, env.Registry)
	require.NoError(t, err)
	require.Contains(t, parsed.Packages, "foo")
	assert.Equal(t, "1.0.0", parsed.Packages["foo"].ID.Version.String())
}
