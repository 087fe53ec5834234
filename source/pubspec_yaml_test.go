package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigurdm/pub/semver"
)

func writePubspecYAML(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pubspec.yaml"), []byte(body), 0o644))
}

func TestLoadRootPubspecParsesDependencyShapes(t *testing.T) {
	dir := t.TempDir()
	writePubspecYAML(t, dir, `
name: myapp
version: 1.0.0
environment:
  dart: ">=3.0.0 <4.0.0"
dependencies:
  foo: "^1.2.0"
  bar:
    hosted:
      name: bar
      url: "https://my-registry.example"
    version: ">=2.0.0 <3.0.0"
  baz:
    git:
      url: "https://github.com/example/baz.git"
      ref: main
  qux:
    path: ../qux
dev_dependencies:
  test_helper: "^0.1.0"
`)

	p, err := LoadRootPubspec(dir)
	require.NoError(t, err)
	assert.Equal(t, "myapp", p.Name)
	require.NotNil(t, p.Version)
	assert.Equal(t, "1.0.0", p.Version.String())
	require.Contains(t, p.SDKConstraints, "dart")

	require.Contains(t, p.Dependencies, "foo")
	assert.Equal(t, KindHosted, p.Dependencies["foo"].Ref.Description.Kind)
	assert.True(t, p.Dependencies["foo"].Constraint.Allows(semver.MustParse("1.2.5")))

	require.Contains(t, p.Dependencies, "bar")
	assert.Equal(t, "https://my-registry.example", p.Dependencies["bar"].Ref.Description.Hosted.URL)

	require.Contains(t, p.Dependencies, "baz")
	assert.Equal(t, KindGit, p.Dependencies["baz"].Ref.Description.Kind)
	assert.Equal(t, "main", p.Dependencies["baz"].Ref.Description.Git.Ref)

	require.Contains(t, p.Dependencies, "qux")
	assert.Equal(t, KindPath, p.Dependencies["qux"].Ref.Description.Kind)

	require.Contains(t, p.DevDependencies, "test_helper")
}

func TestLoadRootPubspecRejectsBadConstraint(t *testing.T) {
	dir := t.TempDir()
	writePubspecYAML(t, dir, "name: myapp\ndependencies:\n  foo: \"not a constraint\"\n")

	_, err := LoadRootPubspec(dir)
	require.Error(t, err)
	var manifestErr *ManifestFormatError
	require.ErrorAs(t, err, &manifestErr)
}

func TestPubspecMTimeTracksFileModification(t *testing.T) {
	dir := t.TempDir()
	writePubspecYAML(t, dir, "name: myapp\n")

	mtime, err := PubspecMTime(dir)
	require.NoError(t, err)
	assert.False(t, mtime.IsZero())
}

func TestPubspecMTimeMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := PubspecMTime(dir)
	assert.Error(t, err)
}
