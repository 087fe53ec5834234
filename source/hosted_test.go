package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigurdm/pub/fetch"
	"github.com/sigurdm/pub/semver"
)

// buildTarGz packs files (path -> contents) into a gzip-compressed tar
// archive, the format a hosted registry serves for a package's version.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func hostedTestID(name, version string) PackageId {
	ver := semver.MustParse(version)
	desc := HostedDescription{Name: name, URL: "https://pub.dev"}
	return PackageId{
		Ref:      PackageRef{Name: name, Description: Description{Kind: KindHosted, Hosted: &desc}},
		Version:  ver,
		Resolved: ResolvedDescription{Kind: KindHosted, Hosted: &ResolvedHostedDescription{HostedDescription: desc}},
	}
}

func TestHostedDownloadExtractsArchiveAndFillsSha256(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"pubspec.yaml": "name: foo\n", "lib/foo.dart": "void main() {}\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	h := NewHosted(fetch.NewHTTPConfig(fetch.WithMaxRetries(0)), cacheDir)

	id := hostedTestID("foo", "1.0.0")
	id.Ref.Description.Hosted.URL = srv.URL
	id.Resolved.Hosted.URL = srv.URL

	dir, resolved, err := h.Download(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "foo-1.0.0"), dir)
	require.NotNil(t, resolved.Resolved.Hosted.Sha256)

	data, err := os.ReadFile(filepath.Join(dir, "pubspec.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "name: foo\n", string(data))

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp directory should remain once the download has been renamed into place")
}

func TestHostedDownloadOverwritesStaleDirectory(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"pubspec.yaml": "name: foo\nversion: 2.0.0\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	staleDir := filepath.Join(cacheDir, "foo-1.0.0")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staleDir, "stale.txt"), []byte("leftover"), 0o644))

	h := NewHosted(fetch.NewHTTPConfig(fetch.WithMaxRetries(0)), cacheDir)
	id := hostedTestID("foo", "1.0.0")
	id.Ref.Description.Hosted.URL = srv.URL
	id.Resolved.Hosted.URL = srv.URL

	dir, _, err := h.Download(context.Background(), id)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "stale.txt"))
	assert.True(t, os.IsNotExist(err), "a fresh download must replace a stale directory wholesale, not merge into it")
	data, err := os.ReadFile(filepath.Join(dir, "pubspec.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "name: foo\nversion: 2.0.0\n", string(data))
}
