package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/source"
)

type fakeHosted struct {
	root      string
	downloads int
}

func (f *fakeHosted) Kind() source.Kind { return source.KindHosted }

func (f *fakeHosted) ListVersions(ctx context.Context, ref source.PackageRef) ([]source.PackageId, error) {
	return nil, nil
}

func (f *fakeHosted) Describe(ctx context.Context, id source.PackageId) (*source.Pubspec, error) {
	return nil, nil
}

func (f *fakeHosted) Download(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	f.downloads++
	resolved := id
	var hash [32]byte
	hash[0] = 0xAB
	resolved.Resolved.Hosted = &source.ResolvedHostedDescription{
		HostedDescription: id.Resolved.Hosted.HostedDescription,
		Sha256:            &hash,
	}
	return filepath.Join(f.root, "hosted", "pub.dev", id.Ref.Name+"-"+id.Version.String()), resolved, nil
}

func (f *fakeHosted) ParseID(name, version string, description map[string]any, containingDir string) (source.PackageId, error) {
	return source.PackageId{}, nil
}

func (f *fakeHosted) SerializeForLockfile(id source.PackageId) map[string]any { return nil }

func newTestID(t *testing.T, root, name, version string) source.PackageId {
	t.Helper()
	ver, err := semver.Parse(version)
	require.NoError(t, err)
	return source.PackageId{
		Ref: source.PackageRef{
			Name:        name,
			Description: source.Description{Kind: source.KindHosted, Hosted: &source.HostedDescription{Name: name, URL: "https://pub.dev"}},
		},
		Version: ver,
		Resolved: source.ResolvedDescription{
			Kind:   source.KindHosted,
			Hosted: &source.ResolvedHostedDescription{HostedDescription: source.HostedDescription{Name: name, URL: "https://pub.dev"}},
		},
	}
}

func TestDownloadPackageCachesOnDisk(t *testing.T) {
	root := t.TempDir()
	fake := &fakeHosted{root: root}
	reg := source.NewRegistry(fake)
	c := New(root, reg)

	id := newTestID(t, root, "foo", "1.2.3")

	dir, resolved, err := c.DownloadPackage(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	assert.Equal(t, 1, fake.downloads)
	assert.NotNil(t, resolved.Resolved.Hosted.Sha256)

	hash, ok := c.Sha256FromCache(id)
	require.True(t, ok)
	assert.Equal(t, byte(0xAB), hash[0])

	_, _, err = c.DownloadPackage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.downloads, "second call should hit the on-disk cache, not re-download")
}

// fakeSlowHosted is fakeHosted with a download that blocks until
// proceed is closed, so a test can reliably force several
// DownloadPackage callers to overlap before any of them finishes.
type fakeSlowHosted struct {
	root      string
	proceed   chan struct{}
	downloads atomic.Int32
}

func (f *fakeSlowHosted) Kind() source.Kind { return source.KindHosted }

func (f *fakeSlowHosted) ListVersions(ctx context.Context, ref source.PackageRef) ([]source.PackageId, error) {
	return nil, nil
}

func (f *fakeSlowHosted) Describe(ctx context.Context, id source.PackageId) (*source.Pubspec, error) {
	return nil, nil
}

func (f *fakeSlowHosted) Download(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	f.downloads.Add(1)
	<-f.proceed
	resolved := id
	var hash [32]byte
	hash[0] = 0xCD
	resolved.Resolved.Hosted = &source.ResolvedHostedDescription{
		HostedDescription: id.Resolved.Hosted.HostedDescription,
		Sha256:            &hash,
	}
	return filepath.Join(f.root, "hosted", "pub.dev", id.Ref.Name+"-"+id.Version.String()), resolved, nil
}

func (f *fakeSlowHosted) ParseID(name, version string, description map[string]any, containingDir string) (source.PackageId, error) {
	return source.PackageId{}, nil
}

func (f *fakeSlowHosted) SerializeForLockfile(id source.PackageId) map[string]any { return nil }

func TestDownloadPackageDedupesConcurrentCallers(t *testing.T) {
	root := t.TempDir()
	fake := &fakeSlowHosted{root: root, proceed: make(chan struct{})}
	c := New(root, source.NewRegistry(fake))

	id := newTestID(t, root, "foo", "1.2.3")

	const n = 8
	errs := make(chan error, n)
	hashes := make(chan *[32]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, resolved, err := c.DownloadPackage(context.Background(), id)
			errs <- err
			if resolved.Resolved.Hosted != nil {
				hashes <- resolved.Resolved.Hosted.Sha256
			} else {
				hashes <- nil
			}
		}()
	}

	// Give every goroutine a chance to reach the blocked fake download
	// before releasing them, so all n calls genuinely race on the same
	// key rather than happening to run sequentially.
	time.Sleep(50 * time.Millisecond)
	close(fake.proceed)
	wg.Wait()
	close(errs)
	close(hashes)

	for err := range errs {
		require.NoError(t, err)
	}
	for hash := range hashes {
		require.NotNil(t, hash)
		assert.Equal(t, byte(0xCD), hash[0])
	}
	assert.Equal(t, int32(1), fake.downloads.Load(), "concurrent downloads of the same id must dedupe onto a single call to the registry")
}

func TestListCachedVersionsReadsDirectoryNames(t *testing.T) {
	root := t.TempDir()
	hostDir := filepath.Join(root, "hosted", "pub.dev")
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "foo-1.0.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "foo-1.1.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "bar-2.0.0"), 0o755))

	c := New(root, source.NewRegistry())
	versions, err := c.ListCachedVersions("pub.dev", "foo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0.0", "1.1.0"}, versions)
}
