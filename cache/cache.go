// Package cache implements the system cache (spec §4.C): it maps a
// (source, name, version) triple to the on-disk directory holding that
// package's unpacked contents, and records the content hash a hosted
// download verified, so a later run can skip re-downloading.
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sigurdm/pub/source"
)

// maxConcurrentDownloads is the bounded gate every package download is
// funneled through (spec §4.C/§5), independent of (and above) the HTTP
// pipeline's own 16-slot gate in package fetch: a git checkout or a
// path read never touches fetch at all, but still competes for this
// same ceiling.
const maxConcurrentDownloads = 16

// Cache is the system cache. One Cache is shared across a whole
// process; it is safe for concurrent use.
type Cache struct {
	root     string
	registry *source.Registry
	gate     *semaphore.Weighted

	// downloads dedupes concurrent DownloadPackage calls for the same
	// (source, name, version) (spec.md §4.C "concurrent downloads of the
	// same (source, name, version) are deduplicated by a lock file in
	// the cache directory"): the first caller for a key downloads, every
	// other concurrent caller for that key blocks and shares its result
	// instead of racing it to the same directory.
	downloads singleflight.Group

	mu     sync.Mutex
	hashes map[string][32]byte // dir -> sha256, populated lazily from .sha256 sidecars
}

// New builds a Cache rooted at root, dispatching downloads to registry.
func New(root string, registry *source.Registry) *Cache {
	return &Cache{
		root:     root,
		registry: registry,
		gate:     semaphore.NewWeighted(maxConcurrentDownloads),
		hashes:   make(map[string][32]byte),
	}
}

// dirFor returns the directory a package's contents are cached under,
// per spec §6's "cache root contains hosted/<host>/<name>-<version>/"
// layout, generalized to the other source kinds.
func (c *Cache) dirFor(id source.PackageId) string {
	entry := fmt.Sprintf("%s-%s", id.Ref.Name, id.Version)
	switch id.Ref.Description.Kind {
	case source.KindHosted:
		host := id.Ref.Description.Hosted.URL
		if u, err := url.Parse(host); err == nil && u.Host != "" {
			host = u.Host
		}
		return filepath.Join(c.root, "hosted", host, entry)
	case source.KindGit:
		return filepath.Join(c.root, "git", dirDigest("git", id.Ref.Description.Git.URL, ""), entry)
	default:
		return ""
	}
}

func sha256SidecarPath(dir string) string {
	return dir + ".sha256"
}

// Sha256FromCache returns the cached content hash for id if one was
// recorded by a previous download, without touching the network.
func (c *Cache) Sha256FromCache(id source.PackageId) (*[32]byte, bool) {
	dir := c.dirFor(id)
	if dir == "" {
		return nil, false
	}

	c.mu.Lock()
	if h, ok := c.hashes[dir]; ok {
		c.mu.Unlock()
		return &h, true
	}
	c.mu.Unlock()

	data, err := os.ReadFile(sha256SidecarPath(dir))
	if err != nil {
		return nil, false
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	var h [32]byte
	copy(h[:], raw)

	c.mu.Lock()
	c.hashes[dir] = h
	c.mu.Unlock()
	return &h, true
}

// downloadResult is what one singleflight-deduplicated download produced,
// boxed so it can travel through singleflight.Group.Do's any-typed
// result.
type downloadResult struct {
	dir      string
	resolved source.PackageId
}

// DownloadPackage ensures id's package is present on disk, downloading
// it through the source registry if not already cached, and returns the
// directory plus id updated with any newly learned resolution data
// (spec §4.C: "downloadPackage(id) → PackageId-with-hash"). Concurrent
// calls for the same (source, name, version) dedupe onto a single
// in-flight download rather than racing each other into the same
// directory (spec.md §4.C).
func (c *Cache) DownloadPackage(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	dir := c.dirFor(id)
	if dir == "" {
		return c.downloadUncached(ctx, id)
	}

	if _, err := os.Stat(dir); err == nil {
		if hash, ok := c.Sha256FromCache(id); ok && id.Ref.Description.Kind == source.KindHosted {
			resolved := id
			resolved.Resolved.Hosted.Sha256 = hash
			return dir, resolved, nil
		}
		return dir, id, nil
	}

	// singleflight keys on dir: whichever goroutine gets here first
	// performs the download and extraction; every other goroutine racing
	// on the same package waits for that one call and shares its result,
	// rather than both proceeding to extract an archive into the same
	// directory concurrently. A caller whose ctx is cancelled while
	// waiting on someone else's in-flight download receives that leader
	// call's error, not its own ctx.Err(), which is singleflight's usual
	// shared-call tradeoff.
	v, err, _ := c.downloads.Do(dir, func() (any, error) {
		gotDir, resolved, err := c.downloadOnce(ctx, id)
		if err != nil {
			return nil, err
		}
		return downloadResult{dir: gotDir, resolved: resolved}, nil
	})
	if err != nil {
		return "", source.PackageId{}, err
	}
	res := v.(downloadResult)
	return res.dir, res.resolved, nil
}

func (c *Cache) downloadUncached(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return "", source.PackageId{}, err
	}
	defer c.gate.Release(1)

	gotDir, resolved, err := c.registry.Download(ctx, id)
	if err != nil {
		return "", source.PackageId{}, fmt.Errorf("cache: downloading %s: %w", id, err)
	}
	return gotDir, resolved, nil
}

func (c *Cache) downloadOnce(ctx context.Context, id source.PackageId) (string, source.PackageId, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return "", source.PackageId{}, err
	}
	defer c.gate.Release(1)

	gotDir, resolved, err := c.registry.Download(ctx, id)
	if err != nil {
		return "", source.PackageId{}, fmt.Errorf("cache: downloading %s: %w", id, err)
	}

	if resolved.Ref.Description.Kind == source.KindHosted && resolved.Resolved.Hosted.Sha256 != nil {
		if err := c.recordSha256(c.dirFor(resolved), *resolved.Resolved.Hosted.Sha256); err != nil {
			return "", source.PackageId{}, err
		}
	}

	return gotDir, resolved, nil
}

func (c *Cache) recordSha256(dir string, hash [32]byte) error {
	c.mu.Lock()
	c.hashes[dir] = hash
	c.mu.Unlock()
	sidecar := sha256SidecarPath(dir)
	if err := os.MkdirAll(filepath.Dir(sidecar), 0o755); err != nil {
		return err
	}
	return os.WriteFile(sidecar, []byte(hex.EncodeToString(hash[:])), 0o644)
}

// ListCachedVersions returns every version of name already present on
// disk under the hosted cache for host, without contacting the
// registry. This is a SUPPLEMENT over spec.md: it gives an "offline"
// diagnostic (and the dependency-services report planner, component G,
// uses it to avoid presenting upgrade candidates that would require
// network access when none is available).
func (c *Cache) ListCachedVersions(host, name string) ([]string, error) {
	dir := filepath.Join(c.root, "hosted", host)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := name + "-"
	var versions []string
	for _, e := range entries {
		if !e.IsDir() || !hasPrefixAfterTrim(e.Name(), prefix) {
			continue
		}
		versions = append(versions, e.Name()[len(prefix):])
	}
	return versions, nil
}

func hasPrefixAfterTrim(name, prefix string) bool {
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}
