// Package pub is the entrypoint coordinator: it composes the semver
// algebra, source drivers, system cache, lock file, fetch pipeline, and
// solver into the single "ensure up-to-date" operation a command-line
// tool calls to bring a project to a consistent, reproducible
// dependency state — one small set of functions a caller imports
// without reaching into internal packages.
package pub

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/sigurdm/pub/cache"
	"github.com/sigurdm/pub/fetch"
	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/semver"
	"github.com/sigurdm/pub/solver"
	"github.com/sigurdm/pub/source"
)

// Logger is the diagnostic-logging seam the coordinator passes down into
// fetch.HTTPConfig and solver.Solver. Both packages declare their own
// identically-shaped interface rather than importing this one; any type
// satisfying Debug/Warn satisfies all three.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
}

// Environment bundles the wiring every coordinator operation needs:
// the source registry (dispatching by Kind), the system cache, the SDK
// versions installed on this machine, and a logger. Build one per
// process with NewEnvironment and reuse it across operations.
type Environment struct {
	Registry    *source.Registry
	Cache       *cache.Cache
	SDKVersions map[string]semver.Version
	Logger      Logger
}

// NewEnvironment wires the hosted, git, path, and SDK source drivers
// into one Registry and a Cache rooted at cacheDir, using http for the
// hosted driver's fetch pipeline. rootDir anchors Path dependencies
// declared relative to the project being resolved. sdkVersions supplies
// the installed version of each SDK pseudo-package (e.g. "dart": 3.4.0)
// a pubspec might constrain against.
func NewEnvironment(cacheDir, rootDir string, http *fetch.HTTPConfig, sdkVersions map[string]semver.Version, logger Logger) *Environment {
	registry := source.NewRegistry(
		source.NewHosted(http, filepath.Join(cacheDir, "hosted")),
		source.NewGit(filepath.Join(cacheDir, "git")),
		source.NewPath(rootDir),
		source.NewSDK(sdkVersions),
	)
	return &Environment{
		Registry:    registry,
		Cache:       cache.New(cacheDir, registry),
		SDKVersions: sdkVersions,
		Logger:      logger,
	}
}

// Result is what EnsureUpToDate did: whether it actually re-solved (as
// opposed to finding the lock file already current), the solution
// arrived at, and the lock file written to disk.
type Result struct {
	Resolved bool
	Solution *solver.Solution
	LockFile *lockfile.LockFile
}

const packageConfigVersion = 2

// EnsureUpToDate is the entrypoint operation (spec.md §4.H): load the
// root pubspec at rootDir; if pubspec.lock is missing, older than
// pubspec.yaml, or no longer a solution of the current pubspec, run the
// solver with Get; write the resulting lock file and a
// .dart_tool/package_config.json. A solver failure is reported as a
// *ResolutionFailure carrying the derivation chain.
func (env *Environment) EnsureUpToDate(ctx context.Context, rootDir string) (*Result, error) {
	root, err := source.LoadRootPubspec(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapDataError("no pubspec.yaml found in %s", rootDir)
		}
		return nil, err
	}

	lockPath := filepath.Join(rootDir, "pubspec.lock")
	previous, err := env.loadLockFileIfPresent(lockPath, rootDir)
	if err != nil {
		return nil, err
	}

	stale, err := env.isStale(rootDir, lockPath, root, previous)
	if err != nil {
		return nil, err
	}

	if !stale {
		return &Result{Resolved: false, LockFile: previous}, nil
	}

	sol, newLock, err := env.resolve(ctx, rootDir, root, previous)
	if err != nil {
		return nil, err
	}

	downloaded, err := env.downloadAll(ctx, sol)
	if err != nil {
		return nil, err
	}
	for name, d := range downloaded {
		entry := newLock.Packages[name]
		entry.ID = d.ID
		newLock.Packages[name] = entry
	}

	data, err := lockfile.Serialize(newLock, env.Registry, env.Cache, previous)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		return nil, wrapDataError("writing %s: %v", lockPath, err)
	}

	if err := env.writePackageConfig(rootDir, root, sol, downloaded); err != nil {
		return nil, err
	}

	return &Result{Resolved: true, Solution: sol, LockFile: newLock}, nil
}

// downloadedPackage is one result of downloadAll: the directory a
// package's contents live in, and its PackageId updated with any
// resolution data the download learned (a hosted download's content
// hash, a git checkout's resolved commit).
type downloadedPackage struct {
	Dir string
	ID  source.PackageId
}

// downloadAll ensures every package in sol is present in the cache,
// downloading it if necessary, so that a hosted entry's content hash is
// known before the lock file is serialized (the solver itself never
// downloads: it only lists versions and describes pubspecs).
func (env *Environment) downloadAll(ctx context.Context, sol *solver.Solution) (map[string]downloadedPackage, error) {
	names := make([]string, 0, len(sol.Packages))
	for name := range sol.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]downloadedPackage, len(names))
	for _, name := range names {
		id := sol.Packages[name]
		dir, resolved, err := env.Cache.DownloadPackage(ctx, id)
		if err != nil {
			return nil, err
		}
		out[name] = downloadedPackage{Dir: dir, ID: resolved}
	}
	return out, nil
}

func (env *Environment) loadLockFileIfPresent(lockPath, rootDir string) (*lockfile.LockFile, error) {
	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDataError("reading %s: %v", lockPath, err)
	}
	return lockfile.Parse(data, rootDir, env.Registry)
}

// isStale reports whether the lock file needs to be regenerated:
// missing, older than the manifest, or no longer satisfying the root's
// direct constraints (spec.md §4.H).
func (env *Environment) isStale(rootDir, lockPath string, root *source.Pubspec, previous *lockfile.LockFile) (bool, error) {
	if previous == nil {
		return true, nil
	}

	lockInfo, err := os.Stat(lockPath)
	if err != nil {
		return true, nil
	}
	pubspecMTime, err := source.PubspecMTime(rootDir)
	if err != nil {
		return true, nil
	}
	if pubspecMTime.After(lockInfo.ModTime()) {
		return true, nil
	}

	for name, r := range root.Dependencies {
		entry, ok := previous.Packages[name]
		if !ok || !r.Constraint.Allows(entry.ID.Version) {
			return true, nil
		}
	}
	for name, r := range root.Overrides {
		entry, ok := previous.Packages[name]
		if !ok || !r.Constraint.Allows(entry.ID.Version) {
			return true, nil
		}
	}

	return false, nil
}

func (env *Environment) resolve(ctx context.Context, rootDir string, root *source.Pubspec, previous *lockfile.LockFile) (*solver.Solution, *lockfile.LockFile, error) {
	s := solver.NewSolver(env.Registry, solver.Input{
		Type:        solver.Get,
		Root:        root,
		RootDir:     rootDir,
		Previous:    previous,
		Unlock:      map[string]bool{},
		SDKVersions: env.SDKVersions,
	}, solver.WithLogger(env.Logger))

	sol, err := s.Solve(ctx)
	if err != nil {
		var failure *solver.SolveFailure
		if asSolveFailure(err, &failure) {
			return nil, nil, &ResolutionFailure{Failure: failure}
		}
		return nil, nil, err
	}

	lock := lockfile.New()
	if previous != nil {
		lock.Newline = previous.Newline
		lock.HeaderComment = previous.HeaderComment
	}
	for name, c := range root.SDKConstraints {
		lock.SDKs[name] = c
	}

	names := make([]string, 0, len(sol.Packages))
	for name := range sol.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lock.Packages[name] = lockfile.Entry{ID: sol.Packages[name], Dependency: sol.Dependency[name]}
	}

	return sol, lock, nil
}

func asSolveFailure(err error, target **solver.SolveFailure) bool {
	if f, ok := err.(*solver.SolveFailure); ok {
		*target = f
		return true
	}
	return false
}

// packageConfigEntry is one row of the generated package_config.json,
// per spec.md §6's schema.
type packageConfigEntry struct {
	Name            string `json:"name"`
	RootURI         string `json:"rootUri"`
	PackageURI      string `json:"packageUri"`
	LanguageVersion string `json:"languageVersion,omitempty"`
}

type packageConfig struct {
	ConfigVersion int                   `json:"configVersion"`
	Packages      []packageConfigEntry  `json:"packages"`
	Generated     string                `json:"generated"`
	Generator     string                `json:"generator"`
}

// writePackageConfig writes .dart_tool/package_config.json: one entry
// per resolved package plus the root itself, each pointing at the
// directory the cache (or, for Path/Root, the source tree) resolved it
// to (spec.md §6). downloaded is downloadAll's result, reused here so a
// package's archive is fetched at most once per EnsureUpToDate call.
func (env *Environment) writePackageConfig(rootDir string, root *source.Pubspec, sol *solver.Solution, downloaded map[string]downloadedPackage) error {
	entries := []packageConfigEntry{{
		Name:       root.Name,
		RootURI:    "../",
		PackageURI: "lib/",
	}}

	names := make([]string, 0, len(sol.Packages))
	for name := range sol.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entries = append(entries, packageConfigEntry{
			Name:       name,
			RootURI:    fileURI(downloaded[name].Dir),
			PackageURI: "lib/",
		})
	}

	cfg := packageConfig{
		ConfigVersion: packageConfigVersion,
		Packages:      entries,
		Generated:     "",
		Generator:     "pub",
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Join(rootDir, ".dart_tool")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapDataError("creating %s: %v", dir, err)
	}
	path := filepath.Join(dir, "package_config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wrapDataError("writing %s: %v", path, err)
	}
	return nil
}

func fileURI(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return "file://" + filepath.ToSlash(abs) + "/"
}
