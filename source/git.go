package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sigurdm/pub/semver"
	"gopkg.in/yaml.v3"
)

// Git resolves dependencies that live at a path inside a git
// repository, shelling out to the git binary via os/exec rather than an
// embedded git library.
type Git struct {
	cacheDir string // root under which repo clones/worktrees live
	runGit   func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewGit builds a Git source rooted at cacheDir.
func NewGit(cacheDir string) *Git {
	return &Git{cacheDir: cacheDir, runGit: runGit}
}

func (g *Git) Kind() Kind { return KindGit }

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// repoDir returns the bare-clone directory for a repo URL, shared
// across every ref/path combination pointing at that URL.
func (g *Git) repoDir(url string) string {
	return filepath.Join(g.cacheDir, repoDigest(url))
}

func repoDigest(url string) string {
	h := fnv32a(url)
	return fmt.Sprintf("%08x", h)
}

func fnv32a(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (g *Git) ensureCloned(ctx context.Context, url string) (string, error) {
	dir := g.repoDir(url)
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		if _, err := g.runGit(ctx, dir, "fetch", "--quiet", "origin"); err != nil {
			return "", err
		}
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	if _, err := g.runGit(ctx, "", "clone", "--quiet", "--bare", url, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ListVersions resolves ref's git ref to a single commit and returns one
// entry, per spec §4.B ("Git resolves the ref to a single commit and
// returns one entry").
func (g *Git) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	id, err := g.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return []PackageId{id}, nil
}

func (g *Git) resolve(ctx context.Context, ref PackageRef) (PackageId, error) {
	gd := ref.Description.Git
	repoDir, err := g.ensureCloned(ctx, gd.URL)
	if err != nil {
		return PackageId{}, fmt.Errorf("source: cloning %s: %w", gd.URL, err)
	}

	commitish := gd.Ref
	if commitish == "" {
		commitish = "HEAD"
	} else {
		commitish = "origin/" + commitish
	}
	sha, err := g.runGit(ctx, repoDir, "rev-parse", commitish)
	if err != nil {
		sha, err = g.runGit(ctx, repoDir, "rev-parse", gd.Ref)
		if err != nil {
			return PackageId{}, fmt.Errorf("source: resolving %s@%s: %w", gd.URL, gd.Ref, err)
		}
	}

	pubspec, err := g.readPubspecAt(ctx, repoDir, sha, gd.Path)
	if err != nil {
		return PackageId{}, err
	}
	if pubspec.Version == nil {
		return PackageId{}, &ManifestFormatError{Context: "git:" + gd.URL, Reason: "pubspec.yaml has no version"}
	}

	return PackageId{
		Ref:     ref,
		Version: *pubspec.Version,
		Resolved: ResolvedDescription{
			Kind: KindGit,
			Git:  &ResolvedGitDescription{GitDescription: *gd, ResolvedRef: sha},
		},
	}, nil
}

func (g *Git) readPubspecAt(ctx context.Context, repoDir, sha, subPath string) (*Pubspec, error) {
	path := strings.TrimPrefix(filepath.ToSlash(filepath.Join(subPath, "pubspec.yaml")), "/")
	out, err := g.runGit(ctx, repoDir, "show", sha+":"+path)
	if err != nil {
		return nil, &ManifestFormatError{Context: "git:" + path, Reason: err.Error()}
	}
	var y yamlPubspec
	if err := yaml.Unmarshal([]byte(out), &y); err != nil {
		return nil, &ManifestFormatError{Context: "git:" + path, Reason: err.Error()}
	}
	return pubspecFromRaw(rawPubspec{
		Name:            y.Name,
		Version:         y.Version,
		Environment:     y.Environment,
		Dependencies:    y.Dependencies,
		DevDependencies: y.DevDependencies,
		License:         y.License,
	})
}

// Describe reads the pubspec at id's resolved commit.
func (g *Git) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	gd := id.Ref.Description.Git
	repoDir, err := g.ensureCloned(ctx, gd.URL)
	if err != nil {
		return nil, err
	}
	return g.readPubspecAt(ctx, repoDir, id.Resolved.Git.ResolvedRef, gd.Path)
}

// Download checks out id's resolved commit into a dedicated worktree
// directory and returns it. id is returned unchanged: the resolved ref
// was already filled in by ListVersions/resolve.
func (g *Git) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	gd := id.Ref.Description.Git
	repoDir, err := g.ensureCloned(ctx, gd.URL)
	if err != nil {
		return "", PackageId{}, err
	}

	worktreeDir := filepath.Join(g.cacheDir, "checkouts", id.Resolved.Git.ResolvedRef)
	if _, err := os.Stat(worktreeDir); os.IsNotExist(err) {
		if _, err := g.runGit(ctx, repoDir, "worktree", "add", "--quiet", "--detach", worktreeDir, id.Resolved.Git.ResolvedRef); err != nil {
			return "", PackageId{}, fmt.Errorf("source: checking out %s: %w", id, err)
		}
	}

	dir := worktreeDir
	if gd.Path != "" {
		dir = filepath.Join(worktreeDir, gd.Path)
	}
	return dir, id, nil
}

func (g *Git) ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error) {
	ver, err := semver.Parse(version)
	if err != nil {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".version", Reason: err.Error()}
	}
	url, _ := description["url"].(string)
	path, _ := description["path"].(string)
	ref, _ := description["ref"].(string)
	resolvedRef, _ := description["resolved-ref"].(string)
	if url == "" || resolvedRef == "" {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".description", Reason: "git description requires url and resolved-ref"}
	}

	gd := GitDescription{URL: url, Path: path, Ref: ref}
	return PackageId{
		Ref:     PackageRef{Name: name, Description: Description{Kind: KindGit, Git: &gd}},
		Version: ver,
		Resolved: ResolvedDescription{
			Kind: KindGit,
			Git:  &ResolvedGitDescription{GitDescription: gd, ResolvedRef: resolvedRef},
		},
	}, nil
}

func (g *Git) SerializeForLockfile(id PackageId) map[string]any {
	out := map[string]any{
		"url":          id.Resolved.Git.URL,
		"resolved-ref": id.Resolved.Git.ResolvedRef,
	}
	if id.Resolved.Git.Path != "" {
		out["path"] = id.Resolved.Git.Path
	}
	if id.Resolved.Git.Ref != "" {
		out["ref"] = id.Resolved.Git.Ref
	}
	return out
}
