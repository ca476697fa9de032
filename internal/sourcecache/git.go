// Package sourcecache implements the Source Cache & Worktree Manager of
// spec.md §4.3: one bare clone per source URL under a content-addressed
// cache directory, with per-ref worktrees handed out under a per-repo
// lock.
//
// The Git command-line wrapper is, per spec.md §1, an external
// collaborator with a specified contract (clone, fetch, worktree
// add/remove, rev-parse, ls-remote, show) — grounded on the teacher's own
// os/exec wrapper style (pkg/cli/git.go), generalized from a single
// fixed repository to an arbitrary cloned one.
package sourcecache

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agpm-dev/agpm/internal/xlog"
)

var gitLog = xlog.New("sourcecache:git")

// GitTimeout bounds every Git subprocess invocation, per spec.md §5
// ("Git subprocess calls carry a runtime-configured timeout").
var GitTimeout = 2 * time.Minute

// runGitBytes executes `git <args...>` with dir as the working directory
// (if non-empty) and returns stdout exactly as Git wrote it.
func runGitBytes(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, GitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	gitLog.Printf("git %s (dir=%s)", strings.Join(args, " "), dir)

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// runGit behaves like runGitBytes but trims stdout, for subcommands whose
// output is a single structured value (a SHA, a ref list) rather than file
// content a caller might need byte-exact (see Show, which uses
// runGitBytes directly).
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGitBytes(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CloneMirror creates a bare mirror clone of url at dir.
func CloneMirror(ctx context.Context, url, dir string) error {
	_, err := runGit(ctx, "", "clone", "--mirror", url, dir)
	return err
}

// Fetch runs `git fetch` inside the bare clone at dir, updating all refs.
func Fetch(ctx context.Context, dir string) error {
	_, err := runGit(ctx, dir, "fetch", "--prune", "origin", "+refs/*:refs/*")
	return err
}

// RevParse resolves rev to a full commit SHA inside the repository at
// dir.
func RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", rev, err)
	}
	return out, nil
}

// LsRemoteTags lists the repository's tags as a map of tag name (without
// refs/tags/ prefix or ^{} peel suffix) to commit SHA.
func LsRemoteTags(ctx context.Context, dir string) (map[string]string, error) {
	out, err := runGit(ctx, dir, "show-ref", "--tags", "--dereference")
	if err != nil {
		if strings.TrimSpace(out) == "" {
			return map[string]string{}, nil
		}
		return nil, err
	}
	tags := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		sha, ref := parts[0], parts[1]
		name := strings.TrimPrefix(ref, "refs/tags/")
		name = strings.TrimSuffix(name, "^{}") // peeled annotated tag wins
		tags[name] = sha
	}
	return tags, nil
}

// ListTree lists every file path tracked at rev inside the repository at
// dir, forward-slashed, for pattern-dependency expansion (spec.md §4.5).
func ListTree(ctx context.Context, dir, rev string) ([]string, error) {
	out, err := runGit(ctx, dir, "ls-tree", "-r", "--name-only", rev)
	if err != nil {
		return nil, fmt.Errorf("listing tree at %s: %w", rev, err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Show reads the raw, untrimmed content of path at rev inside the
// repository at dir — a resource body is compared and written byte-exact,
// so it must not lose leading/trailing whitespace the way a single-value
// command's output may.
func Show(ctx context.Context, dir, rev, path string) ([]byte, error) {
	out, err := runGitBytes(ctx, dir, "show", rev+":"+path)
	if err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", path, rev, err)
	}
	return out, nil
}

// WorktreeAdd creates a worktree at worktreeDir pinned to commit inside
// the bare clone at repoDir.
func WorktreeAdd(ctx context.Context, repoDir, worktreeDir, commit string) error {
	_, err := runGit(ctx, repoDir, "worktree", "add", "--detach", worktreeDir, commit)
	return err
}

// WorktreeRemove tears down the worktree at worktreeDir.
func WorktreeRemove(ctx context.Context, repoDir, worktreeDir string) error {
	_, err := runGit(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}
