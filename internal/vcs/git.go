package vcs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git implements Facts by running the git binary.
type Git struct {
	// Bin defaults to "git" on PATH.
	Bin string
	// Env is appended to the process environment of every invocation.
	Env []string
}

// NewGit returns a Git that runs the git found on PATH.
func NewGit() *Git {
	return &Git{Bin: "git"}
}

// Run executes git in dir and returns stdout. Failures are *GitError values
// carrying stderr.
func (g *Git) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return g.RunInput(ctx, dir, nil, args...)
}

// RunInput is Run with stdin attached.
func (g *Git) RunInput(ctx context.Context, dir string, stdin []byte, args ...string) ([]byte, error) {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if len(g.Env) > 0 {
		cmd.Env = append(cmd.Environ(), g.Env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (g *Git) line(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) TopLevel(ctx context.Context, dir string) (string, error) {
	top, err := g.line(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.Join(ErrNotRepository, err)
	}
	return filepath.Clean(top), nil
}

// CommonDir returns the absolute path of the directory shared by all
// worktrees of a clone.
func (g *Git) CommonDir(ctx context.Context, dir string) (string, error) {
	common, err := g.line(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", errors.Join(ErrNotRepository, err)
	}
	return absFrom(dir, common), nil
}

func (g *Git) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	return g.line(ctx, dir, "config", "--get", "remote."+remote+".url")
}

// DefaultBranch reads refs/remotes/<remote>/HEAD and falls back to "main"
// when the symbolic ref was never fetched.
func (g *Git) DefaultBranch(ctx context.Context, dir, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	ref, err := g.line(ctx, dir, "symbolic-ref", "--quiet", "refs/remotes/"+remote+"/HEAD")
	if err != nil || ref == "" {
		return "main", nil
	}
	return strings.TrimPrefix(ref, "refs/remotes/"+remote+"/"), nil
}

func (g *Git) IgnoreCase(ctx context.Context, dir string) (bool, error) {
	val, err := g.line(ctx, dir, "config", "--bool", "--get", "core.ignorecase")
	if err != nil {
		var exitErr *exec.ExitError
		// exit status 1 means the key is unset
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return val == "true", nil
}

// HooksDir honours core.hooksPath.
func (g *Git) HooksDir(ctx context.Context, dir string) (string, error) {
	hooks, err := g.line(ctx, dir, "rev-parse", "--git-path", "hooks")
	if err != nil {
		return "", errors.Join(ErrNotRepository, err)
	}
	return absFrom(dir, hooks), nil
}

func (g *Git) StagedChanges(ctx context.Context, dir string) ([]Change, error) {
	out, err := g.Run(ctx, dir, "diff", "--cached", "--name-status", "-z", "-M")
	if err != nil {
		return nil, err
	}
	return ParseNameStatusZ(out)
}

func (g *Git) CommitsInRange(ctx context.Context, dir, newSHA string) ([]string, error) {
	out, err := g.Run(ctx, dir, "rev-list", newSHA, "--not", "--remotes")
	if err != nil {
		return nil, err
	}
	return ParseLines(out), nil
}

// CommitChanges lists what sha changed. For a merge that is the combined
// diff: paths whose merged content differs from every parent, which is where
// conflict resolutions and edits made inside the merge land.
func (g *Git) CommitChanges(ctx context.Context, dir, sha string) ([]Change, error) {
	parents, err := g.Run(ctx, dir, "rev-list", "--parents", "-n", "1", sha)
	if err != nil {
		return nil, err
	}
	if len(strings.Fields(string(parents))) > 2 {
		out, err := g.Run(ctx, dir, "diff-tree", "--no-commit-id", "-z", "-r", "--cc", "--name-only", sha)
		if err != nil {
			return nil, err
		}
		var changes []Change
		for _, p := range splitNUL(out) {
			changes = append(changes, Change{Status: StatusModified, Path: p})
		}
		return changes, nil
	}
	out, err := g.Run(ctx, dir, "diff-tree", "--no-commit-id", "-z", "-r", "-M", "--name-status", "--root", sha)
	if err != nil {
		return nil, err
	}
	return ParseNameStatusZ(out)
}

func absFrom(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	abs, err := filepath.Abs(filepath.Join(dir, p))
	if err != nil {
		return filepath.Join(dir, p)
	}
	return abs
}

var _ Facts = (*Git)(nil)
