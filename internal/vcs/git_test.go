package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// initRepo creates a throwaway repository or skips when git is missing.
func initRepo(t *testing.T) (*Git, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	g := &Git{Env: []string{
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}}
	ctx := context.Background()
	if _, err := g.Run(ctx, dir, "init", "-q", "-b", "main"); err != nil {
		t.Skipf("git init: %v", err)
	}
	return g, dir
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGitStagedRename(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()

	writeFile(t, dir, "a.py", "print('hello world from a')\n")
	if _, err := g.Run(ctx, dir, "add", "a.py"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(ctx, dir, "commit", "-q", "-m", "init"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(ctx, dir, "mv", "a.py", "b.py"); err != nil {
		t.Fatal(err)
	}

	changes, err := g.StagedChanges(ctx, dir)
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	if diff := cmp.Diff([]string{"a.py", "b.py"}, ChangedPaths(changes)); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestGitCommitsInRangeWithoutRemotes(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()

	writeFile(t, dir, "one.txt", "1\n")
	if _, err := g.Run(ctx, dir, "add", "."); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(ctx, dir, "commit", "-q", "-m", "one"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "sub/two.txt", "2\n")
	if _, err := g.Run(ctx, dir, "add", "."); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(ctx, dir, "commit", "-q", "-m", "two"); err != nil {
		t.Fatal(err)
	}

	commits, err := g.CommitsInRange(ctx, dir, "HEAD")
	if err != nil {
		t.Fatalf("rev-list: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	var all [][]Change
	for _, sha := range commits {
		changes, err := g.CommitChanges(ctx, dir, sha)
		if err != nil {
			t.Fatalf("diff-tree %s: %v", sha, err)
		}
		all = append(all, changes)
	}
	if diff := cmp.Diff([]string{"one.txt", "sub/two.txt"}, ChangedPaths(all...)); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestGitCommitChangesMergeResolution(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()
	run := func(args ...string) string {
		t.Helper()
		out, err := g.Run(ctx, dir, args...)
		if err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
		return string(out)
	}

	writeFile(t, dir, "a.py", "base\n")
	writeFile(t, dir, "b.py", "untouched\n")
	run("add", ".")
	run("commit", "-q", "-m", "base")
	run("checkout", "-q", "-b", "side")
	writeFile(t, dir, "a.py", "side\n")
	writeFile(t, dir, "c.py", "only on side\n")
	run("commit", "-q", "-am", "side")
	run("add", "c.py")
	run("commit", "-q", "-m", "side file")
	run("checkout", "-q", "main")
	writeFile(t, dir, "a.py", "main\n")
	run("commit", "-q", "-am", "main")

	if _, err := g.Run(ctx, dir, "merge", "-q", "side"); err == nil {
		t.Fatal("expected a merge conflict on a.py")
	}
	writeFile(t, dir, "a.py", "resolved\n")
	run("add", "a.py")
	run("commit", "-q", "--no-edit")
	merge := strings.TrimSpace(run("rev-parse", "HEAD"))

	changes, err := g.CommitChanges(ctx, dir, merge)
	if err != nil {
		t.Fatalf("merge changes: %v", err)
	}
	if diff := cmp.Diff([]string{"a.py"}, ChangedPaths(changes)); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestGitRepoFacts(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()

	top, err := g.TopLevel(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if top != resolved && top != dir {
		t.Fatalf("toplevel = %q, want %q", top, dir)
	}
	common, err := g.CommonDir(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(common) != ".git" {
		t.Fatalf("common dir = %q", common)
	}
	branch, err := g.DefaultBranch(ctx, dir, "origin")
	if err != nil || branch != "main" {
		t.Fatalf("default branch = %q, %v", branch, err)
	}
	if _, err := g.RemoteURL(ctx, dir, "origin"); err == nil {
		t.Fatal("expected error for missing remote")
	}
	if _, err := g.TopLevel(ctx, t.TempDir()); err == nil {
		t.Fatal("expected error outside a repository")
	}
}
