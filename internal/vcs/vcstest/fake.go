// Package vcstest provides an in-memory vcs.Facts for tests.
package vcstest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mistakeknot/interlock/internal/vcs"
)

// Repo describes one checkout known to a Fake.
type Repo struct {
	TopLevel      string
	CommonDir     string
	HooksDir      string
	Remotes       map[string]string
	DefaultBranch string
	IgnoreCase    bool
	Staged        []vcs.Change
	// Unpushed maps a pushed tip to the commits not yet on any remote.
	Unpushed map[string][]string
	Commits  map[string][]vcs.Change
}

// Fake answers Facts from a table of repos keyed by work-tree root. A
// directory below a root resolves to that repo. Calls are counted per method.
type Fake struct {
	mu    sync.Mutex
	repos map[string]*Repo
	calls map[string]int
	// Err, when set, is returned by every method.
	Err error
}

func New() *Fake {
	return &Fake{repos: make(map[string]*Repo), calls: make(map[string]int)}
}

// Add registers repo. CommonDir and HooksDir default to <top>/.git and
// <top>/.git/hooks.
func (f *Fake) Add(repo Repo) *Repo {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := repo
	r.TopLevel = filepath.Clean(r.TopLevel)
	if r.CommonDir == "" {
		r.CommonDir = filepath.Join(r.TopLevel, ".git")
	}
	if r.HooksDir == "" {
		r.HooksDir = filepath.Join(r.CommonDir, "hooks")
	}
	f.repos[r.TopLevel] = &r
	return &r
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) lookup(method, dir string) (*Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.Err != nil {
		return nil, f.Err
	}
	dir = filepath.Clean(dir)
	for {
		if r, ok := f.repos[dir]; ok {
			return r, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%s: %w", method, vcs.ErrNotRepository)
		}
		dir = parent
	}
}

func (f *Fake) TopLevel(_ context.Context, dir string) (string, error) {
	r, err := f.lookup("TopLevel", dir)
	if err != nil {
		return "", err
	}
	return r.TopLevel, nil
}

func (f *Fake) CommonDir(_ context.Context, dir string) (string, error) {
	r, err := f.lookup("CommonDir", dir)
	if err != nil {
		return "", err
	}
	return r.CommonDir, nil
}

func (f *Fake) RemoteURL(_ context.Context, dir, remote string) (string, error) {
	r, err := f.lookup("RemoteURL", dir)
	if err != nil {
		return "", err
	}
	if remote == "" {
		remote = "origin"
	}
	url, ok := r.Remotes[remote]
	if !ok {
		return "", fmt.Errorf("no remote %q", remote)
	}
	return url, nil
}

func (f *Fake) DefaultBranch(_ context.Context, dir, _ string) (string, error) {
	r, err := f.lookup("DefaultBranch", dir)
	if err != nil {
		return "", err
	}
	if r.DefaultBranch == "" {
		return "main", nil
	}
	return r.DefaultBranch, nil
}

func (f *Fake) IgnoreCase(_ context.Context, dir string) (bool, error) {
	r, err := f.lookup("IgnoreCase", dir)
	if err != nil {
		return false, err
	}
	return r.IgnoreCase, nil
}

func (f *Fake) HooksDir(_ context.Context, dir string) (string, error) {
	r, err := f.lookup("HooksDir", dir)
	if err != nil {
		return "", err
	}
	return r.HooksDir, nil
}

func (f *Fake) StagedChanges(_ context.Context, dir string) ([]vcs.Change, error) {
	r, err := f.lookup("StagedChanges", dir)
	if err != nil {
		return nil, err
	}
	return append([]vcs.Change(nil), r.Staged...), nil
}

func (f *Fake) CommitsInRange(_ context.Context, dir, newSHA string) ([]string, error) {
	r, err := f.lookup("CommitsInRange", dir)
	if err != nil {
		return nil, err
	}
	commits, ok := r.Unpushed[newSHA]
	if !ok {
		return nil, fmt.Errorf("unknown revision %s", newSHA)
	}
	return append([]string(nil), commits...), nil
}

func (f *Fake) CommitChanges(_ context.Context, dir, sha string) ([]vcs.Change, error) {
	r, err := f.lookup("CommitChanges", dir)
	if err != nil {
		return nil, err
	}
	return append([]vcs.Change(nil), r.Commits[sha]...), nil
}

var _ vcs.Facts = (*Fake)(nil)
