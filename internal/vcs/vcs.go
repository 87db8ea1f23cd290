// Package vcs is the narrow boundary between the lease engine and Git.
//
// Everything the engine needs to know about a checkout goes through the Facts
// interface so identity resolution, the guard and hook installation can be
// tested against vcstest.Fake without a git binary.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotRepository is returned when a directory is not inside a Git work tree.
var ErrNotRepository = errors.New("not a git repository")

// ZeroSHA is the object name Git sends for a missing side of a ref update.
const ZeroSHA = "0000000000000000000000000000000000000000"

// IsZeroSHA reports whether sha denotes "no object" (new or deleted ref).
func IsZeroSHA(sha string) bool {
	return sha != "" && strings.Trim(sha, "0") == ""
}

// ChangeStatus is the single-letter status Git reports in --name-status output.
type ChangeStatus byte

const (
	StatusAdded    ChangeStatus = 'A'
	StatusCopied   ChangeStatus = 'C'
	StatusDeleted  ChangeStatus = 'D'
	StatusModified ChangeStatus = 'M'
	StatusRenamed  ChangeStatus = 'R'
	StatusType     ChangeStatus = 'T'
	StatusUnmerged ChangeStatus = 'U'
)

// Change is one entry of a staged or committed change set. OldPath is only set
// for renames and copies.
type Change struct {
	Status  ChangeStatus
	Path    string
	OldPath string
}

// Paths returns every path the change touches, the source of a rename first.
func (c Change) Paths() []string {
	if c.OldPath != "" && c.OldPath != c.Path {
		return []string{c.OldPath, c.Path}
	}
	return []string{c.Path}
}

// Facts answers questions about a checkout. Every method takes the directory
// the question is asked from; implementations must not keep per-checkout state.
type Facts interface {
	TopLevel(ctx context.Context, dir string) (string, error)
	CommonDir(ctx context.Context, dir string) (string, error)
	RemoteURL(ctx context.Context, dir, remote string) (string, error)
	DefaultBranch(ctx context.Context, dir, remote string) (string, error)
	IgnoreCase(ctx context.Context, dir string) (bool, error)
	HooksDir(ctx context.Context, dir string) (string, error)
	StagedChanges(ctx context.Context, dir string) ([]Change, error)
	// CommitsInRange lists commits reachable from newSHA that no remote
	// tracking ref already contains.
	CommitsInRange(ctx context.Context, dir, newSHA string) ([]string, error)
	CommitChanges(ctx context.Context, dir, sha string) ([]Change, error)
}

// GitError carries the failing git invocation and its stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }
