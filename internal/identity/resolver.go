// Package identity derives the project a checkout belongs to.
//
// Resolution walks a fixed cascade and never fails once it has a usable
// path: committed marker, private marker, normalized remote, the shared Git
// directory, and finally the directory itself. Separate clones and worktrees
// of one repository therefore land on the same project UID.
package identity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/vcs"
)

const (
	// MarkerFile lives at the repository root and is meant to be committed.
	MarkerFile = ".agent-mail-project-id"
	// PrivateMarkerPath is relative to the Git common directory.
	PrivateMarkerPath = "agent-mail/project-id"

	uidLen  = 20
	slugLen = 10
)

var validUID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Resolver maps a checkout path to a core.Project.
type Resolver struct {
	VCS vcs.Facts
	// WorktreesEnabled turns on the marker and remote rules. When false only
	// the checkout root (or the literal directory outside a checkout) is used
	// and nothing is written.
	WorktreesEnabled bool
	// Remote names the remote fingerprinted by the remote rule. Defaults to origin.
	Remote string
	Logger *slog.Logger
}

// Resolve returns the project identity for path. The error is only non-nil
// for an empty path; Git failures fall through to the next rule.
func (r *Resolver) Resolve(ctx context.Context, path string) (core.Project, error) {
	if strings.TrimSpace(path) == "" {
		return core.Project{}, fmt.Errorf("resolve identity: empty path: %w", core.ErrInvalidRequest)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	logger := logging.OrNop(r.Logger).With("path", abs)

	if r.VCS == nil {
		return dirIdentity(abs, false), nil
	}
	if !r.WorktreesEnabled {
		// anchor on the checkout root so a subdirectory, or a path through a
		// symlink, names the same project the guard sees
		top, err := r.VCS.TopLevel(ctx, abs)
		if err != nil {
			return dirIdentity(abs, false), nil
		}
		ignoreCase, _ := r.VCS.IgnoreCase(ctx, top)
		return dirIdentity(top, ignoreCase), nil
	}

	top, err := r.VCS.TopLevel(ctx, abs)
	if err != nil {
		logger.Debug("not a git checkout, using directory identity", "error", err)
		return dirIdentity(abs, false), nil
	}
	ignoreCase, err := r.VCS.IgnoreCase(ctx, top)
	if err != nil {
		logger.Debug("reading core.ignorecase failed", "error", err)
	}

	remote := r.Remote
	if remote == "" {
		remote = "origin"
	}
	var normalizedRemote string
	if raw, err := r.VCS.RemoteURL(ctx, top, remote); err == nil {
		normalizedRemote, _ = NormalizeRemote(raw)
	}
	common, commonErr := r.VCS.CommonDir(ctx, top)
	if commonErr != nil {
		logger.Debug("git common dir unavailable", "error", commonErr)
	}
	// Every worktree of a clone must present the same slug.
	base := filepath.Base(top)
	switch {
	case normalizedRemote != "":
		base = repoName(normalizedRemote)
	case commonErr == nil:
		base = commonBase(common, top)
	}

	// 1. committed marker
	if uid, ok := readMarker(filepath.Join(top, MarkerFile)); ok {
		return markerIdentity(uid, base, core.IdentityMarker, top, ignoreCase), nil
	}

	// 2. private marker
	if commonErr == nil {
		if uid, ok := readMarker(filepath.Join(common, PrivateMarkerPath)); ok {
			return markerIdentity(uid, base, core.IdentityPrivateMarker, top, ignoreCase), nil
		}
	}

	var p core.Project
	switch {
	case normalizedRemote != "":
		// 3. remote fingerprint
		branch, err := r.VCS.DefaultBranch(ctx, top, remote)
		if err != nil || branch == "" {
			branch = "main"
		}
		p = derived(normalizedRemote+"@"+branch, base, core.IdentityRemote)
	case commonErr == nil:
		// 4. shared git dir
		p = derived(common, base, core.IdentityCommonDir)
	default:
		// 5. directory
		p = dirIdentity(top, ignoreCase)
	}
	p.HumanKey = top
	p.IgnoreCase = ignoreCase

	if commonErr == nil {
		if err := writeMarker(filepath.Join(common, PrivateMarkerPath), p.UID); err != nil {
			logger.Warn("could not persist private project marker", "error", err)
		}
	}
	return p, nil
}

func dirIdentity(dir string, ignoreCase bool) core.Project {
	p := derived(dir, filepath.Base(dir), core.IdentityDir)
	p.HumanKey = dir
	p.IgnoreCase = ignoreCase
	return p
}

func derived(canonical, base string, mode core.IdentityMode) core.Project {
	sum := sha1Hex(canonical)
	return core.Project{
		UID:             sum[:uidLen],
		Slug:            Slug(base, sum),
		CanonicalSource: canonical,
		IdentityMode:    mode,
	}
}

// markerIdentity keeps the slug of a UID written by a derived rule stable:
// such UIDs are already a hash prefix, so the slug suffix is reused.
func markerIdentity(uid, base string, mode core.IdentityMode, top string, ignoreCase bool) core.Project {
	suffix := uid
	if !isHex(uid) || len(uid) < slugLen {
		suffix = sha1Hex(uid)
	}
	return core.Project{
		UID:             uid,
		Slug:            Slug(base, suffix),
		CanonicalSource: uid,
		IdentityMode:    mode,
		HumanKey:        top,
		IgnoreCase:      ignoreCase,
	}
}

func commonBase(common, top string) string {
	name := filepath.Base(common)
	if name == ".git" {
		return filepath.Base(filepath.Dir(common))
	}
	if trimmed := strings.TrimSuffix(name, ".git"); trimmed != "" && trimmed != name {
		return trimmed
	}
	return filepath.Base(top)
}

// Slug builds the presentation key from a name and a hex digest. It never
// contains path separators.
func Slug(base, digest string) string {
	if len(digest) > slugLen {
		digest = digest[:slugLen]
	}
	return slugify(base) + "-" + strings.ToLower(digest)
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return s != ""
}

// NewUID returns a fresh random marker UID.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func readMarker(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	if !validUID.MatchString(line) {
		return "", false
	}
	return line, true
}

func writeMarker(path, uid string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(uid+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteCommittedMarker writes the root marker of the checkout containing dir
// and returns its path. An empty uid generates one.
func WriteCommittedMarker(ctx context.Context, facts vcs.Facts, dir, uid string) (string, string, error) {
	top, err := facts.TopLevel(ctx, dir)
	if err != nil {
		return "", "", err
	}
	if uid == "" {
		uid = NewUID()
	}
	if !validUID.MatchString(uid) {
		return "", "", fmt.Errorf("marker uid %q: %w", uid, core.ErrInvalidRequest)
	}
	path := filepath.Join(top, MarkerFile)
	if err := writeMarker(path, uid); err != nil {
		return "", "", err
	}
	return path, uid, nil
}
