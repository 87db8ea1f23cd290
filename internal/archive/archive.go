// Package archive mirrors lease state into a Git repository so humans can
// audit who held what, and so the store can be rebuilt after loss.
package archive

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/vcs"
)

type Action string

const (
	ActionGranted  Action = "granted"
	ActionReleased Action = "released"
	ActionRenewed  Action = "renewed"
	ActionExpired  Action = "expired"
)

const (
	lockName       = ".archive.lock"
	committerName  = "interlock"
	committerEmail = "interlock@localhost"
)

// Archive writes lease artifacts under <root>/projects/<slug>. Writes are
// serialized in-process by a mutex and across processes by a flock on
// <root>/.archive.lock.
type Archive struct {
	root   string
	git    *vcs.Git
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

type Option func(*Archive)

func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) { a.logger = logging.OrNop(l) }
}

// WithGit replaces the git runner, e.g. to pin a binary.
func WithGit(g *vcs.Git) Option {
	return func(a *Archive) {
		if g != nil {
			a.git = g
		}
	}
}

func New(root string, opts ...Option) *Archive {
	a := &Archive{
		root:   root,
		git:    vcs.NewGit(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archive) Root() string { return a.root }

// ReservationPath is the latest-state artifact for a pattern.
func ReservationPath(slug, pattern string) string {
	sum := sha1.Sum([]byte(pattern))
	return filepath.ToSlash(filepath.Join("projects", slug, "file_reservations", hex.EncodeToString(sum[:])+".json"))
}

// ReservationIDPath is the artifact that follows one lease for its lifetime.
func ReservationIDPath(slug, id string) string {
	return filepath.ToSlash(filepath.Join("projects", slug, "file_reservations", "id-"+id+".json"))
}

func SlotPath(slug, slot string) string {
	return filepath.ToSlash(filepath.Join("projects", slug, "build_slots", safeName(slot)+".json"))
}

func ProjectPath(slug string) string {
	return filepath.ToSlash(filepath.Join("projects", slug, "project.json"))
}

// WriteProject records the project identity.
func (a *Archive) WriteProject(ctx context.Context, p core.Project) error {
	body, err := marshal(p)
	if err != nil {
		return err
	}
	return a.commit(ctx, "project: register "+p.Slug, "", map[string][]byte{
		ProjectPath(p.Slug): body,
	})
}

// RecordReservations writes both artifacts for every lease and commits them
// together. A batch gets one commit whose body lists the lease ids.
func (a *Archive) RecordReservations(ctx context.Context, slug string, action Action, agent string, leases []core.FileReservation) error {
	if len(leases) == 0 {
		return nil
	}
	files := make(map[string][]byte, 2*len(leases))
	var body strings.Builder
	for _, r := range leases {
		data, err := marshal(r)
		if err != nil {
			return err
		}
		files[ReservationPath(slug, r.PathPattern)] = data
		files[ReservationIDPath(slug, r.ID)] = data
		fmt.Fprintf(&body, "%s %s\n", r.ID, r.PathPattern)
	}
	subject := fmt.Sprintf("file_reservation: %s %s by %s", action, leases[0].PathPattern, agent)
	if len(leases) > 1 {
		subject = fmt.Sprintf("file_reservation: %s %d patterns by %s", action, len(leases), agent)
	}
	return a.commit(ctx, subject, body.String(), files)
}

func (a *Archive) RecordSlot(ctx context.Context, slug string, action Action, slot core.BuildSlot) error {
	data, err := marshal(slot)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("build_slot: %s %s by %s", action, slot.Slot, slot.Agent)
	return a.commit(ctx, subject, slot.ID+"\n", map[string][]byte{
		SlotPath(slug, slot.Slot): data,
	})
}

// Load returns every lease ever archived for slug, ordered by creation.
func (a *Archive) Load(slug string) ([]core.FileReservation, error) {
	dir := filepath.Join(a.root, "projects", slug, "file_reservations")
	matches, err := filepath.Glob(filepath.Join(dir, "id-*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]core.FileReservation, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var r core.FileReservation
		if err := json.Unmarshal(data, &r); err != nil {
			a.logger.Warn("skipping unreadable archive artifact", "path", path, "err", err)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LoadProject reads the project.json written by WriteProject.
func (a *Archive) LoadProject(slug string) (core.Project, error) {
	data, err := os.ReadFile(filepath.Join(a.root, filepath.FromSlash(ProjectPath(slug))))
	if errors.Is(err, os.ErrNotExist) {
		return core.Project{}, fmt.Errorf("archived project %s: %w", slug, core.ErrNotFound)
	}
	if err != nil {
		return core.Project{}, err
	}
	var p core.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return core.Project{}, fmt.Errorf("decode %s: %w", ProjectPath(slug), err)
	}
	return p, nil
}

// Projects lists the archived project slugs.
func (a *Archive) Projects() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, "projects"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (a *Archive) commit(ctx context.Context, subject, body string, files map[string][]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureRepo(ctx); err != nil {
		return err
	}
	lock, err := lockFile(filepath.Join(a.root, lockName))
	if err != nil {
		return &core.StoreError{Op: "lock archive", Err: err}
	}
	defer func() {
		if err := lock.unlock(); err != nil {
			a.logger.Warn("archive unlock failed", "err", err)
		}
	}()

	paths := make([]string, 0, len(files))
	for rel, data := range files {
		if err := writeAtomic(filepath.Join(a.root, filepath.FromSlash(rel)), data); err != nil {
			return &core.StoreError{Op: "write archive artifact", Err: err}
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	if _, err := a.git.Run(ctx, a.root, append([]string{"add", "--"}, paths...)...); err != nil {
		return &core.StoreError{Op: "archive add", Err: err}
	}
	changed, err := a.staged(ctx, paths)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	args := []string{"-c", "commit.gpgsign=false", "commit", "-q", "--no-verify", "-m", subject}
	if body != "" {
		args = append(args, "-m", strings.TrimRight(body, "\n"))
	}
	args = append(args, "--")
	args = append(args, paths...)
	if _, err := a.git.Run(ctx, a.root, args...); err != nil {
		return &core.StoreError{Op: "archive commit", Err: err}
	}
	a.logger.Debug("archived", "subject", subject, "files", len(paths))
	return nil
}

// staged reports whether paths differ from HEAD in the index.
func (a *Archive) staged(ctx context.Context, paths []string) (bool, error) {
	_, err := a.git.Run(ctx, a.root, append([]string{"diff", "--cached", "--quiet", "--"}, paths...)...)
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, &core.StoreError{Op: "archive diff", Err: err}
}

func (a *Archive) ensureRepo(ctx context.Context) error {
	if a.ready {
		return nil
	}
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return &core.StoreError{Op: "create archive", Err: err}
	}
	if _, err := os.Stat(filepath.Join(a.root, ".git")); errors.Is(err, os.ErrNotExist) {
		steps := [][]string{
			{"init", "-q"},
			{"config", "user.name", committerName},
			{"config", "user.email", committerEmail},
		}
		for _, args := range steps {
			if _, err := a.git.Run(ctx, a.root, args...); err != nil {
				return &core.StoreError{Op: "init archive", Err: err}
			}
		}
		exclude := filepath.Join(a.root, ".git", "info", "exclude")
		if err := os.MkdirAll(filepath.Dir(exclude), 0o755); err != nil {
			return &core.StoreError{Op: "init archive", Err: err}
		}
		if err := appendLine(exclude, lockName); err != nil {
			return &core.StoreError{Op: "init archive", Err: err}
		}
		a.logger.Info("initialised archive", "root", a.root)
	} else if err != nil {
		return &core.StoreError{Op: "stat archive", Err: err}
	}
	a.ready = true
	return nil
}

func marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeName maps a slot name onto a single path segment.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || strings.Trim(b.String(), ".") == "" {
		return "slot"
	}
	return b.String()
}
