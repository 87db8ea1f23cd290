// Package guard implements the pre-commit and pre-push checks. It collects
// the paths a commit or push touches and blocks when any of them falls under
// another agent's active exclusive lease.
package guard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/vcs"
)

const (
	HookPreCommit = "pre-commit"
	HookPrePush   = "pre-push"
)

// Env is what the invoking agent exported.
type Env struct {
	AgentName string
	// Bypass holds the raw AGENT_MAIL_BYPASS value.
	Bypass string
	// Mode holds the raw AGENT_MAIL_GUARD_MODE value.
	Mode string
}

// Bypassed reports whether the bypass variable is set to anything other
// than an explicit false.
func (e Env) Bypassed() bool {
	switch strings.ToLower(strings.TrimSpace(e.Bypass)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Runner evaluates one hook invocation.
type Runner struct {
	VCS      vcs.Facts
	Store    storage.LeaseReader
	Resolver *identity.Resolver
	Env      Env
	// Out receives the human-readable report. Nil discards it.
	Out    io.Writer
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// RefUpdate is one line of pre-push stdin.
type RefUpdate struct {
	LocalRef  string
	LocalSHA  string
	RemoteRef string
	RemoteSHA string
}

// ParseRefUpdates reads "<local ref> <local sha> <remote ref> <remote sha>"
// lines. Blank lines are skipped.
func ParseRefUpdates(r io.Reader) ([]RefUpdate, error) {
	var out []RefUpdate
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 4 {
			return nil, fmt.Errorf("malformed pre-push line %q: %w", line, core.ErrInvalidRequest)
		}
		out = append(out, RefUpdate{LocalRef: f[0], LocalSHA: f[1], RemoteRef: f[2], RemoteSHA: f[3]})
	}
	return out, sc.Err()
}

// PreCommit checks the staged changes of the checkout at dir.
func (r *Runner) PreCommit(ctx context.Context, dir string) (core.GuardDecision, error) {
	return r.run(ctx, HookPreCommit, dir, func(top string) ([]string, error) {
		changes, err := r.VCS.StagedChanges(ctx, top)
		if err != nil {
			return nil, fmt.Errorf("staged changes: %w", err)
		}
		return vcs.ChangedPaths(changes), nil
	})
}

// PrePush checks every commit the push would publish. updates is the hook's
// stdin. Deleted refs contribute nothing.
func (r *Runner) PrePush(ctx context.Context, dir, remote string, updates io.Reader) (core.GuardDecision, error) {
	return r.run(ctx, HookPrePush, dir, func(top string) ([]string, error) {
		refs, err := ParseRefUpdates(updates)
		if err != nil {
			return nil, err
		}
		return r.pushedPaths(ctx, top, remote, refs)
	})
}

func (r *Runner) pushedPaths(ctx context.Context, top, remote string, refs []RefUpdate) ([]string, error) {
	var (
		mu   sync.Mutex
		sets [][]vcs.Change
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		if vcs.IsZeroSHA(ref.LocalSHA) {
			r.logger().Debug("skipping deleted ref", "ref", ref.RemoteRef, "remote", remote)
			continue
		}
		g.Go(func() error {
			commits, err := r.VCS.CommitsInRange(gctx, top, ref.LocalSHA)
			if err != nil {
				return fmt.Errorf("commits for %s: %w", ref.LocalRef, err)
			}
			for _, sha := range commits {
				changes, err := r.VCS.CommitChanges(gctx, top, sha)
				if err != nil {
					return fmt.Errorf("changes in %s: %w", sha, err)
				}
				mu.Lock()
				sets = append(sets, changes)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vcs.ChangedPaths(sets...), nil
}

func (r *Runner) run(ctx context.Context, hook, dir string, collect func(top string) ([]string, error)) (core.GuardDecision, error) {
	d := core.GuardDecision{Hook: hook, Mode: r.mode(), Conflicts: []core.GuardConflict{}}
	logger := r.logger().With("hook", hook)

	if raw := strings.TrimSpace(r.Env.Mode); raw != "" && core.GuardMode(strings.ToLower(raw)) != d.Mode {
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown AGENT_MAIL_GUARD_MODE %q, using block", raw))
	}
	if r.Env.Bypassed() {
		d.Bypassed = true
		d.Warnings = append(d.Warnings, "AGENT_MAIL_BYPASS is set: file reservations were not checked")
		logger.Warn("guard bypassed")
		r.report(d, nil)
		return d, nil
	}
	if strings.TrimSpace(r.Env.AgentName) == "" {
		d.Warnings = append(d.Warnings, "AGENT_NAME is not set: every holder is treated as another agent")
	}

	err := r.check(ctx, dir, collect, &d)
	if err != nil {
		logger.Error("guard could not verify reservations", "err", err)
		d.Blocked = d.Mode == core.GuardBlock
		r.report(d, err)
		return d, err
	}
	d.Blocked = d.Mode == core.GuardBlock && len(d.Conflicts) > 0
	logger.Debug("guard decision", "paths", len(d.Paths), "conflicts", len(d.Conflicts), "blocked", d.Blocked)
	r.report(d, nil)
	return d, nil
}

func (r *Runner) check(ctx context.Context, dir string, collect func(top string) ([]string, error), d *core.GuardDecision) error {
	if r.VCS == nil || r.Store == nil {
		return &core.StoreError{Op: "guard", Err: errors.New("guard is not configured")}
	}
	top, err := r.VCS.TopLevel(ctx, dir)
	if err != nil {
		return fmt.Errorf("locate checkout: %w", err)
	}
	paths, err := collect(top)
	if err != nil {
		return err
	}
	d.Paths = paths
	if len(paths) == 0 {
		return nil
	}

	resolver := r.Resolver
	if resolver == nil {
		resolver = &identity.Resolver{VCS: r.VCS, WorktreesEnabled: true, Logger: r.Logger}
	}
	project, err := resolver.Resolve(ctx, top)
	if err != nil {
		return err
	}
	ignoreCase := project.IgnoreCase
	stored, err := r.Store.GetProject(ctx, project.UID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		// nobody has reserved anything here yet
		return nil
	case err != nil:
		return err
	}
	ignoreCase = ignoreCase || stored.IgnoreCase

	holders, err := r.Store.ExclusiveHolders(ctx, project.UID)
	if err != nil {
		return err
	}
	d.Conflicts = findConflicts(paths, holders, r.Env.AgentName, ignoreCase)
	return nil
}

// findConflicts pairs every path with each foreign lease covering it.
func findConflicts(paths []string, holders []core.FileReservation, self string, ignoreCase bool) []core.GuardConflict {
	out := []core.GuardConflict{}
	for _, p := range paths {
		p = glob.NormalizePath(p)
		for _, h := range holders {
			if self != "" && h.Agent == self {
				continue
			}
			if !glob.Match(h.PathPattern, p, ignoreCase) {
				continue
			}
			out = append(out, core.GuardConflict{
				Path:          p,
				Pattern:       h.PathPattern,
				ReservationID: h.ID,
				Holder:        h.Agent,
				ExpiresAt:     h.ExpiresAt,
				Reason:        h.Reason,
			})
		}
	}
	return out
}

func (r *Runner) mode() core.GuardMode {
	return core.ParseGuardMode(strings.ToLower(strings.TrimSpace(r.Env.Mode)))
}

func (r *Runner) logger() *slog.Logger { return logging.OrNop(r.Logger) }

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) report(d core.GuardDecision, err error) {
	if r.Out == nil {
		return
	}
	WriteReport(r.Out, d, err, r.now())
}

// ExitCode maps a decision to the hook's exit status.
func ExitCode(d core.GuardDecision, err error) int {
	if d.Blocked {
		return 1
	}
	if err != nil && d.Mode != core.GuardWarn && !d.Bypassed {
		return 1
	}
	return 0
}
