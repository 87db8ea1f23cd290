package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/archive"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/vcs"
)

// backend is satisfied by *lease.Service for local use and by
// *client.Client against a daemon.
type backend interface {
	EnsureProject(ctx context.Context, p core.Project) (core.Project, error)
	RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error)
	Reserve(ctx context.Context, req core.ReserveRequest) (core.ReserveResult, error)
	Release(ctx context.Context, project, agent string, patterns []string) ([]core.FileReservation, error)
	ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]core.FileReservation, error)
	Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]core.FileReservation, error)
	Reservations(ctx context.Context, project, agent string) ([]core.FileReservation, error)
	Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]core.Conflict, error)
	AcquireSlot(ctx context.Context, req core.SlotRequest) (core.SlotResult, error)
	RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (core.BuildSlot, error)
	ReleaseSlot(ctx context.Context, project, agent, slot string) ([]core.BuildSlot, error)
	Adopt(ctx context.Context, from, to string) (storage.AdoptResult, error)
}

var (
	_ backend = (*lease.Service)(nil)
	_ backend = (*client.Client)(nil)
)

// local opens the configured database with the archive attached. The
// returned close func must be called.
func (a *app) local() (*lease.Service, *sqlite.Store, func(), error) {
	st, err := sqlite.New(a.cfg.Storage.Path,
		sqlite.WithLogger(a.logger),
		sqlite.WithDefaultTTL(a.cfg.Reservations.DefaultTTL))
	if err != nil {
		return nil, nil, nil, err
	}
	opts := []lease.Option{lease.WithLogger(a.logger)}
	if a.cfg.Archive.Enabled {
		opts = append(opts, lease.WithArchive(a.archive()))
	}
	return lease.NewService(sqlite.NewResilient(st), opts...), st, func() { st.Close() }, nil
}

func (a *app) archive() *archive.Archive {
	return archive.New(a.cfg.Archive.Root, archive.WithLogger(a.logger))
}

func (a *app) backend() (backend, func(), error) {
	if url := strings.TrimSpace(a.v.GetString("cli.server")); url != "" {
		return client.New(url, client.WithAPIKey(a.v.GetString("cli.api_key"))), func() {}, nil
	}
	svc, _, closeFn, err := a.local()
	if err != nil {
		return nil, nil, err
	}
	return svc, closeFn, nil
}

func (a *app) resolver() *identity.Resolver {
	return &identity.Resolver{
		VCS:              vcs.NewGit(),
		WorktreesEnabled: a.cfg.Identity.WorktreesEnabled,
		Remote:           a.cfg.Identity.Remote,
		Logger:           a.logger,
	}
}

// project returns the project to act on and makes sure it exists. --project
// names a uid directly; otherwise --dir is resolved.
func (a *app) project(ctx context.Context, b backend) (core.Project, error) {
	var p core.Project
	if uid := strings.TrimSpace(a.v.GetString("cli.project")); uid != "" {
		p = core.Project{UID: uid, Slug: uid, CanonicalSource: "uid:" + uid, IdentityMode: core.IdentityDir}
	} else {
		resolved, err := a.resolver().Resolve(ctx, a.dir)
		if err != nil {
			return core.Project{}, err
		}
		p = resolved
	}
	stored, err := b.EnsureProject(ctx, p)
	if err != nil {
		return core.Project{}, fmt.Errorf("project %s: %w", p.UID, err)
	}
	return stored, nil
}

func (a *app) agentName(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if name := strings.TrimSpace(a.cfg.Guard.AgentName); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("agent name required: pass --agent or set AGENT_NAME: %w", core.ErrInvalidRequest)
}
