package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/interlock/internal/archive"
	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/config"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/vcs"
	"github.com/mistakeknot/interlock/internal/ws"
)

// App is a fully wired daemon: store, archive, lease service, websocket hub,
// sweeper and HTTP server.
type App struct {
	Store   *sqlite.Store
	Leases  *lease.Service
	Hub     *ws.Hub
	Sweeper *sqlite.Sweeper
	Archive *archive.Archive

	server *Server
	logger *slog.Logger
}

// NewApp opens the database at cfg.Storage.Path and binds the listeners.
// Callers own the returned App and must Close it.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	store, err := sqlite.New(cfg.Storage.Path,
		sqlite.WithLogger(logger.With("component", "store")),
		sqlite.WithDefaultTTL(cfg.Reservations.DefaultTTL))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	ring, err := auth.LoadKeyring(cfg.Server.KeysFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load keys: %w", err)
	}

	app := &App{Store: store, Hub: ws.NewHub(logger.With("component", "ws")), logger: logger}
	opts := []lease.Option{
		lease.WithBroadcaster(app.Hub),
		lease.WithLogger(logger.With("component", "lease")),
	}
	if cfg.Archive.Enabled {
		app.Archive = archive.New(cfg.Archive.Root, archive.WithLogger(logger.With("component", "archive")))
		opts = append(opts, lease.WithArchive(app.Archive))
	}
	app.Leases = lease.NewService(sqlite.NewResilient(store), opts...)
	app.Sweeper = sqlite.NewSweeper(store, app.Hub, cfg.Sweeper.Interval,
		sqlite.WithSweeperLogger(logger.With("component", "sweeper")),
		sqlite.WithSweepHook(app.Leases.OnSweep))

	resolver := &identity.Resolver{
		VCS:              vcs.NewGit(),
		WorktreesEnabled: cfg.Identity.WorktreesEnabled,
		Remote:           cfg.Identity.Remote,
		Logger:           logger.With("component", "identity"),
	}
	svc := httpapi.NewService(app.Leases, httpapi.WithResolver(resolver), httpapi.WithLogger(logger.With("component", "http")))
	router := httpapi.NewRouter(svc, app.Hub.Handler(), auth.Middleware(ring, logger.With("component", "auth")))

	app.server, err = New(Config{
		Addr:       cfg.Server.Addr,
		SocketPath: cfg.Server.Socket,
		Handler:    router,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) Handler() http.Handler { return a.server.http.Handler }

func (a *App) Addr() string { return a.server.Addr() }

// Run starts the sweeper and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Sweeper.Start(ctx)
	defer a.Sweeper.Stop()
	return a.server.Run(ctx)
}

func (a *App) Close() error {
	return a.Store.Close()
}
