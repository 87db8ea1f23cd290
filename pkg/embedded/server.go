// Package embedded runs an interlock server inside another process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 7338

// Config configures the embedded server.
type Config struct {
	// DBPath is the SQLite database file. Defaults to ~/.interlock/interlock.db.
	DBPath string

	// Host defaults to 127.0.0.1.
	Host string
	// Port defaults to DefaultPort.
	Port int
	// Addr, if set, overrides Host and Port. "127.0.0.1:0" picks a free port.
	Addr string

	// ArchiveRoot enables the git audit archive when set.
	ArchiveRoot string

	// KeysFile enables API key auth for non-loopback callers. Empty leaves
	// the server open to loopback only.
	KeysFile string

	Logger *slog.Logger
}

// Server is an in-process interlock server.
type Server struct {
	app *server.App

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan error
}

func New(cfg Config) (*Server, error) {
	c := config.Default()
	if cfg.DBPath != "" {
		c.Storage.Path = cfg.DBPath
	}
	c.Server.Addr = cfg.addr()
	c.Server.KeysFile = cfg.KeysFile
	c.Archive.Enabled = cfg.ArchiveRoot != ""
	c.Archive.Root = cfg.ArchiveRoot
	if err := c.Validate(); err != nil {
		return nil, err
	}

	app, err := server.NewApp(c, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("embedded: %w", err)
	}
	return &Server{app: app}, nil
}

func (c Config) addr() string {
	if c.Addr != "" {
		return c.Addr
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return host + ":" + strconv.Itoa(port)
}

// Start serves in the background. The listener is already bound by New, so
// URL is usable as soon as Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	s.started = true
	go func() { s.done <- s.app.Run(ctx) }()
	return nil
}

// Stop shuts the server down and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runErr error
	if s.started {
		s.cancel()
		runErr = <-s.done
		s.started = false
	}
	if s.closed {
		return runErr
	}
	s.closed = true
	return errors.Join(runErr, s.app.Close())
}

func (s *Server) Addr() string { return s.app.Addr() }

func (s *Server) URL() string { return "http://" + s.app.Addr() }

// Store returns the underlying store for direct reads.
func (s *Server) Store() *sqlite.Store { return s.app.Store }
