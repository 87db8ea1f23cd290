package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/storage"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ storage.Store = (*Store)(nil)

type Store struct {
	db         dbHandle
	now        func() time.Time
	logger     *slog.Logger
	defaultTTL time.Duration
	readOnly   bool
}

type Option func(*Store)

// WithClock replaces time.Now. Tests use it to move past lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithDefaultTTL sets the TTL used when a request leaves it at zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func newStore(db *sql.DB, opts []Option) *Store {
	s := &Store{
		now:        time.Now,
		logger:     logging.Nop(),
		defaultTTL: storage.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.db = &queryLogger{inner: db, logger: s.logger}
	return s
}

// New opens (creating if needed) the database at path. SQLite is single
// writer, so the pool is capped at one connection and every pragma applies
// to it.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &core.StoreError{Op: "create db dir", Err: err}
	}
	db, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, &core.StoreError{Op: "open db", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts), nil
}

func NewInMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, &core.StoreError{Op: "open db", Err: err}
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts), nil
}

// OpenReadOnly opens an existing database without applying the schema. A
// missing file is core.ErrStoreUnavailable: the guard must not treat an
// absent store as "no leases".
func OpenReadOnly(path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &core.StoreError{Op: "open db", Err: err}
	}
	db, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, &core.StoreError{Op: "open db", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &core.StoreError{Op: "open db", Err: err}
	}
	s := newStore(db, opts)
	s.readOnly = true
	return s, nil
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	if readOnly {
		// mode=ro cannot attach to a WAL database whose -shm is missing
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return &core.StoreError{Op: "apply schema", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// withTx runs fn in a transaction. The first statement fn issues should be
// a write so SQLite takes its write lock before any conflict read.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.readOnly {
		return &core.StoreError{Op: op, Err: errors.New("store opened read-only")}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// storeErr marks a database failure as infrastructure so callers can test
// errors.Is(err, core.ErrStoreUnavailable).
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *core.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &core.StoreError{Op: op, Err: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func inPlaceholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
