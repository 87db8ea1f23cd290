package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// TestClock is a settable clock for WithClock.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start.UTC()}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewSQLiteTest opens an in-memory store closed at test cleanup.
func NewSQLiteTest(t testing.TB, opts ...Option) *Store {
	t.Helper()
	st, err := NewInMemory(opts...)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedProject creates a project and registers the named agents in it.
func SeedProject(t testing.TB, st *Store, uid string, agents ...string) core.Project {
	t.Helper()
	ctx := context.Background()
	p, err := st.EnsureProject(ctx, core.Project{
		UID:             uid,
		Slug:            uid,
		CanonicalSource: "dir:" + uid,
		IdentityMode:    core.IdentityDir,
	})
	if err != nil {
		t.Fatalf("ensure project %s: %v", uid, err)
	}
	for _, name := range agents {
		if _, err := st.RegisterAgent(ctx, core.Agent{Project: uid, Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return p
}
