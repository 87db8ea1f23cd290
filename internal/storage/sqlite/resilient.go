package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to provide resilience against transient SQLite errors (database-is-locked,
// connection failures, etc.).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Inner exposes the wrapped store.
func (r *ResilientStore) Inner() *Store {
	return r.inner
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func (r *ResilientStore) EnsureProject(ctx context.Context, p core.Project) (core.Project, error) {
	var result core.Project
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.EnsureProject(ctx, p)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetProject(ctx context.Context, uid string) (core.Project, error) {
	var result core.Project
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetProject(ctx, uid)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListProjects(ctx context.Context) ([]core.Project, error) {
	var result []core.Project
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListProjects(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AdoptProject(ctx context.Context, from, to string) (storage.AdoptResult, error) {
	var result storage.AdoptResult
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.AdoptProject(ctx, from, to)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	var result core.Agent
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.RegisterAgent(ctx, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	var result core.Agent
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetAgent(ctx, project, name)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	var result []core.Agent
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgents(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) TouchAgent(ctx context.Context, project, name string) error {
	return r.do(ctx, func() error {
		return r.inner.TouchAgent(ctx, project, name)
	})
}

func (r *ResilientStore) Reserve(ctx context.Context, req core.ReserveRequest) (core.ReserveResult, error) {
	var result core.ReserveResult
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Reserve(ctx, req)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Release(ctx context.Context, project, agent string, patterns []string) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Release(ctx, project, agent, patterns)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseByID(ctx, project, agent, ids)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Renew(ctx, project, agent, patterns, extendBy)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetReservation(ctx context.Context, id string) (core.FileReservation, error) {
	var result core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetReservation(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ActiveReservations(ctx context.Context, project string) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ActiveReservations(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AgentReservations(ctx context.Context, project, agent string) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.AgentReservations(ctx, project, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ExclusiveHolders(ctx context.Context, project string) ([]core.FileReservation, error) {
	var result []core.FileReservation
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ExclusiveHolders(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]core.Conflict, error) {
	var result []core.Conflict
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Conflicts(ctx, project, pattern, exclusive, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ImportReservations(ctx context.Context, leases []core.FileReservation) (int, error) {
	var result int
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ImportReservations(ctx, leases)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AcquireSlot(ctx context.Context, req core.SlotRequest) (core.SlotResult, error) {
	var result core.SlotResult
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.AcquireSlot(ctx, req)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (core.BuildSlot, error) {
	var result core.BuildSlot
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.RenewSlot(ctx, project, agent, slot, extendBy)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseSlot(ctx context.Context, project, agent, slot string) ([]core.BuildSlot, error) {
	var result []core.BuildSlot
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseSlot(ctx, project, agent, slot)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ActiveSlots(ctx context.Context, project string) ([]core.BuildSlot, error) {
	var result []core.BuildSlot
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ActiveSlots(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SweepExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	var result storage.SweepResult
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.SweepExpired(ctx, now)
		return innerErr
	})
	return result, err
}
