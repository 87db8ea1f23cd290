// Package storage defines the reservation store contract shared by the
// SQLite implementation, the lease service and the guard.
package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type Event = core.Event

// ProjectStore holds projects and the agents registered with them.
type ProjectStore interface {
	// EnsureProject creates the project on first contact. An existing row
	// keeps its slug and creation time; ignore_case only ever turns on.
	EnsureProject(ctx context.Context, p core.Project) (core.Project, error)
	GetProject(ctx context.Context, uid string) (core.Project, error)
	ListProjects(ctx context.Context) ([]core.Project, error)
	// AdoptProject re-keys every agent, reservation and slot of from onto to
	// and removes from.
	AdoptProject(ctx context.Context, from, to string) (AdoptResult, error)

	RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error)
	GetAgent(ctx context.Context, project, name string) (core.Agent, error)
	ListAgents(ctx context.Context, project string) ([]core.Agent, error)
	TouchAgent(ctx context.Context, project, name string) error
}

// LeaseReader is the read-only view the guard needs.
type LeaseReader interface {
	GetProject(ctx context.Context, uid string) (core.Project, error)
	ExclusiveHolders(ctx context.Context, project string) ([]core.FileReservation, error)
}

// ReservationStore manages file leases.
type ReservationStore interface {
	LeaseReader
	// Reserve checks and inserts every pattern in one atomic unit per call.
	// Conflicts are data in the result, never an error.
	Reserve(ctx context.Context, req core.ReserveRequest) (core.ReserveResult, error)
	// Release is idempotent. Empty patterns release every active lease the
	// agent holds in the project.
	Release(ctx context.Context, project, agent string, patterns []string) ([]core.FileReservation, error)
	ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]core.FileReservation, error)
	Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]core.FileReservation, error)
	GetReservation(ctx context.Context, id string) (core.FileReservation, error)
	ActiveReservations(ctx context.Context, project string) ([]core.FileReservation, error)
	AgentReservations(ctx context.Context, project, agent string) ([]core.FileReservation, error)
	Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]core.Conflict, error)
	ImportReservations(ctx context.Context, leases []core.FileReservation) (int, error)
}

// SlotStore manages build slots.
type SlotStore interface {
	AcquireSlot(ctx context.Context, req core.SlotRequest) (core.SlotResult, error)
	// RenewSlot is the heartbeat; only the holder may renew.
	RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (core.BuildSlot, error)
	ReleaseSlot(ctx context.Context, project, agent, slot string) ([]core.BuildSlot, error)
	ActiveSlots(ctx context.Context, project string) ([]core.BuildSlot, error)
}

type Store interface {
	ProjectStore
	ReservationStore
	SlotStore
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)
	Close() error
}

// SweepResult lists the leases a sweep marked as expired.
type SweepResult struct {
	Reservations []core.FileReservation
	Slots        []core.BuildSlot
}

func (r SweepResult) Empty() bool {
	return len(r.Reservations) == 0 && len(r.Slots) == 0
}

type AdoptResult struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Agents       int    `json:"agents"`
	MergedAgents int    `json:"merged_agents"`
	Reservations int    `json:"reservations"`
	Slots        int    `json:"slots"`
}

// ResolveTTL applies the lease TTL rules: zero means def, negative is
// invalid, anything shorter than a second is rounded up to one.
func ResolveTTL(ttl, def time.Duration) (time.Duration, error) {
	switch {
	case ttl < 0:
		return 0, core.ErrInvalidRequest
	case ttl == 0:
		ttl = def
		if ttl <= 0 {
			ttl = DefaultTTL
		}
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return ttl, nil
}

const (
	DefaultTTL = time.Hour
	MinTTL     = time.Second
)
