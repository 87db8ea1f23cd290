// Package lease is the write path for reservations and build slots. It
// commits to the store first and then mirrors the outcome into the archive
// and onto the event bus. The store is the source of truth: an archive
// failure is logged and the lease stands.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/archive"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/names"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Archiver is the part of *archive.Archive the service writes through.
type Archiver interface {
	WriteProject(ctx context.Context, p core.Project) error
	RecordReservations(ctx context.Context, slug string, action archive.Action, agent string, leases []core.FileReservation) error
	RecordSlot(ctx context.Context, slug string, action archive.Action, slot core.BuildSlot) error
}

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

type Service struct {
	store   storage.Store
	archive Archiver
	bus     Broadcaster
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() storage.Store { return s.store }

// EnsureProject stores the project and archives project.json the first
// time it is seen.
func (s *Service) EnsureProject(ctx context.Context, p core.Project) (core.Project, error) {
	_, err := s.store.GetProject(ctx, p.UID)
	isNew := errors.Is(err, core.ErrNotFound)
	if err != nil && !isNew {
		return core.Project{}, err
	}
	stored, err := s.store.EnsureProject(ctx, p)
	if err != nil {
		return core.Project{}, err
	}
	if isNew && s.archive != nil {
		if err := s.archive.WriteProject(ctx, stored); err != nil {
			s.logger.Error("archive project failed", "project", stored.UID, "slug", stored.Slug, "err", err)
		}
	}
	return stored, nil
}

// RegisterAgent registers agent, generating a name when it has none.
func (s *Service) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	if strings.TrimSpace(agent.Name) == "" {
		existing, err := s.store.ListAgents(ctx, agent.Project)
		if err != nil {
			return core.Agent{}, err
		}
		taken := make([]string, 0, len(existing))
		for _, a := range existing {
			taken = append(taken, a.Name)
		}
		agent.Name = names.Unique(taken)
	}
	return s.store.RegisterAgent(ctx, agent)
}

func (s *Service) Reserve(ctx context.Context, req core.ReserveRequest) (core.ReserveResult, error) {
	res, err := s.store.Reserve(ctx, req)
	if err != nil {
		return res, err
	}
	slug := s.slug(ctx, req.Project)
	if len(res.Expired) > 0 {
		s.mirrorExpired(ctx, slug, res.Expired)
	}
	if len(res.Granted) > 0 {
		s.archiveLeases(ctx, slug, archive.ActionGranted, req.Agent, res.Granted)
		s.publishLeases(core.EventReservationGranted, res.Granted)
	}
	if len(res.Conflicts) > 0 {
		s.logger.Debug("reservation conflicts",
			"project", req.Project, "agent", req.Agent, "conflicts", len(res.Conflicts))
	}
	return res, nil
}

func (s *Service) Release(ctx context.Context, project, agent string, patterns []string) ([]core.FileReservation, error) {
	released, err := s.store.Release(ctx, project, agent, patterns)
	if err != nil {
		return nil, err
	}
	s.afterRelease(ctx, project, agent, released)
	return released, nil
}

func (s *Service) ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]core.FileReservation, error) {
	released, err := s.store.ReleaseByID(ctx, project, agent, ids)
	if err != nil {
		return nil, err
	}
	s.afterRelease(ctx, project, agent, released)
	return released, nil
}

func (s *Service) afterRelease(ctx context.Context, project, agent string, released []core.FileReservation) {
	if len(released) == 0 {
		return
	}
	s.archiveLeases(ctx, s.slug(ctx, project), archive.ActionReleased, agent, released)
	s.publishLeases(core.EventReservationReleased, released)
}

func (s *Service) Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]core.FileReservation, error) {
	renewed, err := s.store.Renew(ctx, project, agent, patterns, extendBy)
	if err != nil {
		return nil, err
	}
	if len(renewed) > 0 {
		s.archiveLeases(ctx, s.slug(ctx, project), archive.ActionRenewed, agent, renewed)
		s.publishLeases(core.EventReservationRenewed, renewed)
	}
	return renewed, nil
}

// Reservations lists active leases in project, narrowed to agent when set.
func (s *Service) Reservations(ctx context.Context, project, agent string) ([]core.FileReservation, error) {
	if agent != "" {
		return s.store.AgentReservations(ctx, project, agent)
	}
	return s.store.ActiveReservations(ctx, project)
}

func (s *Service) Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]core.Conflict, error) {
	return s.store.Conflicts(ctx, project, pattern, exclusive, agent)
}

func (s *Service) AcquireSlot(ctx context.Context, req core.SlotRequest) (core.SlotResult, error) {
	res, err := s.store.AcquireSlot(ctx, req)
	if err != nil || res.Slot == nil {
		return res, err
	}
	s.afterSlot(ctx, archive.ActionGranted, core.EventSlotAcquired, *res.Slot)
	return res, nil
}

func (s *Service) RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (core.BuildSlot, error) {
	b, err := s.store.RenewSlot(ctx, project, agent, slot, extendBy)
	if err != nil {
		return b, err
	}
	s.afterSlot(ctx, archive.ActionRenewed, core.EventSlotRenewed, b)
	return b, nil
}

func (s *Service) ReleaseSlot(ctx context.Context, project, agent, slot string) ([]core.BuildSlot, error) {
	released, err := s.store.ReleaseSlot(ctx, project, agent, slot)
	if err != nil {
		return nil, err
	}
	for _, b := range released {
		s.afterSlot(ctx, archive.ActionReleased, core.EventSlotReleased, b)
	}
	return released, nil
}

func (s *Service) afterSlot(ctx context.Context, action archive.Action, ev core.EventType, b core.BuildSlot) {
	if s.archive != nil {
		if err := s.archive.RecordSlot(ctx, s.slug(ctx, b.Project), action, b); err != nil {
			s.logger.Error("archive slot failed",
				"project", b.Project, "agent", b.Agent, "slot", b.Slot, "action", string(action), "err", err)
		}
	}
	if s.bus != nil {
		s.bus.Broadcast(b.Project, "", core.Event{
			Type: ev, Project: b.Project, Agent: b.Agent, Slot: &b, CreatedAt: s.now().UTC(),
		})
	}
}

// Adopt merges project from into project to.
func (s *Service) Adopt(ctx context.Context, from, to string) (storage.AdoptResult, error) {
	res, err := s.store.AdoptProject(ctx, from, to)
	if err != nil {
		return res, err
	}
	s.logger.Info("adopted project",
		"from", from, "to", to, "agents", res.Agents, "merged_agents", res.MergedAgents,
		"reservations", res.Reservations, "slots", res.Slots)
	return res, nil
}

// OnSweep mirrors a sweep into the archive. Events are published by the
// sweeper itself.
func (s *Service) OnSweep(ctx context.Context, res storage.SweepResult) {
	byProject := make(map[string][]core.FileReservation)
	for _, r := range res.Reservations {
		byProject[r.Project] = append(byProject[r.Project], r)
	}
	for project, leases := range byProject {
		s.archiveByAgent(ctx, s.slug(ctx, project), archive.ActionExpired, leases)
	}
	for _, b := range res.Slots {
		if s.archive == nil {
			break
		}
		if err := s.archive.RecordSlot(ctx, s.slug(ctx, b.Project), archive.ActionExpired, b); err != nil {
			s.logger.Error("archive slot failed",
				"project", b.Project, "agent", b.Agent, "slot", b.Slot, "action", string(archive.ActionExpired), "err", err)
		}
	}
}

// mirrorExpired handles leases that a write call expired lazily.
func (s *Service) mirrorExpired(ctx context.Context, slug string, expired []core.FileReservation) {
	s.archiveByAgent(ctx, slug, archive.ActionExpired, expired)
	s.publishLeases(core.EventReservationExpired, expired)
}

func (s *Service) archiveByAgent(ctx context.Context, slug string, action archive.Action, leases []core.FileReservation) {
	byAgent := make(map[string][]core.FileReservation)
	var order []string
	for _, r := range leases {
		if _, ok := byAgent[r.Agent]; !ok {
			order = append(order, r.Agent)
		}
		byAgent[r.Agent] = append(byAgent[r.Agent], r)
	}
	for _, agent := range order {
		s.archiveLeases(ctx, slug, action, agent, byAgent[agent])
	}
}

func (s *Service) archiveLeases(ctx context.Context, slug string, action archive.Action, agent string, leases []core.FileReservation) {
	if s.archive == nil || len(leases) == 0 {
		return
	}
	if err := s.archive.RecordReservations(ctx, slug, action, agent, leases); err != nil {
		for _, r := range leases {
			s.logger.Error("archive reservation failed",
				"project", r.Project, "agent", agent, "pattern", r.PathPattern,
				"action", string(action), "err", err)
		}
	}
}

func (s *Service) publishLeases(ev core.EventType, leases []core.FileReservation) {
	if s.bus == nil {
		return
	}
	now := s.now().UTC()
	for i := range leases {
		r := leases[i]
		s.bus.Broadcast(r.Project, "", core.Event{
			Type: ev, Project: r.Project, Agent: r.Agent, Reservation: &r, CreatedAt: now,
		})
	}
}

// slug falls back to the uid when the project row cannot be read, so the
// archive still gets a stable directory.
func (s *Service) slug(ctx context.Context, project string) string {
	p, err := s.store.GetProject(ctx, project)
	if err != nil || p.Slug == "" {
		return project
	}
	return p.Slug
}

// Loader reads archived leases back.
type Loader interface {
	Projects() ([]string, error)
	LoadProject(slug string) (core.Project, error)
	Load(slug string) ([]core.FileReservation, error)
}

// RebuildResult counts what Rebuild restored.
type RebuildResult struct {
	Projects     int `json:"projects"`
	Reservations int `json:"reservations"`
}

// Rebuild re-imports archived projects and leases into the store. With no
// slugs every archived project is restored.
func (s *Service) Rebuild(ctx context.Context, src Loader, slugs ...string) (RebuildResult, error) {
	var res RebuildResult
	if len(slugs) == 0 {
		all, err := src.Projects()
		if err != nil {
			return res, fmt.Errorf("list archived projects: %w", err)
		}
		slugs = all
	}
	for _, slug := range slugs {
		p, err := src.LoadProject(slug)
		if err != nil {
			return res, err
		}
		if _, err := s.store.EnsureProject(ctx, p); err != nil {
			return res, fmt.Errorf("restore project %s: %w", slug, err)
		}
		leases, err := src.Load(slug)
		if err != nil {
			return res, fmt.Errorf("load %s: %w", slug, err)
		}
		n, err := s.store.ImportReservations(ctx, leases)
		if err != nil {
			return res, fmt.Errorf("import %s: %w", slug, err)
		}
		res.Projects++
		res.Reservations += n
		s.logger.Info("rebuilt project from archive", "slug", slug, "reservations", n)
	}
	return res, nil
}
