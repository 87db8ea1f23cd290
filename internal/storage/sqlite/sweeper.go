package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Expirer is the part of the store the sweeper drives.
type Expirer interface {
	SweepExpired(ctx context.Context, now time.Time) (storage.SweepResult, error)
}

// SweepHook is told about every non-empty sweep, after the events are sent.
type SweepHook func(ctx context.Context, res storage.SweepResult)

// Sweeper runs a background goroutine that periodically marks expired leases
// and build slots as released.
type Sweeper struct {
	store    Expirer
	bus      Broadcaster
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	hooks    []SweepHook
	cancel   context.CancelFunc
	done     chan struct{}
}

type SweeperOption func(*Sweeper)

func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(sw *Sweeper) { sw.logger = logging.OrNop(l) }
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(sw *Sweeper) { sw.now = now }
}

func WithSweepHook(h SweepHook) SweeperOption {
	return func(sw *Sweeper) { sw.hooks = append(sw.hooks, h) }
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store Expirer, bus Broadcaster, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	sw := &Sweeper{
		store:    store,
		bus:      bus,
		interval: interval,
		logger:   logging.Nop(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
		<-sw.done
	}
}

// RunOnce performs a single sweep in the caller's goroutine.
func (sw *Sweeper) RunOnce(ctx context.Context) (storage.SweepResult, error) {
	res, err := sw.store.SweepExpired(ctx, sw.now().UTC())
	if err != nil {
		return res, err
	}
	if res.Empty() {
		return res, nil
	}
	sw.logger.Info("swept expired leases",
		"reservations", len(res.Reservations),
		"slots", len(res.Slots))
	sw.publish(res)
	for _, h := range sw.hooks {
		h(ctx, res)
	}
	return res, nil
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	if _, err := sw.RunOnce(ctx); err != nil && ctx.Err() == nil {
		sw.logger.Error("sweep failed", "err", err)
	}
}

func (sw *Sweeper) publish(res storage.SweepResult) {
	if sw.bus == nil {
		return
	}
	now := sw.now().UTC()
	for i := range res.Reservations {
		r := res.Reservations[i]
		sw.bus.Broadcast(r.Project, "", core.Event{
			Type:        core.EventReservationExpired,
			Project:     r.Project,
			Agent:       r.Agent,
			Reservation: &r,
			CreatedAt:   now,
		})
	}
	for i := range res.Slots {
		b := res.Slots[i]
		sw.bus.Broadcast(b.Project, "", core.Event{
			Type:      core.EventSlotExpired,
			Project:   b.Project,
			Agent:     b.Agent,
			Slot:      &b,
			CreatedAt: now,
		})
	}
}
