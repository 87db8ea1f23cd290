package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClockedStore(t *testing.T) (*Store, *TestClock) {
	t.Helper()
	clock := NewTestClock(t0)
	st := NewSQLiteTest(t, WithClock(clock.Now))
	SeedProject(t, st, "proj", "RedCat", "BlueLake")
	return st, clock
}

func TestReserveAndConflict(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()

	res, err := st.Reserve(ctx, core.ReserveRequest{
		Project: "proj", Agent: "RedCat", Patterns: []string{"src/api/**"},
		TTL: time.Hour, Exclusive: true, Reason: "refactor",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Granted) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("expected one grant, got %+v", res)
	}
	if got := res.Granted[0].ExpiresAt; !got.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expires_at = %s, want %s", got, t0.Add(time.Hour))
	}

	res, err = st.Reserve(ctx, core.ReserveRequest{
		Project: "proj", Agent: "BlueLake", Patterns: []string{"src/api/handlers.go", "docs/**"},
		Exclusive: true,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Granted) != 1 || res.Granted[0].PathPattern != "docs/**" {
		t.Fatalf("expected docs/** granted, got %+v", res.Granted)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Holder != "RedCat" || c.HolderPattern != "src/api/**" || c.Pattern != "src/api/handlers.go" || c.Reason != "refactor" {
		t.Fatalf("unexpected conflict %+v", c)
	}
}

func TestReserveSameAgentNeverConflicts(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := st.Reserve(ctx, core.ReserveRequest{
			Project: "proj", Agent: "RedCat", Patterns: []string{"src/**", "src/main.go"}, Exclusive: true,
		})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if len(res.Conflicts) != 0 || len(res.Granted) != 2 {
			t.Fatalf("round %d: expected 2 grants, got %+v", i, res)
		}
	}
}

func TestReserveSharedLeasesCoexist(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	for _, agent := range []string{"RedCat", "BlueLake"} {
		res, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: agent, Patterns: []string{"docs/**"}})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if len(res.Granted) != 1 {
			t.Fatalf("%s: shared lease should be granted, got %+v", agent, res)
		}
	}
	res, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"docs/a.md"}, Exclusive: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Holder != "BlueLake" {
		t.Fatalf("exclusive over a foreign shared lease should conflict, got %+v", res)
	}
}

func TestReserveRejectsInvalidPatternAtomically(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	_, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"ok/**", "../escape"}})
	if !errors.Is(err, core.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	active, err := st.ActiveReservations(ctx, "proj")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("nothing should be stored, got %+v", active)
	}
}

func TestReserveRequiresRegisteredAgent(t *testing.T) {
	st, _ := newClockedStore(t)
	_, err := st.Reserve(context.Background(), core.ReserveRequest{Project: "proj", Agent: "Ghost", Patterns: []string{"a"}})
	if !errors.Is(err, core.ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
	if errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatal("a domain error must not look like an outage")
	}
}

func TestReserveNormalizesAndDedupes(t *testing.T) {
	st, _ := newClockedStore(t)
	res, err := st.Reserve(context.Background(), core.ReserveRequest{
		Project: "proj", Agent: "RedCat", Patterns: []string{"./src//lib/", "src/lib"},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Granted) != 1 || res.Granted[0].PathPattern != "src/lib" {
		t.Fatalf("expected a single src/lib lease, got %+v", res.Granted)
	}
}

func TestReserveNegativeTTL(t *testing.T) {
	st, _ := newClockedStore(t)
	_, err := st.Reserve(context.Background(), core.ReserveRequest{
		Project: "proj", Agent: "RedCat", Patterns: []string{"a"}, TTL: -time.Second,
	})
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExpiredLeaseDoesNotBlock(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()
	if _, err := st.Reserve(ctx, core.ReserveRequest{
		Project: "proj", Agent: "RedCat", Patterns: []string{"src/**"}, TTL: time.Minute, Exclusive: true,
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(2 * time.Minute)

	res, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "BlueLake", Patterns: []string{"src/x.go"}, Exclusive: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Granted) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("expired lease should not block, got %+v", res)
	}
	if len(res.Expired) != 1 || res.Expired[0].Agent != "RedCat" {
		t.Fatalf("expected the stale lease to be reported as expired, got %+v", res.Expired)
	}
	if res.Expired[0].ReleasedAt == nil || !res.Expired[0].ReleasedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expired lease should be released at its expiry, got %v", res.Expired[0].ReleasedAt)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"a/**", "b/**"}, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	released, err := st.Release(ctx, "proj", "RedCat", []string{"a/**"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 1 || released[0].ReleasedAt == nil {
		t.Fatalf("expected a/** released, got %+v", released)
	}
	again, err := st.Release(ctx, "proj", "RedCat", []string{"a/**"})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second release should be a no-op, got %+v", again)
	}
	all, err := st.Release(ctx, "proj", "RedCat", nil)
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(all) != 1 || all[0].PathPattern != "b/**" {
		t.Fatalf("release all should take b/**, got %+v", all)
	}
}

func TestReleaseByIDRejectsForeignLease(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	res, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"a"}, Exclusive: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	id := res.Granted[0].ID
	if _, err := st.ReleaseByID(ctx, "proj", "BlueLake", []string{id}); !errors.Is(err, core.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	released, err := st.ReleaseByID(ctx, "proj", "RedCat", []string{id})
	if err != nil {
		t.Fatalf("release by id: %v", err)
	}
	if len(released) != 1 || released[0].ID != id {
		t.Fatalf("expected %s released, got %+v", id, released)
	}
}

func TestRenewExtendsOwnLeases(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"a"}, TTL: time.Minute}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(30 * time.Second)
	renewed, err := st.Renew(ctx, "proj", "RedCat", nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	want := t0.Add(time.Minute + 10*time.Minute)
	if len(renewed) != 1 || !renewed[0].ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %+v", want, renewed)
	}
	other, err := st.Renew(ctx, "proj", "BlueLake", []string{"a"}, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("an agent must not renew another agent's lease, got %+v", other)
	}
}

func TestConflictsProbeIsReadOnly(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"src/*.go"}, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	conflicts, err := st.Conflicts(ctx, "proj", "src/main.go", true, "BlueLake")
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", conflicts)
	}
	own, err := st.Conflicts(ctx, "proj", "src/main.go", true, "RedCat")
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(own) != 0 {
		t.Fatalf("own leases are not conflicts, got %+v", own)
	}
	active, _ := st.ActiveReservations(ctx, "proj")
	if len(active) != 1 {
		t.Fatalf("probe must not store anything, got %d leases", len(active))
	}
}

func TestIgnoreCaseProjectFoldsConflicts(t *testing.T) {
	clock := NewTestClock(t0)
	st := NewSQLiteTest(t, WithClock(clock.Now))
	ctx := context.Background()
	if _, err := st.EnsureProject(ctx, core.Project{UID: "mac", Slug: "mac", CanonicalSource: "dir:/x", IdentityMode: core.IdentityDir, IgnoreCase: true}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, a := range []string{"RedCat", "BlueLake"} {
		if _, err := st.RegisterAgent(ctx, core.Agent{Project: "mac", Name: a}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "mac", Agent: "RedCat", Patterns: []string{"Docs/**"}, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := st.Reserve(ctx, core.ReserveRequest{Project: "mac", Agent: "BlueLake", Patterns: []string{"docs/readme.md"}, Exclusive: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("case-insensitive project should conflict, got %+v", res)
	}
}

func TestExclusiveHoldersSkipsSharedAndReleased(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	_, _ = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"x/**"}, Exclusive: true})
	_, _ = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"y/**"}, Exclusive: true})
	_, _ = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "BlueLake", Patterns: []string{"z/**"}})
	if _, err := st.Release(ctx, "proj", "RedCat", []string{"y/**"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	holders, err := st.ExclusiveHolders(ctx, "proj")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 || holders[0].PathPattern != "x/**" {
		t.Fatalf("expected only x/**, got %+v", holders)
	}
}

func TestEnsureProjectKeepsIgnoreCaseOn(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	p := core.Project{UID: "u", Slug: "first", CanonicalSource: "dir:/a", IdentityMode: core.IdentityDir, IgnoreCase: true}
	if _, err := st.EnsureProject(ctx, p); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p.IgnoreCase = false
	p.Slug = "second"
	got, err := st.EnsureProject(ctx, p)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !got.IgnoreCase || got.Slug != "first" {
		t.Fatalf("existing row should keep slug and ignore_case, got %+v", got)
	}
}

func TestRegisterAgentUnknownProject(t *testing.T) {
	st := NewSQLiteTest(t)
	_, err := st.RegisterAgent(context.Background(), core.Agent{Project: "nope", Name: "RedCat"})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAgentsOrderByLastSeen(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()
	clock.Advance(time.Minute)
	if err := st.TouchAgent(ctx, "proj", "RedCat"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	agents, err := st.ListAgents(ctx, "proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "RedCat" {
		t.Fatalf("expected RedCat first, got %+v", agents)
	}
	if err := st.TouchAgent(ctx, "proj", "Ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown agent, got %v", err)
	}
}

func TestAdoptProjectMergesAgents(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	SeedProject(t, st, "old", "RedCat", "GreenFox")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "old", Agent: "RedCat", Patterns: []string{"lib/**"}, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := st.AdoptProject(ctx, "old", "proj")
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if res.MergedAgents != 1 || res.Agents != 1 || res.Reservations != 1 {
		t.Fatalf("unexpected adopt result %+v", res)
	}
	if _, err := st.GetProject(ctx, "old"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("source project should be gone, got %v", err)
	}
	agents, _ := st.ListAgents(ctx, "proj")
	if len(agents) != 3 {
		t.Fatalf("expected RedCat, BlueLake and GreenFox, got %+v", agents)
	}
	leases, _ := st.AgentReservations(ctx, "proj", "RedCat")
	if len(leases) != 1 || leases[0].PathPattern != "lib/**" {
		t.Fatalf("lease should follow the agent, got %+v", leases)
	}
}

func TestAdoptProjectUnknown(t *testing.T) {
	st, _ := newClockedStore(t)
	if _, err := st.AdoptProject(context.Background(), "missing", "proj"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildSlots(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()

	got, err := st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "RedCat", Slot: "cargo", TTL: time.Minute, Exclusive: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.Slot == nil || got.Slot.Agent != "RedCat" {
		t.Fatalf("expected RedCat to hold cargo, got %+v", got)
	}

	blocked, err := st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "BlueLake", Slot: "cargo", Exclusive: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if blocked.Slot != nil || len(blocked.Conflicts) != 1 || blocked.Conflicts[0].Holder != "RedCat" {
		t.Fatalf("expected a conflict with RedCat, got %+v", blocked)
	}

	if _, err := st.RenewSlot(ctx, "proj", "BlueLake", "cargo", time.Minute); !errors.Is(err, core.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	clock.Advance(30 * time.Second)
	renewed, err := st.RenewSlot(ctx, "proj", "RedCat", "cargo", 5*time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if want := t0.Add(30*time.Second + 5*time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("renewed expiry = %s, want %s", renewed.ExpiresAt, want)
	}

	released, err := st.ReleaseSlot(ctx, "proj", "RedCat", "cargo")
	if err != nil || len(released) != 1 {
		t.Fatalf("release: %v %+v", err, released)
	}
	again, err := st.ReleaseSlot(ctx, "proj", "RedCat", "cargo")
	if err != nil || len(again) != 0 {
		t.Fatalf("second release should be a no-op: %v %+v", err, again)
	}
	if _, err := st.RenewSlot(ctx, "proj", "RedCat", "cargo", time.Minute); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
}

func TestExclusiveSlotOverCoHeldSharedSlot(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	shared := func(agent string) {
		t.Helper()
		res, err := st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: agent, Slot: "frontend-build", TTL: time.Minute})
		if err != nil || res.Slot == nil {
			t.Fatalf("shared acquire by %s: %v %+v", agent, err, res)
		}
	}
	shared("RedCat")
	shared("BlueLake")

	res, err := st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "BlueLake", Slot: "frontend-build", TTL: time.Minute, Exclusive: true})
	if err != nil {
		t.Fatalf("exclusive acquire: %v", err)
	}
	if res.Slot != nil || len(res.Conflicts) != 1 || res.Conflicts[0].Holder != "RedCat" {
		t.Fatalf("expected a conflict with RedCat, got %+v", res)
	}
	slots, err := st.ActiveSlots(ctx, "proj")
	if err != nil {
		t.Fatalf("active slots: %v", err)
	}
	for _, b := range slots {
		if b.Exclusive {
			t.Fatalf("refused request must not change the held rows: %+v", b)
		}
	}

	if _, err := st.ReleaseSlot(ctx, "proj", "RedCat", "frontend-build"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err = st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "BlueLake", Slot: "frontend-build", TTL: time.Minute, Exclusive: true})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if res.Slot == nil || !res.Slot.Exclusive || len(res.Conflicts) != 0 {
		t.Fatalf("expected BlueLake's row upgraded to exclusive, got %+v", res)
	}
	res, err = st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "RedCat", Slot: "frontend-build", TTL: time.Minute})
	if err != nil {
		t.Fatalf("shared acquire: %v", err)
	}
	if res.Slot != nil || len(res.Conflicts) != 1 || res.Conflicts[0].Holder != "BlueLake" {
		t.Fatalf("expected the upgraded slot to refuse RedCat, got %+v", res)
	}
}

func TestSweepExpired(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()
	_, _ = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"short"}, TTL: time.Minute})
	_, _ = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"long"}, TTL: time.Hour})
	_, _ = st.AcquireSlot(ctx, core.SlotRequest{Project: "proj", Agent: "RedCat", Slot: "build", TTL: time.Minute})
	clock.Advance(5 * time.Minute)

	res, err := st.SweepExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Reservations) != 1 || res.Reservations[0].PathPattern != "short" {
		t.Fatalf("expected short swept, got %+v", res.Reservations)
	}
	if len(res.Slots) != 1 || res.Slots[0].Slot != "build" {
		t.Fatalf("expected build slot swept, got %+v", res.Slots)
	}
	again, err := st.SweepExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !again.Empty() {
		t.Fatalf("second sweep should find nothing, got %+v", again)
	}
}

func TestImportReservations(t *testing.T) {
	st, _ := newClockedStore(t)
	ctx := context.Background()
	released := t0.Add(10 * time.Minute)
	leases := []core.FileReservation{
		{ID: "r1", Project: "proj", Agent: "Archived", PathPattern: "a/**", Exclusive: true, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
		{ID: "r2", Project: "proj", Agent: "RedCat", PathPattern: "b", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour), ReleasedAt: &released},
		{ID: "r3", Project: "unknown", Agent: "RedCat", PathPattern: "c", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	}
	n, err := st.ImportReservations(ctx, leases)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 imported, got %d", n)
	}
	if _, err := st.GetAgent(ctx, "proj", "Archived"); err != nil {
		t.Fatalf("importing should register the holder: %v", err)
	}
	r2, err := st.GetReservation(ctx, "r2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r2.ReleasedAt == nil || !r2.ReleasedAt.Equal(released) {
		t.Fatalf("released_at not preserved: %+v", r2)
	}
	holders, _ := st.ExclusiveHolders(ctx, "proj")
	if len(holders) != 1 || holders[0].ID != "r1" {
		t.Fatalf("expected r1 active, got %+v", holders)
	}
}

func TestFileStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "interlock.db")
	st, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	SeedProject(t, st, "proj", "RedCat")
	if _, err := st.Reserve(context.Background(), core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"a"}, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	st.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()
	holders, err := ro.ExclusiveHolders(context.Background(), "proj")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("expected the lease to survive reopen, got %+v", holders)
	}
	_, err = ro.Reserve(context.Background(), core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"b"}})
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("writes through a read-only handle should fail as unavailable, got %v", err)
	}
}

func TestOpenReadOnlyMissingDatabase(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.db"))
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestResilientStorePassesThrough(t *testing.T) {
	st, _ := newClockedStore(t)
	r := NewResilient(st)
	ctx := context.Background()
	res, err := r.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"a"}, Exclusive: true})
	if err != nil || len(res.Granted) != 1 {
		t.Fatalf("reserve through resilient store: %v %+v", err, res)
	}
	for i := 0; i < 10; i++ {
		_, _ = r.GetReservation(ctx, "missing")
	}
	if r.CircuitBreakerState() != "closed" {
		t.Fatalf("not-found lookups must not trip the breaker, got %s", r.CircuitBreakerState())
	}
}

func TestFrontendScenario(t *testing.T) {
	st, clock := newClockedStore(t)
	ctx := context.Background()

	res, err := st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "RedCat", Patterns: []string{"frontend/**"}, TTL: 3600 * time.Second, Exclusive: true})
	if err != nil || len(res.Granted) != 1 {
		t.Fatalf("RedCat reserve: %v %+v", err, res)
	}

	res, err = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "BlueLake", Patterns: []string{"frontend/login.tsx"}, Exclusive: true})
	if err != nil {
		t.Fatalf("BlueLake reserve: %v", err)
	}
	if len(res.Granted) != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("expected a conflict, got %+v", res)
	}
	if c := res.Conflicts[0]; c.Holder != "RedCat" || c.HolderPattern != "frontend/**" {
		t.Fatalf("conflict should name RedCat and frontend/**, got %+v", c)
	}

	res, err = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "BlueLake", Patterns: []string{"backend/**"}, Exclusive: true})
	if err != nil || len(res.Granted) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("backend/** should be granted: %v %+v", err, res)
	}

	clock.Advance(3601 * time.Second)
	res, err = st.Reserve(ctx, core.ReserveRequest{Project: "proj", Agent: "BlueLake", Patterns: []string{"frontend/login.tsx"}, Exclusive: true})
	if err != nil || len(res.Granted) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("after expiry frontend/login.tsx should be granted: %v %+v", err, res)
	}
}
