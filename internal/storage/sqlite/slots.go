package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

const slotColumns = `id, project_uid, agent_name, slot, exclusive, reason, created_at, expires_at, heartbeat_at, released_at`

func scanSlot(row scanner) (core.BuildSlot, error) {
	var (
		b                                 core.BuildSlot
		exclusive                         int
		createdAt, expiresAt, heartbeatAt string
		releasedAt                        sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Project, &b.Agent, &b.Slot, &exclusive, &b.Reason, &createdAt, &expiresAt, &heartbeatAt, &releasedAt); err != nil {
		return core.BuildSlot{}, err
	}
	b.Exclusive = exclusive != 0
	b.CreatedAt = parseTime(createdAt)
	b.ExpiresAt = parseTime(expiresAt)
	b.HeartbeatAt = parseTime(heartbeatAt)
	b.ReleasedAt = parseNullTime(releasedAt)
	return b, nil
}

func querySlots(ctx context.Context, q queryer, query string, args ...any) ([]core.BuildSlot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.BuildSlot
	for rows.Next() {
		b, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func expireSlots(ctx context.Context, tx *sql.Tx, project string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE build_slots SET released_at = expires_at
		 WHERE project_uid = ? AND released_at IS NULL AND expires_at <= ?`,
		project, formatTime(now))
	return err
}

func activeSlotHolders(ctx context.Context, tx *sql.Tx, project, slot string, now time.Time) ([]core.BuildSlot, error) {
	return querySlots(ctx, tx,
		`SELECT `+slotColumns+` FROM build_slots
		 WHERE project_uid = ? AND slot = ? AND `+activeLease+` ORDER BY created_at ASC`,
		project, slot, formatTime(now))
}

// AcquireSlot takes a named build slot. An agent that already holds the slot
// gets it back with a fresh expiry.
func (s *Store) AcquireSlot(ctx context.Context, req core.SlotRequest) (core.SlotResult, error) {
	var result core.SlotResult
	req.Slot = strings.TrimSpace(req.Slot)
	if req.Project == "" || req.Agent == "" || req.Slot == "" {
		return result, fmt.Errorf("project, agent and slot required: %w", core.ErrInvalidRequest)
	}
	ttl, err := storage.ResolveTTL(req.TTL, s.defaultTTL)
	if err != nil {
		return result, fmt.Errorf("ttl %s: %w", req.TTL, err)
	}
	now := s.clock()

	err = s.withTx(ctx, "acquire slot", func(tx *sql.Tx) error {
		if err := expireSlots(ctx, tx, req.Project, now); err != nil {
			return storeErr("expire slots", err)
		}
		if _, err := projectIgnoreCase(ctx, tx, req.Project); err != nil {
			return err
		}
		if err := requireAgent(ctx, tx, req.Project, req.Agent); err != nil {
			return err
		}
		holders, err := activeSlotHolders(ctx, tx, req.Project, req.Slot, now)
		if err != nil {
			return storeErr("load slot holders", err)
		}
		var (
			own       *core.BuildSlot
			conflicts []core.Conflict
		)
		for i := range holders {
			h := holders[i]
			if h.Agent == req.Agent {
				own = &holders[i]
				continue
			}
			if req.Exclusive || h.Exclusive {
				conflicts = append(conflicts, core.Conflict{
					Pattern:       req.Slot,
					HolderPattern: h.Slot,
					ReservationID: h.ID,
					Holder:        h.Agent,
					Exclusive:     h.Exclusive,
					ExpiresAt:     h.ExpiresAt,
					Reason:        h.Reason,
				})
			}
		}
		if len(conflicts) > 0 {
			result = core.SlotResult{Conflicts: conflicts}
			return nil
		}
		if own != nil {
			// re-acquire refreshes the caller's row; a shared row is upgraded
			// when exclusivity is asked for and nobody else holds the slot
			own.ExpiresAt = now.Add(ttl)
			own.HeartbeatAt = now
			own.Exclusive = own.Exclusive || req.Exclusive
			if _, err := tx.ExecContext(ctx,
				`UPDATE build_slots SET expires_at = ?, heartbeat_at = ?, exclusive = ? WHERE id = ?`,
				formatTime(own.ExpiresAt), formatTime(now), boolInt(own.Exclusive), own.ID); err != nil {
				return storeErr("refresh slot", err)
			}
			result = core.SlotResult{Slot: own}
			return nil
		}
		slot := core.BuildSlot{
			ID:          uuid.NewString(),
			Project:     req.Project,
			Agent:       req.Agent,
			Slot:        req.Slot,
			Exclusive:   req.Exclusive,
			Reason:      req.Reason,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			HeartbeatAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO build_slots (`+slotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			slot.ID, slot.Project, slot.Agent, slot.Slot, boolInt(slot.Exclusive), slot.Reason,
			formatTime(slot.CreatedAt), formatTime(slot.ExpiresAt), formatTime(slot.HeartbeatAt),
		); err != nil {
			return storeErr("insert slot", err)
		}
		result = core.SlotResult{Slot: &slot}
		return nil
	})
	if err != nil {
		return core.SlotResult{}, err
	}
	return result, nil
}

// RenewSlot records a heartbeat. The expiry moves to now+extendBy and never
// shrinks.
func (s *Store) RenewSlot(ctx context.Context, project, agent, slot string, extendBy time.Duration) (core.BuildSlot, error) {
	ttl, err := storage.ResolveTTL(extendBy, s.defaultTTL)
	if err != nil {
		return core.BuildSlot{}, fmt.Errorf("extend by %s: %w", extendBy, err)
	}
	now := s.clock()
	var renewed core.BuildSlot
	err = s.withTx(ctx, "renew slot", func(tx *sql.Tx) error {
		if err := expireSlots(ctx, tx, project, now); err != nil {
			return storeErr("expire slots", err)
		}
		holders, err := activeSlotHolders(ctx, tx, project, slot, now)
		if err != nil {
			return storeErr("load slot holders", err)
		}
		for _, h := range holders {
			if h.Agent != agent {
				continue
			}
			if next := now.Add(ttl); next.After(h.ExpiresAt) {
				h.ExpiresAt = next
			}
			h.HeartbeatAt = now
			if _, err := tx.ExecContext(ctx,
				`UPDATE build_slots SET expires_at = ?, heartbeat_at = ? WHERE id = ?`,
				formatTime(h.ExpiresAt), formatTime(now), h.ID); err != nil {
				return storeErr("renew slot", err)
			}
			renewed = h
			return nil
		}
		if len(holders) > 0 {
			return fmt.Errorf("slot %s held by %s: %w", slot, holders[0].Agent, core.ErrNotHolder)
		}
		return fmt.Errorf("slot %s: %w", slot, core.ErrNotFound)
	})
	if err != nil {
		return core.BuildSlot{}, err
	}
	return renewed, nil
}

// ReleaseSlot is idempotent: releasing a slot the agent no longer holds
// returns nothing.
func (s *Store) ReleaseSlot(ctx context.Context, project, agent, slot string) ([]core.BuildSlot, error) {
	now := s.clock()
	var released []core.BuildSlot
	err := s.withTx(ctx, "release slot", func(tx *sql.Tx) error {
		if err := expireSlots(ctx, tx, project, now); err != nil {
			return storeErr("expire slots", err)
		}
		holders, err := activeSlotHolders(ctx, tx, project, slot, now)
		if err != nil {
			return storeErr("load slot holders", err)
		}
		for _, h := range holders {
			if h.Agent != agent {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE build_slots SET released_at = ? WHERE id = ?`, formatTime(now), h.ID); err != nil {
				return storeErr("release slot", err)
			}
			t := now
			h.ReleasedAt = &t
			released = append(released, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *Store) ActiveSlots(ctx context.Context, project string) ([]core.BuildSlot, error) {
	out, err := querySlots(ctx, s.db,
		`SELECT `+slotColumns+` FROM build_slots
		 WHERE project_uid = ? AND `+activeLease+` ORDER BY slot ASC, created_at ASC`,
		project, formatTime(s.clock()))
	return out, storeErr("active slots", err)
}
