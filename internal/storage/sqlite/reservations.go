package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
	"github.com/mistakeknot/interlock/internal/storage"
)

const reservationColumns = `id, project_uid, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at`

// activeLease is the SQL predicate for an unreleased, unexpired lease. It
// takes the current time as its single argument.
const activeLease = `released_at IS NULL AND expires_at > ?`

func scanReservation(row scanner) (core.FileReservation, error) {
	var (
		r                    core.FileReservation
		exclusive            int
		createdAt, expiresAt string
		releasedAt           sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Project, &r.Agent, &r.PathPattern, &exclusive, &r.Reason, &createdAt, &expiresAt, &releasedAt); err != nil {
		return core.FileReservation{}, err
	}
	r.Exclusive = exclusive != 0
	r.CreatedAt = parseTime(createdAt)
	r.ExpiresAt = parseTime(expiresAt)
	r.ReleasedAt = parseNullTime(releasedAt)
	return r, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryReservations(ctx context.Context, q queryer, query string, args ...any) ([]core.FileReservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.FileReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// normalizePatterns validates every pattern and returns them normalized and
// deduplicated in request order. One bad pattern rejects the whole set.
func normalizePatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if err := glob.Validate(p); err != nil {
			return nil, err
		}
		n := glob.Normalize(p)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// leaseConflicts returns the active leases that block pattern for agent. A
// lease blocks when it belongs to someone else, either side is exclusive and
// the patterns may overlap. Patterns the matcher cannot compare are assumed
// to overlap.
func leaseConflicts(pattern string, exclusive bool, agent string, active []core.FileReservation, ignoreCase bool) []core.Conflict {
	var out []core.Conflict
	for _, held := range active {
		if held.Agent == agent {
			continue
		}
		if !exclusive && !held.Exclusive {
			continue
		}
		overlap, err := glob.Overlaps(pattern, held.PathPattern, ignoreCase)
		if err != nil {
			overlap = true
		}
		if !overlap {
			continue
		}
		out = append(out, core.Conflict{
			Pattern:       pattern,
			HolderPattern: held.PathPattern,
			ReservationID: held.ID,
			Holder:        held.Agent,
			Exclusive:     held.Exclusive,
			ExpiresAt:     held.ExpiresAt,
			Reason:        held.Reason,
		})
	}
	return out
}

// expireReservations marks the project's stale leases released at their
// expiry time and returns them. It is a write, so it doubles as the statement
// that takes SQLite's write lock at the start of a transaction.
func expireReservations(ctx context.Context, tx *sql.Tx, project string, now time.Time) ([]core.FileReservation, error) {
	return queryReservations(ctx, tx,
		`UPDATE file_reservations SET released_at = expires_at
		 WHERE project_uid = ? AND released_at IS NULL AND expires_at <= ?
		 RETURNING `+reservationColumns,
		project, formatTime(now))
}

func projectIgnoreCase(ctx context.Context, tx *sql.Tx, project string) (bool, error) {
	var ignoreCase int
	err := tx.QueryRowContext(ctx, `SELECT ignore_case FROM projects WHERE uid = ?`, project).Scan(&ignoreCase)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("project %s: %w", project, core.ErrNotFound)
	}
	if err != nil {
		return false, storeErr("read project", err)
	}
	return ignoreCase != 0, nil
}

func requireAgent(ctx context.Context, tx *sql.Tx, project, agent string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE project_uid = ? AND name = ?`, project, agent).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", agent, core.ErrAgentNotRegistered)
	}
	return storeErr("read agent", err)
}

// Reserve grants each pattern that does not conflict with another agent's
// active lease. The check and the inserts happen in one transaction.
func (s *Store) Reserve(ctx context.Context, req core.ReserveRequest) (core.ReserveResult, error) {
	var result core.ReserveResult
	if req.Project == "" || strings.TrimSpace(req.Agent) == "" {
		return result, fmt.Errorf("project and agent required: %w", core.ErrInvalidRequest)
	}
	if len(req.Patterns) == 0 {
		return result, fmt.Errorf("at least one pattern required: %w", core.ErrInvalidRequest)
	}
	patterns, err := normalizePatterns(req.Patterns)
	if err != nil {
		return result, err
	}
	ttl, err := storage.ResolveTTL(req.TTL, s.defaultTTL)
	if err != nil {
		return result, fmt.Errorf("ttl %s: %w", req.TTL, err)
	}
	now := s.clock()
	expires := now.Add(ttl)

	err = s.withTx(ctx, "reserve", func(tx *sql.Tx) error {
		expired, err := expireReservations(ctx, tx, req.Project, now)
		if err != nil {
			return storeErr("expire reservations", err)
		}
		ignoreCase, err := projectIgnoreCase(ctx, tx, req.Project)
		if err != nil {
			return err
		}
		if err := requireAgent(ctx, tx, req.Project, req.Agent); err != nil {
			return err
		}
		active, err := queryReservations(ctx, tx,
			`SELECT `+reservationColumns+` FROM file_reservations
			 WHERE project_uid = ? AND `+activeLease+` ORDER BY created_at ASC`,
			req.Project, formatTime(now))
		if err != nil {
			return storeErr("load active reservations", err)
		}

		var granted []core.FileReservation
		var conflicts []core.Conflict
		for _, pattern := range patterns {
			if c := leaseConflicts(pattern, req.Exclusive, req.Agent, active, ignoreCase); len(c) > 0 {
				conflicts = append(conflicts, c...)
				continue
			}
			lease := core.FileReservation{
				ID:          uuid.NewString(),
				Project:     req.Project,
				Agent:       req.Agent,
				PathPattern: pattern,
				Exclusive:   req.Exclusive,
				Reason:      req.Reason,
				CreatedAt:   now,
				ExpiresAt:   expires,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
				lease.ID, lease.Project, lease.Agent, lease.PathPattern, boolInt(lease.Exclusive), lease.Reason,
				formatTime(lease.CreatedAt), formatTime(lease.ExpiresAt),
			); err != nil {
				return storeErr("insert reservation", err)
			}
			granted = append(granted, lease)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET last_seen = ? WHERE project_uid = ? AND name = ?`,
			formatTime(now), req.Project, req.Agent); err != nil {
			return storeErr("touch agent", err)
		}
		result = core.ReserveResult{Granted: granted, Conflicts: conflicts, Expired: expired}
		return nil
	})
	if err != nil {
		return core.ReserveResult{}, err
	}
	return result, nil
}

// Release marks the agent's active leases released. Empty patterns release
// all of them. Leases already released or expired are skipped, so a repeated
// call returns nothing.
func (s *Store) Release(ctx context.Context, project, agent string, patterns []string) ([]core.FileReservation, error) {
	if project == "" || agent == "" {
		return nil, fmt.Errorf("project and agent required: %w", core.ErrInvalidRequest)
	}
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if n := glob.Normalize(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(patterns) > 0 && len(normalized) == 0 {
		return nil, nil
	}
	query := `SELECT ` + reservationColumns + ` FROM file_reservations
		WHERE project_uid = ? AND agent_name = ? AND ` + activeLease
	return s.releaseMatching(ctx, "release", query, "path_pattern", project, agent, normalized)
}

// ReleaseByID releases specific leases. Ids held by another agent fail the
// whole call with core.ErrNotHolder.
func (s *Store) ReleaseByID(ctx context.Context, project, agent string, ids []string) ([]core.FileReservation, error) {
	if project == "" || agent == "" || len(ids) == 0 {
		return nil, fmt.Errorf("project, agent and ids required: %w", core.ErrInvalidRequest)
	}
	query := `SELECT ` + reservationColumns + ` FROM file_reservations
		WHERE project_uid = ? AND ` + activeLease
	return s.releaseMatching(ctx, "release by id", query, "id", project, agent, ids)
}

func (s *Store) releaseMatching(ctx context.Context, op, query, column, project, agent string, values []string) ([]core.FileReservation, error) {
	now := s.clock()
	var released []core.FileReservation
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := expireReservations(ctx, tx, project, now); err != nil {
			return storeErr("expire reservations", err)
		}
		args := []any{project}
		if column == "path_pattern" {
			args = append(args, agent)
		}
		args = append(args, formatTime(now))
		q := query
		if len(values) > 0 {
			q += ` AND ` + column + ` IN (` + inPlaceholders(len(values)) + `)`
			for _, v := range values {
				args = append(args, v)
			}
		}
		rows, err := queryReservations(ctx, tx, q, args...)
		if err != nil {
			return storeErr("load reservations", err)
		}
		for _, r := range rows {
			if r.Agent != agent {
				return fmt.Errorf("reservation %s held by %s: %w", r.ID, r.Agent, core.ErrNotHolder)
			}
		}
		for i := range rows {
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET released_at = ? WHERE id = ?`, formatTime(now), rows[i].ID); err != nil {
				return storeErr("release reservation", err)
			}
			t := now
			rows[i].ReleasedAt = &t
		}
		released = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Renew pushes the expiry of the agent's own active leases out by extendBy.
// Empty patterns renew every lease the agent holds.
func (s *Store) Renew(ctx context.Context, project, agent string, patterns []string, extendBy time.Duration) ([]core.FileReservation, error) {
	if project == "" || agent == "" {
		return nil, fmt.Errorf("project and agent required: %w", core.ErrInvalidRequest)
	}
	ttl, err := storage.ResolveTTL(extendBy, s.defaultTTL)
	if err != nil {
		return nil, fmt.Errorf("extend by %s: %w", extendBy, err)
	}
	now := s.clock()
	var renewed []core.FileReservation
	err = s.withTx(ctx, "renew", func(tx *sql.Tx) error {
		if _, err := expireReservations(ctx, tx, project, now); err != nil {
			return storeErr("expire reservations", err)
		}
		q := `SELECT ` + reservationColumns + ` FROM file_reservations
			WHERE project_uid = ? AND agent_name = ? AND ` + activeLease
		args := []any{project, agent, formatTime(now)}
		if len(patterns) > 0 {
			q += ` AND path_pattern IN (` + inPlaceholders(len(patterns)) + `)`
			for _, p := range patterns {
				args = append(args, glob.Normalize(p))
			}
		}
		rows, err := queryReservations(ctx, tx, q+` ORDER BY created_at ASC`, args...)
		if err != nil {
			return storeErr("load reservations", err)
		}
		for i := range rows {
			base := rows[i].ExpiresAt
			if base.Before(now) {
				base = now
			}
			rows[i].ExpiresAt = base.Add(ttl)
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET expires_at = ? WHERE id = ?`, formatTime(rows[i].ExpiresAt), rows[i].ID); err != nil {
				return storeErr("renew reservation", err)
			}
		}
		renewed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (core.FileReservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM file_reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.FileReservation{}, fmt.Errorf("reservation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.FileReservation{}, storeErr("get reservation", err)
	}
	return r, nil
}

func (s *Store) ActiveReservations(ctx context.Context, project string) ([]core.FileReservation, error) {
	out, err := queryReservations(ctx, s.db,
		`SELECT `+reservationColumns+` FROM file_reservations
		 WHERE project_uid = ? AND `+activeLease+` ORDER BY created_at ASC, path_pattern ASC`,
		project, formatTime(s.clock()))
	return out, storeErr("active reservations", err)
}

func (s *Store) AgentReservations(ctx context.Context, project, agent string) ([]core.FileReservation, error) {
	out, err := queryReservations(ctx, s.db,
		`SELECT `+reservationColumns+` FROM file_reservations
		 WHERE project_uid = ? AND agent_name = ? AND `+activeLease+` ORDER BY created_at ASC, path_pattern ASC`,
		project, agent, formatTime(s.clock()))
	return out, storeErr("agent reservations", err)
}

// ExclusiveHolders lists the active exclusive leases of a project. It never
// writes, so it works on a read-only handle.
func (s *Store) ExclusiveHolders(ctx context.Context, project string) ([]core.FileReservation, error) {
	out, err := queryReservations(ctx, s.db,
		`SELECT `+reservationColumns+` FROM file_reservations
		 WHERE project_uid = ? AND exclusive = 1 AND `+activeLease+` ORDER BY created_at ASC, path_pattern ASC`,
		project, formatTime(s.clock()))
	return out, storeErr("exclusive holders", err)
}

// Conflicts reports what a reservation of pattern would collide with,
// without taking it.
func (s *Store) Conflicts(ctx context.Context, project, pattern string, exclusive bool, agent string) ([]core.Conflict, error) {
	if err := glob.Validate(pattern); err != nil {
		return nil, err
	}
	p, err := s.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	active, err := s.ActiveReservations(ctx, project)
	if err != nil {
		return nil, err
	}
	return leaseConflicts(glob.Normalize(pattern), exclusive, agent, active, p.IgnoreCase), nil
}

// ImportReservations upserts leases by id. Agents referenced by the leases
// are registered when missing. Leases of unknown projects are skipped.
func (s *Store) ImportReservations(ctx context.Context, leases []core.FileReservation) (int, error) {
	if len(leases) == 0 {
		return 0, nil
	}
	now := s.clock()
	imported := 0
	err := s.withTx(ctx, "import reservations", func(tx *sql.Tx) error {
		for _, r := range leases {
			if r.ID == "" || r.Project == "" || r.Agent == "" || r.PathPattern == "" {
				continue
			}
			if !r.ExpiresAt.After(r.CreatedAt) {
				continue
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO file_reservations (`+reservationColumns+`)
				 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM projects WHERE uid = ?)
				 ON CONFLICT(id) DO UPDATE SET
				   expires_at = excluded.expires_at,
				   released_at = excluded.released_at,
				   reason = excluded.reason`,
				r.ID, r.Project, r.Agent, glob.Normalize(r.PathPattern), boolInt(r.Exclusive), r.Reason,
				formatTime(r.CreatedAt), formatTime(r.ExpiresAt), nullTime(r.ReleasedAt), r.Project,
			)
			if err != nil {
				return storeErr("import reservation", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			imported++
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO agents (project_uid, name, registered_at, last_seen) VALUES (?, ?, ?, ?)`,
				r.Project, r.Agent, formatTime(now), formatTime(r.CreatedAt)); err != nil {
				return storeErr("import agent", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}

// SweepExpired marks every lease and slot whose expiry is at or before now
// as released and returns what it marked.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	var res storage.SweepResult
	err := s.withTx(ctx, "sweep", func(tx *sql.Tx) error {
		leases, err := queryReservations(ctx, tx,
			`UPDATE file_reservations SET released_at = expires_at
			 WHERE released_at IS NULL AND expires_at <= ?
			 RETURNING `+reservationColumns,
			formatTime(now))
		if err != nil {
			return storeErr("sweep reservations", err)
		}
		slots, err := querySlots(ctx, tx,
			`UPDATE build_slots SET released_at = expires_at
			 WHERE released_at IS NULL AND expires_at <= ?
			 RETURNING `+slotColumns,
			formatTime(now))
		if err != nil {
			return storeErr("sweep slots", err)
		}
		res = storage.SweepResult{Reservations: leases, Slots: slots}
		return nil
	})
	return res, err
}
