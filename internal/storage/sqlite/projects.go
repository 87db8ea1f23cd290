package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

const projectColumns = `uid, slug, canonical_source, identity_mode, human_key, ignore_case, created_at`

func scanProject(row scanner) (core.Project, error) {
	var (
		p          core.Project
		mode       string
		ignoreCase int
		createdAt  string
	)
	if err := row.Scan(&p.UID, &p.Slug, &p.CanonicalSource, &mode, &p.HumanKey, &ignoreCase, &createdAt); err != nil {
		return core.Project{}, err
	}
	p.IdentityMode = core.IdentityMode(mode)
	p.IgnoreCase = ignoreCase != 0
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (s *Store) EnsureProject(ctx context.Context, p core.Project) (core.Project, error) {
	if strings.TrimSpace(p.UID) == "" {
		return core.Project{}, fmt.Errorf("project uid required: %w", core.ErrInvalidRequest)
	}
	if p.Slug == "" {
		p.Slug = p.UID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock()
	}
	var out core.Project
	err := s.withTx(ctx, "ensure project", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(uid) DO UPDATE SET ignore_case = MAX(projects.ignore_case, excluded.ignore_case)`,
			p.UID, p.Slug, p.CanonicalSource, string(p.IdentityMode), p.HumanKey, boolInt(p.IgnoreCase), formatTime(p.CreatedAt),
		)
		if err != nil {
			return storeErr("upsert project", err)
		}
		out, err = scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE uid = ?`, p.UID))
		return storeErr("read project", err)
	})
	return out, err
}

func (s *Store) GetProject(ctx context.Context, uid string) (core.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE uid = ?`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Project{}, fmt.Errorf("project %s: %w", uid, core.ErrNotFound)
	}
	if err != nil {
		return core.Project{}, storeErr("get project", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY slug ASC`)
	if err != nil {
		return nil, storeErr("list projects", err)
	}
	defer rows.Close()
	var out []core.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storeErr("scan project", err)
		}
		out = append(out, p)
	}
	return out, storeErr("list projects", rows.Err())
}

// AdoptProject moves everything owned by from onto to. Source agents whose
// names already exist in the target are merged into the target row; their
// leases follow the name.
func (s *Store) AdoptProject(ctx context.Context, from, to string) (storage.AdoptResult, error) {
	res := storage.AdoptResult{From: from, To: to}
	if from == "" || to == "" || from == to {
		return res, fmt.Errorf("adopt %q into %q: %w", from, to, core.ErrInvalidRequest)
	}
	err := s.withTx(ctx, "adopt project", func(tx *sql.Tx) error {
		var srcIgnore, dstIgnore int
		if err := tx.QueryRowContext(ctx, `SELECT ignore_case FROM projects WHERE uid = ?`, from).Scan(&srcIgnore); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %s: %w", from, core.ErrNotFound)
			}
			return storeErr("read source project", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT ignore_case FROM projects WHERE uid = ?`, to).Scan(&dstIgnore); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %s: %w", to, core.ErrNotFound)
			}
			return storeErr("read target project", err)
		}

		merged, err := tx.ExecContext(ctx,
			`DELETE FROM agents WHERE project_uid = ? AND name IN (SELECT name FROM agents WHERE project_uid = ?)`,
			from, to)
		if err != nil {
			return storeErr("merge agents", err)
		}
		n, _ := merged.RowsAffected()
		res.MergedAgents = int(n)

		moved, err := tx.ExecContext(ctx, `UPDATE agents SET project_uid = ? WHERE project_uid = ?`, to, from)
		if err != nil {
			return storeErr("move agents", err)
		}
		n, _ = moved.RowsAffected()
		res.Agents = int(n)

		leases, err := tx.ExecContext(ctx, `UPDATE file_reservations SET project_uid = ? WHERE project_uid = ?`, to, from)
		if err != nil {
			return storeErr("move reservations", err)
		}
		n, _ = leases.RowsAffected()
		res.Reservations = int(n)

		slots, err := tx.ExecContext(ctx, `UPDATE build_slots SET project_uid = ? WHERE project_uid = ?`, to, from)
		if err != nil {
			return storeErr("move slots", err)
		}
		n, _ = slots.RowsAffected()
		res.Slots = int(n)

		if srcIgnore != 0 && dstIgnore == 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET ignore_case = 1 WHERE uid = ?`, to); err != nil {
				return storeErr("merge ignore_case", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE uid = ?`, from); err != nil {
			return storeErr("delete source project", err)
		}
		return nil
	})
	return res, err
}

const agentColumns = `project_uid, name, program, model, registered_at, last_seen`

func scanAgent(row scanner) (core.Agent, error) {
	var (
		a                      core.Agent
		registeredAt, lastSeen string
	)
	if err := row.Scan(&a.Project, &a.Name, &a.Program, &a.Model, &registeredAt, &lastSeen); err != nil {
		return core.Agent{}, err
	}
	a.RegisteredAt = parseTime(registeredAt)
	a.LastSeen = parseTime(lastSeen)
	return a, nil
}

// RegisterAgent creates the agent or refreshes its program, model and
// last-seen time. The project must exist.
func (s *Store) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	agent.Name = strings.TrimSpace(agent.Name)
	if agent.Name == "" || agent.Project == "" {
		return core.Agent{}, fmt.Errorf("agent name and project required: %w", core.ErrInvalidRequest)
	}
	now := s.clock()
	var out core.Agent
	err := s.withTx(ctx, "register agent", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (`+agentColumns+`)
			 SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM projects WHERE uid = ?)
			 ON CONFLICT(project_uid, name) DO UPDATE SET
			   program = CASE WHEN excluded.program != '' THEN excluded.program ELSE agents.program END,
			   model = CASE WHEN excluded.model != '' THEN excluded.model ELSE agents.model END,
			   last_seen = excluded.last_seen`,
			agent.Project, agent.Name, agent.Program, agent.Model, formatTime(now), formatTime(now), agent.Project,
		)
		if err != nil {
			return storeErr("upsert agent", err)
		}
		out, err = scanAgent(tx.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE project_uid = ? AND name = ?`, agent.Project, agent.Name))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("project %s: %w", agent.Project, core.ErrNotFound)
		}
		return storeErr("read agent", err)
	})
	return out, err
}

func (s *Store) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_uid = ? AND name = ?`, project, name))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("agent %s: %w", name, core.ErrNotFound)
	}
	if err != nil {
		return core.Agent{}, storeErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents most recently seen first.
func (s *Store) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_uid = ? ORDER BY last_seen DESC, name ASC`, project)
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storeErr("scan agent", err)
		}
		out = append(out, a)
	}
	return out, storeErr("list agents", rows.Err())
}

func (s *Store) TouchAgent(ctx context.Context, project, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE project_uid = ? AND name = ?`, formatTime(s.clock()), project, name)
	if err != nil {
		return storeErr("touch agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", name, core.ErrNotFound)
	}
	return nil
}
