package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"falconeye/internal/api"
	"falconeye/internal/entity"
)

const entityColumns = `id, kind, desired_enabled, node_constraint, generation, status, last_error,
	protocol, source, resolution, recording_enabled, agent_kind, spawn_reason, created_at, updated_at`

// Filter narrows List results.
type Filter struct {
	// Kind restricts results to cameras or agents; empty matches both.
	Kind entity.Kind

	// EnabledOnly restricts results to entities with desired_enabled set.
	EnabledOnly bool
}

// PutCamera inserts or updates a camera. A new camera gets an assigned id and
// generation 0; an update increments the stored generation regardless of the
// generation on the argument. The committed entity is returned and a
// reconcile request is enqueued.
func (s *Store) PutCamera(ctx context.Context, c *entity.Camera) (*entity.Camera, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Kind = entity.KindCamera

	if err := s.putEntity(ctx, &c.Entity, func(e *entity.Entity) rowFields {
		return rowFields{
			protocol:         string(c.Protocol),
			source:           c.Source,
			resolution:       c.Resolution,
			recordingEnabled: c.RecordingEnabled,
		}
	}); err != nil {
		return nil, err
	}

	s.notify(c.ID, c.Generation)
	return c, nil
}

// PutAgent inserts or updates an agent, with the same id/generation semantics
// as PutCamera.
func (s *Store) PutAgent(ctx context.Context, a *entity.Agent) (*entity.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Kind = entity.KindAgent

	if err := s.putEntity(ctx, &a.Entity, func(e *entity.Entity) rowFields {
		return rowFields{
			agentKind:   string(a.AgentKind),
			spawnReason: a.SpawnReason,
		}
	}); err != nil {
		return nil, err
	}

	s.notify(a.ID, a.Generation)
	return a, nil
}

// rowFields carries the kind-specific columns of an entity row.
type rowFields struct {
	protocol         string
	source           string
	resolution       string
	recordingEnabled bool
	agentKind        string
	spawnReason      string
}

func (s *Store) putEntity(ctx context.Context, e *entity.Entity, fields func(*entity.Entity) rowFields) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var gen int64
		var createdAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT generation, created_at FROM entities WHERE id = ?`, e.ID,
		).Scan(&gen, &createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			e.Generation = 0
			e.CreatedAt = now
			if e.Status == "" {
				e.Status = entity.StatusPending
			}
		case err != nil:
			return fmt.Errorf("registry: read generation for %s: %w", e.ID, err)
		default:
			e.Generation = gen + 1
			e.CreatedAt = createdAt
		}
		e.UpdatedAt = now

		f := fields(e)
		_, err = tx.ExecContext(ctx, `
INSERT INTO entities (`+entityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	desired_enabled = excluded.desired_enabled,
	node_constraint = excluded.node_constraint,
	generation = excluded.generation,
	status = excluded.status,
	last_error = excluded.last_error,
	protocol = excluded.protocol,
	source = excluded.source,
	resolution = excluded.resolution,
	recording_enabled = excluded.recording_enabled,
	agent_kind = excluded.agent_kind,
	spawn_reason = excluded.spawn_reason,
	updated_at = excluded.updated_at`,
			e.ID, string(e.Kind), e.DesiredEnabled, e.NodeConstraint, e.Generation,
			string(e.Status), e.LastError,
			f.protocol, f.source, f.resolution, f.recordingEnabled,
			f.agentKind, f.spawnReason, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("registry: put entity %s: %w", e.ID, err)
		}
		return nil
	})
}

// GetCamera returns the camera with the given id.
func (s *Store) GetCamera(ctx context.Context, id string) (*entity.Camera, error) {
	c, _, err := s.getEntityRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, api.NewNotFoundError("camera", id)
	}
	return c, nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id string) (*entity.Agent, error) {
	_, a, err := s.getEntityRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, api.NewNotFoundError("agent", id)
	}
	return a, nil
}

// GetEntity returns the shared declared state for any entity id.
func (s *Store) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	c, a, err := s.getEntityRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return &c.Entity, nil
	}
	if a != nil {
		return &a.Entity, nil
	}
	return nil, api.NewNotFoundError("entity", id)
}

// getEntityRow reads one row and shapes it into a camera or agent.
func (s *Store) getEntityRow(ctx context.Context, id string) (*entity.Camera, *entity.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	c, a, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, api.NewNotFoundError("entity", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return c, a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*entity.Camera, *entity.Agent, error) {
	var (
		e entity.Entity
		f rowFields

		kind, status string
	)
	err := row.Scan(&e.ID, &kind, &e.DesiredEnabled, &e.NodeConstraint, &e.Generation,
		&status, &e.LastError,
		&f.protocol, &f.source, &f.resolution, &f.recordingEnabled,
		&f.agentKind, &f.spawnReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	e.Kind = entity.Kind(kind)
	e.Status = entity.Status(status)

	switch e.Kind {
	case entity.KindCamera:
		return &entity.Camera{
			Entity:           e,
			Protocol:         entity.Protocol(f.protocol),
			Source:           f.source,
			Resolution:       f.resolution,
			RecordingEnabled: f.recordingEnabled,
		}, nil, nil
	case entity.KindAgent:
		return nil, &entity.Agent{
			Entity:      e,
			AgentKind:   entity.AgentKind(f.agentKind),
			SpawnReason: f.spawnReason,
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// ListCameras returns all cameras matching the filter.
func (s *Store) ListCameras(ctx context.Context, filter Filter) ([]*entity.Camera, error) {
	filter.Kind = entity.KindCamera
	cams, _, err := s.list(ctx, filter)
	return cams, err
}

// ListAgents returns all agents matching the filter.
func (s *Store) ListAgents(ctx context.Context, filter Filter) ([]*entity.Agent, error) {
	filter.Kind = entity.KindAgent
	_, agents, err := s.list(ctx, filter)
	return agents, err
}

// ListEntities returns the shared declared state of all entities matching the
// filter, cameras and agents alike.
func (s *Store) ListEntities(ctx context.Context, filter Filter) ([]*entity.Entity, error) {
	cams, agents, err := s.list(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(cams)+len(agents))
	for _, c := range cams {
		out = append(out, &c.Entity)
	}
	for _, a := range agents {
		out = append(out, &a.Entity)
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, filter Filter) ([]*entity.Camera, []*entity.Agent, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.EnabledOnly {
		query += ` AND desired_enabled = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var cams []*entity.Camera
	var agents []*entity.Agent
	for rows.Next() {
		c, a, err := scanEntity(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("registry: scan: %w", err)
		}
		if c != nil {
			cams = append(cams, c)
		}
		if a != nil {
			agents = append(agents, a)
		}
	}
	return cams, agents, rows.Err()
}

// MarkDeleting records the operator's intent to delete an entity: desired
// state is disabled, status moves to deleting, generation bumps, and a
// reconcile request is enqueued. The row is retained until the reconciler
// confirms zero matching workloads and calls Purge.
func (s *Store) MarkDeleting(ctx context.Context, id string) error {
	var gen int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT generation FROM entities WHERE id = ?`, id).Scan(&gen)
		if errors.Is(err, sql.ErrNoRows) {
			return api.NewNotFoundError("entity", id)
		}
		if err != nil {
			return fmt.Errorf("registry: read generation for %s: %w", id, err)
		}
		gen++
		_, err = tx.ExecContext(ctx, `
UPDATE entities SET desired_enabled = 0, status = ?, generation = ?, updated_at = ?
WHERE id = ?`, string(entity.StatusDeleting), gen, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("registry: mark deleting %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(id, gen)
	return nil
}

// SetDesiredEnabled records the operator's start/stop intent for an entity:
// generation bumps and a reconcile request is enqueued. The write is
// unconditional so a repeated start on an already-enabled entity still forces
// a convergence pass.
func (s *Store) SetDesiredEnabled(ctx context.Context, id string, enabled bool) error {
	var gen int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT generation FROM entities WHERE id = ?`, id).Scan(&gen)
		if errors.Is(err, sql.ErrNoRows) {
			return api.NewNotFoundError("entity", id)
		}
		if err != nil {
			return fmt.Errorf("registry: read generation for %s: %w", id, err)
		}
		gen++
		_, err = tx.ExecContext(ctx, `
UPDATE entities SET desired_enabled = ?, generation = ?, updated_at = ?
WHERE id = ?`, enabled, gen, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("registry: set desired_enabled for %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(id, gen)
	return nil
}

// Purge removes an entity row. Only the reconciler calls this, after
// confirming zero live workloads for the id.
func (s *Store) Purge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: purge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewNotFoundError("entity", id)
	}
	return nil
}

// SetStatus records the observed reconciliation status of an entity. Status
// is observed state, not desired state: the generation is untouched and no
// reconcile request is enqueued.
func (s *Store) SetStatus(ctx context.Context, id string, status entity.Status, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("registry: set status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewNotFoundError("entity", id)
	}
	s.notifyStatus(id, status, lastError)
	return nil
}
