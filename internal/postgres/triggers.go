package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

const triggerColumns = `id, name, cron_expr, timezone, job_type, workflow_id, payload, priority,
	max_attempts, timeout_seconds, enabled, last_fired_at, created_at, updated_at`

// TriggerStore persists scheduler triggers in scheduled_triggers.
type TriggerStore struct {
	pool *pgxpool.Pool
}

// NewTriggerStore wraps a pgxpool.
func NewTriggerStore(pool *pgxpool.Pool) *TriggerStore {
	return &TriggerStore{pool: pool}
}

// Create inserts t, assigning an id when empty.
func (s *TriggerStore) Create(ctx context.Context, t *domain.Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Name, t.CronExpr, t.Timezone, t.JobType, t.WorkflowID, t.Payload, t.Priority,
		t.MaxAttempts, t.TimeoutSeconds, t.Enabled, t.LastFiredAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create trigger %s: %w", t.Name, err)
	}
	return nil
}

// Delete removes a trigger.
func (s *TriggerStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTriggerNotFound
	}
	return nil
}

// List returns every trigger ordered by name.
func (s *TriggerStore) List(ctx context.Context) ([]*domain.Trigger, error) {
	return s.query(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers ORDER BY name`)
}

// ListEnabled returns enabled triggers ordered by name.
func (s *TriggerStore) ListEnabled(ctx context.Context) ([]*domain.Trigger, error) {
	return s.query(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE enabled ORDER BY name`)
}

// MarkFired advances last_fired_at. It never moves backwards, so two
// schedulers racing on the same fire leave the later value.
func (s *TriggerStore) MarkFired(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_triggers
		SET last_fired_at = GREATEST(COALESCE(last_fired_at, $2), $2), updated_at = NOW()
		WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark trigger %s fired: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTriggerNotFound
	}
	return nil
}

func (s *TriggerStore) query(ctx context.Context, sql string, args ...any) ([]*domain.Trigger, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		if err := rows.Scan(
			&t.ID, &t.Name, &t.CronExpr, &t.Timezone, &t.JobType, &t.WorkflowID, &t.Payload, &t.Priority,
			&t.MaxAttempts, &t.TimeoutSeconds, &t.Enabled, &t.LastFiredAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
