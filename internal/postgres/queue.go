package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

var jobColumns = []string{
	"id", "type", "workflow_id", "payload", "priority", "status",
	"attempt_count", "max_attempts", "timeout_seconds", "idempotency_key",
	"claimed_by", "lease_expires_at", "visible_after", "last_error", "result",
	"created_at", "updated_at", "started_at", "completed_at",
}

func columns(prefix string) string {
	out := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		out[i] = prefix + c
	}
	return strings.Join(out, ", ")
}

// claimable matches PENDING jobs past visible_after and claimed jobs whose lease expired.
const claimable = `visible_after <= $1 AND (status = 'PENDING'
	OR (status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= $1))`

// Queue is the Postgres DurableQueue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent claimers never block on, or receive, the same row; every other
// transition is a compare-and-set on (status, claimed_by).
type Queue struct {
	pool  *pgxpool.Pool
	cfg   queue.Config
	clock func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// QueueOption configures a Postgres Queue.
type QueueOption func(*Queue)

// WithQueueConfig sets the retry policy.
func WithQueueConfig(cfg queue.Config) QueueOption { return func(q *Queue) { q.cfg = cfg } }

// WithQueueClock overrides time.Now.
func WithQueueClock(now func() time.Time) QueueOption { return func(q *Queue) { q.clock = now } }

// NewQueue wraps a pgxpool with the queue.Queue interface.
func NewQueue(pool *pgxpool.Pool, opts ...QueueOption) (*Queue, error) {
	q := &Queue{pool: pool, cfg: queue.DefaultConfig(), clock: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.cfg.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) now() time.Time { return q.clock().UTC() }

func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	j := job.Clone()
	if err := queue.Prepare(j, q.cfg, q.now()); err != nil {
		return nil, err
	}

	// A concurrent cancel can free the key between the insert and the lookup; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		row := q.pool.QueryRow(ctx, `
			INSERT INTO jobs (`+columns("")+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (idempotency_key) WHERE status <> 'CANCELLED' DO NOTHING
			RETURNING `+columns(""),
			j.ID, j.Type, j.WorkflowID, j.Payload, j.Priority, string(j.Status),
			j.AttemptCount, j.MaxAttempts, j.TimeoutSeconds, j.IdempotencyKey,
			j.ClaimedBy, j.LeaseExpiresAt, j.VisibleAfter, j.LastError, j.Result,
			j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt,
		)
		created, err := scanJob(row)
		if err == nil {
			telemetry.QueueOpsTotal.WithLabelValues("enqueue", "created").Inc()
			return created, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("enqueue job %s: %w", j.ID, err)
		}

		existing, err := scanJob(q.pool.QueryRow(ctx, `
			SELECT `+columns("")+` FROM jobs
			WHERE idempotency_key = $1 AND status <> 'CANCELLED'`, j.IdempotencyKey))
		if err == nil {
			telemetry.QueueOpsTotal.WithLabelValues("enqueue", "duplicate").Inc()
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup idempotency key %q: %w", j.IdempotencyKey, err)
		}
	}
	return nil, fmt.Errorf("enqueue job %s: idempotency key %q contended", j.ID, j.IdempotencyKey)
}

func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int, vt time.Duration) ([]*domain.Job, error) {
	if err := queue.ValidateClaim(workerID, batchSize, vt); err != nil {
		return nil, err
	}
	if batchSize == 0 {
		return nil, nil
	}
	now := q.now()
	rows, err := q.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE `+claimable+`
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'CLAIMED', claimed_by = $3, lease_expires_at = $4,
		    started_at = NULL, updated_at = $1
		FROM picked
		WHERE j.id = picked.id
		RETURNING `+columns("j."),
		now, batchSize, workerID, now.Add(vt),
	)
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", workerID, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", workerID, err)
	}
	// RETURNING does not preserve the CTE order.
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	telemetry.QueueOpsTotal.WithLabelValues("claim", "ok").Add(float64(len(jobs)))
	return jobs, nil
}

func (q *Queue) ClaimJob(ctx context.Context, jobID, workerID string, vt time.Duration) (*domain.Job, error) {
	if err := queue.ValidateClaim(workerID, 1, vt); err != nil {
		return nil, err
	}
	now := q.now()
	job, err := scanJob(q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'CLAIMED', claimed_by = $3, lease_expires_at = $4,
		    started_at = NULL, updated_at = $1
		WHERE id = $2 AND `+claimable+`
		RETURNING `+columns(""),
		now, jobID, workerID, now.Add(vt),
	))
	if err == nil {
		telemetry.QueueOpsTotal.WithLabelValues("claim_job", "ok").Inc()
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if err := q.mustExist(ctx, jobID); err != nil {
		return nil, err
	}
	telemetry.QueueOpsTotal.WithLabelValues("claim_job", "conflict").Inc()
	return nil, nil
}

func (q *Queue) Start(ctx context.Context, jobID, workerID string) (bool, error) {
	now := q.now()
	return q.compareAndSet(ctx, "start", jobID, `
		UPDATE jobs SET status = 'RUNNING', started_at = $3, updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'CLAIMED'`,
		jobID, workerID, now)
}

func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) (bool, error) {
	now := q.now()
	return q.compareAndSet(ctx, "heartbeat", jobID, `
		UPDATE jobs SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND claimed_by = $2 AND status IN ('CLAIMED', 'RUNNING')`,
		jobID, workerID, now.Add(extension), now)
}

func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result []byte) (bool, error) {
	now := q.now()
	return q.compareAndSet(ctx, "complete", jobID, `
		UPDATE jobs
		SET status = 'COMPLETED', result = $3, claimed_by = NULL, lease_expires_at = NULL,
		    completed_at = $4, updated_at = $4
		WHERE id = $1 AND claimed_by = $2 AND status = 'RUNNING'`,
		jobID, workerID, result, now)
}

func (q *Queue) Release(ctx context.Context, jobID, workerID string) (bool, error) {
	now := q.now()
	return q.compareAndSet(ctx, "release", jobID, `
		UPDATE jobs
		SET status = 'PENDING', claimed_by = NULL, lease_expires_at = NULL,
		    started_at = NULL, updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'CLAIMED'`,
		jobID, workerID, now)
}

func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (queue.FailOutcome, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("fail job %s: begin: %w", jobID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+columns("")+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &domain.JobNotFoundError{JobID: jobID}
	}
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if job.Status != domain.StatusRunning || job.Owner() != workerID {
		telemetry.QueueOpsTotal.WithLabelValues("fail", string(queue.FailLeaseLost)).Inc()
		return queue.FailLeaseLost, nil
	}

	outcome, err := queue.ApplyFailure(job, cause, q.cfg, q.now())
	if err != nil {
		return "", err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = $3, last_error = $4, visible_after = $5,
		    claimed_by = NULL, lease_expires_at = NULL, completed_at = $6, updated_at = $7
		WHERE id = $1`,
		job.ID, string(job.Status), job.AttemptCount, job.LastError, job.VisibleAfter,
		job.CompletedAt, job.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("fail job %s: update: %w", jobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("fail job %s: commit: %w", jobID, err)
	}
	telemetry.QueueOpsTotal.WithLabelValues("fail", string(outcome)).Inc()
	return outcome, nil
}

func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := q.now()
	return q.compareAndSet(ctx, "cancel", jobID, `
		UPDATE jobs
		SET status = 'CANCELLED', claimed_by = NULL, lease_expires_at = NULL,
		    completed_at = $2, updated_at = $2
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'DEAD_LETTER', 'CANCELLED')`,
		jobID, now)
}

func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT `+columns("")+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Queue) List(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	// LIMIT NULL means no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+columns("")+` FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $2`, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	return jobs, nil
}

func (q *Queue) ListClaimable(ctx context.Context, limit int) ([]*domain.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+columns("")+` FROM jobs
		WHERE `+claimable+`
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $2`, q.now(), lim)
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}
	return jobs, nil
}

func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.now()
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'PENDING', claimed_by = NULL, lease_expires_at = NULL,
		    started_at = NULL, updated_at = $1
		WHERE status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n := int(tag.RowsAffected())
	telemetry.QueueReapedTotal.Add(float64(n))
	return n, nil
}

// compareAndSet runs a guarded UPDATE. Zero rows means the guard did not hold,
// unless the job does not exist at all.
func (q *Queue) compareAndSet(ctx context.Context, op, jobID, sql string, args ...any) (bool, error) {
	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s job %s: %w", op, jobID, err)
	}
	if tag.RowsAffected() == 1 {
		telemetry.QueueOpsTotal.WithLabelValues(op, "ok").Inc()
		return true, nil
	}
	if err := q.mustExist(ctx, jobID); err != nil {
		return false, err
	}
	telemetry.QueueOpsTotal.WithLabelValues(op, "lease_lost").Inc()
	return false, nil
}

func (q *Queue) mustExist(ctx context.Context, jobID string) error {
	var exists bool
	if err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup job %s: %w", jobID, err)
	}
	if !exists {
		return &domain.JobNotFoundError{JobID: jobID}
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var job domain.Job
	var status string
	err := row.Scan(
		&job.ID, &job.Type, &job.WorkflowID, &job.Payload, &job.Priority, &status,
		&job.AttemptCount, &job.MaxAttempts, &job.TimeoutSeconds, &job.IdempotencyKey,
		&job.ClaimedBy, &job.LeaseExpiresAt, &job.VisibleAfter, &job.LastError, &job.Result,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.Status(status)
	return &job, nil
}
