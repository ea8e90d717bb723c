// Package queue defines the durable job queue contract and its in-process implementation.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/retry"
)

// FailOutcome reports what Fail did with a job.
type FailOutcome string

const (
	// FailRetry means the job went back to PENDING with a delayed visible_after.
	FailRetry FailOutcome = "retry"
	// FailDeadLetter means attempts are exhausted (or the error was permanent).
	FailDeadLetter FailOutcome = "dead_letter"
	// FailLeaseLost means the caller no longer owns the job; nothing was changed.
	FailLeaseLost FailOutcome = "lease_lost"
)

// Queue is a persistent multi-consumer priority queue with leases.
//
// Expected conditions are returned as values: a false bool or FailLeaseLost
// means the caller lost ownership and must stop working on the job. Errors are
// reserved for storage failures and unknown job ids.
type Queue interface {
	// Enqueue stores job as PENDING. If a non-cancelled job with the same
	// idempotency key exists, that job is returned instead.
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)
	// Claim atomically moves up to batchSize visible jobs to CLAIMED for workerID,
	// ordered by priority desc then created_at asc.
	Claim(ctx context.Context, workerID string, batchSize int, visibilityTimeout time.Duration) ([]*domain.Job, error)
	// ClaimJob claims one specific job. Returns nil when it is not claimable.
	ClaimJob(ctx context.Context, jobID, workerID string, visibilityTimeout time.Duration) (*domain.Job, error)
	// Start moves an owned job from CLAIMED to RUNNING.
	Start(ctx context.Context, jobID, workerID string) (bool, error)
	// Heartbeat extends the lease of an owned job to now+extension.
	Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) (bool, error)
	// Complete marks an owned RUNNING job COMPLETED.
	Complete(ctx context.Context, jobID, workerID string, result []byte) (bool, error)
	// Fail records a failed attempt of an owned RUNNING job.
	Fail(ctx context.Context, jobID, workerID string, cause error) (FailOutcome, error)
	// Release returns an owned CLAIMED job to PENDING without consuming an attempt.
	Release(ctx context.Context, jobID, workerID string) (bool, error)
	// Cancel moves any non-terminal job to CANCELLED. False if already terminal.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// Get returns a job by id.
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	// List returns up to limit jobs in status, in claim order.
	List(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)
	// ListClaimable returns up to limit jobs a Claim at this moment could take,
	// in claim order. Jobs still in retry backoff are excluded before the limit.
	ListClaimable(ctx context.Context, limit int) ([]*domain.Job, error)
	// ReapExpired returns lease-expired CLAIMED/RUNNING jobs to PENDING.
	ReapExpired(ctx context.Context) (int, error)
}

// Config holds the retry policy shared by queue implementations.
type Config struct {
	// MaxRetries applies to jobs enqueued with MaxAttempts == 0 (MaxAttempts = MaxRetries+1).
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns max_retries=3, 1s base delay, 5m cap.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Minute}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return &domain.InvalidConfigError{Component: "queue", Reason: "max_retries must be >= 0"}
	case c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0:
		return &domain.InvalidConfigError{Component: "queue", Reason: "retry delays must be >= 0"}
	}
	return nil
}

func (c Config) backoff() retry.Backoff {
	return retry.Backoff{InitialDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay, Multiplier: 2}
}

// RetryDelay is the visible_after delay applied after the given attempt count.
func (c Config) RetryDelay(attemptCount int) time.Duration {
	return c.backoff().Delay(attemptCount - 1)
}

// Prepare fills defaults on a job about to be enqueued and validates it.
func Prepare(job *domain.Job, cfg Config, now time.Time) error {
	if job.Priority < domain.MinPriority || job.Priority > domain.MaxPriority {
		return domain.Permanent(fmt.Errorf("priority %d out of range [%d, %d]",
			job.Priority, domain.MinPriority, domain.MaxPriority))
	}
	if job.MaxAttempts < 0 || job.TimeoutSeconds < 0 {
		return domain.Permanent(fmt.Errorf("max_attempts and timeout_seconds must be >= 0"))
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = job.ID
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = cfg.MaxRetries + 1
	}
	job.Status = domain.StatusPending
	job.AttemptCount = 0
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.VisibleAfter.Before(now) {
		job.VisibleAfter = now
	}
	return nil
}

// ApplyFailure mutates an owned RUNNING job according to the retry policy.
// Implementations call it inside their own atomic section.
func ApplyFailure(job *domain.Job, cause error, cfg Config, now time.Time) (FailOutcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := moveTo(job, domain.StatusFailed); err != nil {
		return "", err
	}
	job.LastError = msg
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	if domain.IsPermanent(cause) {
		return FailDeadLetter, deadLetter(job, now)
	}
	job.AttemptCount++
	if job.AttemptCount >= job.MaxAttempts {
		return FailDeadLetter, deadLetter(job, now)
	}
	if err := moveTo(job, domain.StatusPending); err != nil {
		return "", err
	}
	job.VisibleAfter = now.Add(cfg.RetryDelay(job.AttemptCount))
	return FailRetry, nil
}

func deadLetter(job *domain.Job, now time.Time) error {
	if err := moveTo(job, domain.StatusDeadLetter); err != nil {
		return err
	}
	job.CompletedAt = &now
	return nil
}

// moveTo sets job.Status after checking the edge against the state machine.
func moveTo(job *domain.Job, to domain.Status) error {
	if err := domain.Transition(job.ID, job.Status, to); err != nil {
		return err
	}
	job.Status = to
	return nil
}

// resetToPending clears ownership after a lease expiry or release.
func resetToPending(job *domain.Job, now time.Time) error {
	if err := moveTo(job, domain.StatusPending); err != nil {
		return err
	}
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.StartedAt = nil
	job.UpdatedAt = now
	return nil
}

func claimFor(job *domain.Job, workerID string, vt time.Duration, now time.Time) error {
	if err := moveTo(job, domain.StatusClaimed); err != nil {
		return err
	}
	owner := workerID
	lease := now.Add(vt)
	job.ClaimedBy = &owner
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return nil
}

// ValidateClaim rejects claim arguments that are programming errors.
func ValidateClaim(workerID string, batchSize int, vt time.Duration) error {
	switch {
	case workerID == "":
		return &domain.InvalidConfigError{Component: "claim", Reason: "worker id is required"}
	case batchSize < 0:
		return &domain.InvalidConfigError{Component: "claim", Reason: "batch size must be >= 0"}
	case vt <= 0:
		return &domain.InvalidConfigError{Component: "claim", Reason: "visibility timeout must be > 0"}
	}
	return nil
}
