package domain

import (
	"fmt"
	"time"
)

// Trigger is a cron definition that enqueues a job template at each fire time.
type Trigger struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpr       string     `json:"cron_expr"`
	Timezone       string     `json:"timezone"`
	JobType        string     `json:"job_type"`
	WorkflowID     string     `json:"workflow_id,omitempty"`
	Payload        []byte     `json:"payload"`
	Priority       int        `json:"priority"`
	MaxAttempts    int        `json:"max_attempts,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FireKey is the idempotency key of the job enqueued for the fire at t.
// Two schedulers firing the same instant collapse into one queue entry.
func (t *Trigger) FireKey(at time.Time) string {
	return fmt.Sprintf("trigger:%s:%d", t.ID, at.Unix())
}

// NewJob builds the job enqueued for the fire at t.
func (t *Trigger) NewJob(at time.Time) *Job {
	return &Job{
		Type:           t.JobType,
		WorkflowID:     t.WorkflowID,
		Payload:        append([]byte(nil), t.Payload...),
		Priority:       t.Priority,
		MaxAttempts:    t.MaxAttempts,
		TimeoutSeconds: t.TimeoutSeconds,
		IdempotencyKey: t.FireKey(at),
	}
}
