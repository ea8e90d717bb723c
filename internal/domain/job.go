package domain

import "time"

// Status represents the states a job can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusClaimed    Status = "CLAIMED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusCancelled  Status = "CANCELLED"
)

// MinPriority and MaxPriority bound Job.Priority.
const (
	MinPriority = 0
	MaxPriority = 20
)

// transitions lists every valid edge of the job state machine.
var transitions = map[Status][]Status{
	StatusPending: {StatusClaimed, StatusCancelled},
	StatusClaimed: {StatusRunning, StatusPending, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
	StatusFailed:  {StatusPending, StatusDeadLetter},
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusCancelled
}

// IsClaimed reports whether a worker owns the job in this state.
func (s Status) IsClaimed() bool {
	return s == StatusClaimed || s == StatusRunning
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns InvalidTransitionError otherwise.
func Transition(jobID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{JobID: jobID, From: from, To: to}
	}
	return nil
}

// Job is the core domain entity representing a unit of work moved through the queue.
type Job struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	WorkflowID     string     `json:"workflow_id,omitempty"`
	Payload        []byte     `json:"payload"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	VisibleAfter   time.Time  `json:"visible_after"`
	LastError      string     `json:"last_error,omitempty"`
	Result         []byte     `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.ClaimedBy != nil {
		w := *j.ClaimedBy
		c.ClaimedBy = &w
	}
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// Owner returns the claiming worker id, or "" when unclaimed.
func (j *Job) Owner() string {
	if j.ClaimedBy == nil {
		return ""
	}
	return *j.ClaimedBy
}

// LeaseExpired reports whether a claimed job's lease has passed at now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status.IsClaimed() && j.LeaseExpiresAt != nil && !now.Before(*j.LeaseExpiresAt)
}

// Timeout returns the per-job execution timeout, falling back to def.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(j.TimeoutSeconds) * time.Second
	}
	return def
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
