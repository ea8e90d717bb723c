package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost signals that another worker now owns the job; local work must stop.
var ErrLeaseLost = errors.New("lease lost")

// ErrJobCancelled is returned by executors that observe a cancelled job.
var ErrJobCancelled = errors.New("job cancelled")

// ErrTriggerNotFound is returned when a trigger id does not exist.
var ErrTriggerNotFound = errors.New("trigger not found")

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// InvalidTransitionError is returned when a status change is not an edge of the state machine.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// PermanentError wraps a failure that must not be retried (malformed payload, validation).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// TimeoutError is recorded when a running job exceeds its execution timeout.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TIMEOUT: job %s exceeded %s", e.JobID, e.Timeout)
}

// CircuitOpenError is returned without invoking the wrapped call while a breaker is open.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

// NotConnectedError is returned by the connection manager while the link is down.
type NotConnectedError struct {
	Endpoint string
	State    string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("endpoint %q not connected (state %s)", e.Endpoint, e.State)
}

// InvalidConfigError is returned by constructors given an unusable configuration.
type InvalidConfigError struct {
	Component string
	Reason    string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %s", e.Component, e.Reason)
}

// IsTransient reports whether err is worth retrying through the queue or a breaker.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) || errors.Is(err, ErrLeaseLost) {
		return false
	}
	return true
}
