// Package steps defines the boundary between the durable executor and the
// domain actions a worker performs, plus the built-in step types.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Step is one entry of a workflow plan.
type Step struct {
	ID      string          `json:"id" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Config  json.RawMessage `json:"config,omitempty"`
	Timeout Duration        `json:"timeout,omitempty"`
}

// StepContext is what an executor may read about the surrounding job.
// Everything in it is serializable, so it can be rebuilt after a crash.
type StepContext struct {
	JobID      string
	WorkflowID string
	Attempt    int
	// Outputs holds the recorded outputs of steps that already ran, by step id.
	Outputs map[string]json.RawMessage
	// PreviousOutput is the output of the step immediately before this one.
	PreviousOutput json.RawMessage
	Logger         *slog.Logger
}

// IdempotencyKey identifies this step of this job across re-executions.
func (sc StepContext) IdempotencyKey(stepID string) string {
	return sc.JobID + ":" + stepID
}

// StepResult is an executor's verdict. Error is set iff Success is false;
// wrap it with domain.Permanent when retrying cannot help.
type StepResult struct {
	Success bool
	Output  json.RawMessage
	Error   error
}

// Succeeded builds a successful result, marshalling output to JSON.
func Succeeded(output any) StepResult {
	if output == nil {
		return StepResult{Success: true}
	}
	if raw, ok := output.(json.RawMessage); ok {
		return StepResult{Success: true, Output: raw}
	}
	b, err := json.Marshal(output)
	if err != nil {
		return Failed(fmt.Errorf("encode step output: %w", err))
	}
	return StepResult{Success: true, Output: b}
}

// Failed builds a failed result.
func Failed(err error) StepResult {
	return StepResult{Success: false, Error: err}
}

// Executor performs one step type. Implementations must not keep
// unserializable state between calls; anything they need is rebuilt from
// Step.Config.
type Executor interface {
	Execute(ctx context.Context, step Step, sc StepContext) StepResult
	StepType() string
}

// Duration unmarshals from a Go duration string ("30s") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", b, err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
