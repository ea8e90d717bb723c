package domain

import (
	"encoding/json"
	"time"
)

// Checkpoint records which steps of a job already committed their side effects.
type Checkpoint struct {
	JobID           string                     `json:"job_id"`
	ExecutedStepIDs []string                   `json:"executed_step_ids"`
	StepOutputs     map[string]json.RawMessage `json:"step_outputs"`
	LastStepOutput  json.RawMessage            `json:"last_step_output,omitempty"`
	SavedAt         time.Time                  `json:"saved_at"`
}

// NewCheckpoint returns an empty checkpoint for jobID.
func NewCheckpoint(jobID string) *Checkpoint {
	return &Checkpoint{JobID: jobID, StepOutputs: make(map[string]json.RawMessage)}
}

// IsExecuted reports whether stepID is recorded as done.
func (c *Checkpoint) IsExecuted(stepID string) bool {
	_, ok := c.StepOutputs[stepID]
	return ok
}

// Record marks stepID executed with output. Re-recording a step keeps its original position.
func (c *Checkpoint) Record(stepID string, output json.RawMessage, at time.Time) {
	if c.StepOutputs == nil {
		c.StepOutputs = make(map[string]json.RawMessage)
	}
	if output == nil {
		output = json.RawMessage("null")
	}
	if _, ok := c.StepOutputs[stepID]; !ok {
		c.ExecutedStepIDs = append(c.ExecutedStepIDs, stepID)
	}
	c.StepOutputs[stepID] = output
	c.LastStepOutput = output
	c.SavedAt = at
}
