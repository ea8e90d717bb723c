// Package checkpoint tracks per-step progress of in-flight jobs and runs a
// job's plan so that a resumed job never repeats a step already recorded.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// Store persists checkpoints. *offline.Store implements it.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*domain.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// Manager hands out one Progress per in-flight job.
type Manager struct {
	store Store
	clock func() time.Time

	mu     sync.Mutex
	active map[string]*Progress
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.clock = now } }

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, clock: time.Now, active: make(map[string]*Progress)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJob begins tracking jobID, seeded from any persisted checkpoint.
// Calling it again for a tracked job returns the same Progress.
func (m *Manager) StartJob(ctx context.Context, jobID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.active[jobID]; ok {
		return p, nil
	}
	cp, err := m.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}
	if cp == nil {
		cp = domain.NewCheckpoint(jobID)
	}
	p := &Progress{store: m.store, clock: m.clock, cp: cp}
	m.active[jobID] = p
	return p, nil
}

// Restore returns the persisted checkpoint for jobID, or nil.
func (m *Manager) Restore(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	return m.store.LoadCheckpoint(ctx, jobID)
}

// Complete stops tracking jobID and deletes its checkpoint.
// Call it only once the job's outcome is durable elsewhere.
func (m *Manager) Complete(ctx context.Context, jobID string) error {
	m.Release(jobID)
	if err := m.store.DeleteCheckpoint(ctx, jobID); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Release stops tracking jobID but keeps its checkpoint for a later resume.
func (m *Manager) Release(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

// Active returns the ids of tracked jobs.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Progress is the checkpoint of one in-flight job.
type Progress struct {
	store Store
	clock func() time.Time

	mu sync.Mutex
	cp *domain.Checkpoint
}

// IsStepExecuted reports whether stepID already committed.
func (p *Progress) IsStepExecuted(stepID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cp.IsExecuted(stepID)
}

// Output returns the recorded output of stepID.
func (p *Progress) Output(stepID string) json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cp.StepOutputs[stepID]
}

// SaveCheckpoint records stepID as executed and persists the checkpoint.
// It must be called only after the step's side effect has committed.
func (p *Progress) SaveCheckpoint(ctx context.Context, stepID string, output json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := cloneCheckpoint(p.cp)
	next.Record(stepID, output, p.clock().UTC())
	if err := p.store.SaveCheckpoint(ctx, next); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", next.JobID, stepID, err)
	}
	p.cp = next
	return nil
}

// Snapshot returns a copy of the current checkpoint.
func (p *Progress) Snapshot() *domain.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneCheckpoint(p.cp)
}

func cloneCheckpoint(cp *domain.Checkpoint) *domain.Checkpoint {
	c := &domain.Checkpoint{
		JobID:           cp.JobID,
		ExecutedStepIDs: append([]string(nil), cp.ExecutedStepIDs...),
		StepOutputs:     make(map[string]json.RawMessage, len(cp.StepOutputs)),
		LastStepOutput:  cp.LastStepOutput,
		SavedAt:         cp.SavedAt,
	}
	for k, v := range cp.StepOutputs {
		c.StepOutputs[k] = v
	}
	return c
}
