package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Memory is an in-process Queue. A single mutex makes selection and transition
// atomic, which gives the same no-double-claim guarantee as SKIP LOCKED.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	seq   map[string]uint64
	keys  map[string]string // idempotency key -> job id, non-cancelled only
	next  uint64
	cfg   Config
	clock func() time.Time
}

var _ Queue = (*Memory)(nil)

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption { return func(m *Memory) { m.clock = now } }

// WithConfig sets the retry policy.
func WithConfig(cfg Config) MemoryOption { return func(m *Memory) { m.cfg = cfg } }

// NewMemory returns an empty in-memory queue.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		jobs:  make(map[string]*domain.Job),
		seq:   make(map[string]uint64),
		keys:  make(map[string]string),
		cfg:   DefaultConfig(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) now() time.Time { return m.clock().UTC() }

func (m *Memory) Enqueue(_ context.Context, job *domain.Job) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	j := job.Clone()
	if err := Prepare(j, m.cfg, now); err != nil {
		return nil, err
	}
	if id, ok := m.keys[j.IdempotencyKey]; ok {
		telemetry.QueueOpsTotal.WithLabelValues("enqueue", "duplicate").Inc()
		return m.jobs[id].Clone(), nil
	}
	if _, ok := m.jobs[j.ID]; ok {
		return nil, domain.Permanent(fmt.Errorf("job id %s already exists", j.ID))
	}

	m.next++
	m.jobs[j.ID] = j
	m.seq[j.ID] = m.next
	m.keys[j.IdempotencyKey] = j.ID
	telemetry.QueueOpsTotal.WithLabelValues("enqueue", "created").Inc()
	return j.Clone(), nil
}

// claimable reports whether job can be handed to a claimer at now, reaping an expired lease.
func (m *Memory) claimable(job *domain.Job, now time.Time) bool {
	if job.LeaseExpired(now) && resetToPending(job, now) == nil {
		telemetry.QueueReapedTotal.Inc()
	}
	return job.Status == domain.StatusPending && !job.VisibleAfter.After(now)
}

func (m *Memory) Claim(_ context.Context, workerID string, batchSize int, vt time.Duration) ([]*domain.Job, error) {
	if err := ValidateClaim(workerID, batchSize, vt); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var candidates []*domain.Job
	for _, j := range m.jobs {
		if m.claimable(j, now) {
			candidates = append(candidates, j)
		}
	}
	m.sortClaimOrder(candidates)
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]*domain.Job, 0, len(candidates))
	for _, j := range candidates {
		if err := claimFor(j, workerID, vt, now); err != nil {
			return out, err
		}
		out = append(out, j.Clone())
	}
	telemetry.QueueOpsTotal.WithLabelValues("claim", "ok").Add(float64(len(out)))
	return out, nil
}

func (m *Memory) ClaimJob(_ context.Context, jobID, workerID string, vt time.Duration) (*domain.Job, error) {
	if err := ValidateClaim(workerID, 1, vt); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	now := m.now()
	if !m.claimable(j, now) {
		telemetry.QueueOpsTotal.WithLabelValues("claim_job", "conflict").Inc()
		return nil, nil
	}
	if err := claimFor(j, workerID, vt, now); err != nil {
		return nil, err
	}
	telemetry.QueueOpsTotal.WithLabelValues("claim_job", "ok").Inc()
	return j.Clone(), nil
}

// owned returns the job if workerID holds it in one of states.
func (m *Memory) owned(jobID, workerID string, states ...domain.Status) (*domain.Job, bool, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false, &domain.JobNotFoundError{JobID: jobID}
	}
	if j.Owner() != workerID {
		return j, false, nil
	}
	for _, s := range states {
		if j.Status == s {
			return j, true, nil
		}
	}
	return j, false, nil
}

func (m *Memory) Start(_ context.Context, jobID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok, err := m.owned(jobID, workerID, domain.StatusClaimed)
	if err != nil || !ok {
		return false, err
	}
	if err := moveTo(j, domain.StatusRunning); err != nil {
		return false, err
	}
	now := m.now()
	j.StartedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) Heartbeat(_ context.Context, jobID, workerID string, extension time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok, err := m.owned(jobID, workerID, domain.StatusClaimed, domain.StatusRunning)
	if err != nil || !ok {
		telemetry.QueueOpsTotal.WithLabelValues("heartbeat", "lease_lost").Inc()
		return false, err
	}
	now := m.now()
	lease := now.Add(extension)
	j.LeaseExpiresAt = &lease
	j.UpdatedAt = now
	telemetry.QueueOpsTotal.WithLabelValues("heartbeat", "ok").Inc()
	return true, nil
}

func (m *Memory) Complete(_ context.Context, jobID, workerID string, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok, err := m.owned(jobID, workerID, domain.StatusRunning)
	if err != nil || !ok {
		telemetry.QueueOpsTotal.WithLabelValues("complete", "lease_lost").Inc()
		return false, err
	}
	if err := moveTo(j, domain.StatusCompleted); err != nil {
		return false, err
	}
	now := m.now()
	j.Result = append([]byte(nil), result...)
	j.ClaimedBy = nil
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	telemetry.QueueOpsTotal.WithLabelValues("complete", "ok").Inc()
	return true, nil
}

func (m *Memory) Fail(_ context.Context, jobID, workerID string, cause error) (FailOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok, err := m.owned(jobID, workerID, domain.StatusRunning)
	if err != nil {
		return "", err
	}
	if !ok {
		telemetry.QueueOpsTotal.WithLabelValues("fail", string(FailLeaseLost)).Inc()
		return FailLeaseLost, nil
	}
	outcome, err := ApplyFailure(j, cause, m.cfg, m.now())
	if err != nil {
		return "", err
	}
	telemetry.QueueOpsTotal.WithLabelValues("fail", string(outcome)).Inc()
	return outcome, nil
}

func (m *Memory) Release(_ context.Context, jobID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok, err := m.owned(jobID, workerID, domain.StatusClaimed)
	if err != nil || !ok {
		return false, err
	}
	if err := resetToPending(j, m.now()); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Cancel(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, &domain.JobNotFoundError{JobID: jobID}
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	if err := moveTo(j, domain.StatusCancelled); err != nil {
		return false, err
	}
	now := m.now()
	j.ClaimedBy = nil
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	delete(m.keys, j.IdempotencyKey)
	telemetry.QueueOpsTotal.WithLabelValues("cancel", "ok").Inc()
	return true, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	return j.Clone(), nil
}

func (m *Memory) List(_ context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*domain.Job
	for _, j := range m.jobs {
		if j.Status == status {
			matched = append(matched, j)
		}
	}
	m.sortClaimOrder(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *Memory) ListClaimable(_ context.Context, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var matched []*domain.Job
	for _, j := range m.jobs {
		ready := j.Status == domain.StatusPending || j.LeaseExpired(now)
		if ready && !j.VisibleAfter.After(now) {
			matched = append(matched, j)
		}
	}
	m.sortClaimOrder(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *Memory) ReapExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, j := range m.jobs {
		if !j.LeaseExpired(now) {
			continue
		}
		if err := resetToPending(j, now); err != nil {
			return n, err
		}
		n++
	}
	telemetry.QueueReapedTotal.Add(float64(n))
	return n, nil
}

func (m *Memory) sortClaimOrder(jobs []*domain.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return m.seq[jobs[a].ID] < m.seq[jobs[b].ID]
	})
}
