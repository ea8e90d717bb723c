package coordinator

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// memoryProgress is the progress cache used when Redis is not configured.
type memoryProgress struct {
	mu   sync.RWMutex
	byID map[string]domain.JobProgress
}

func newMemoryProgress() *memoryProgress {
	return &memoryProgress{byID: make(map[string]domain.JobProgress)}
}

func (m *memoryProgress) SetProgress(_ context.Context, p domain.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[p.JobID]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	m.byID[p.JobID] = p
	return nil
}

func (m *memoryProgress) GetProgress(_ context.Context, jobID string) (*domain.JobProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[jobID]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	return &p, nil
}
