package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// MemoryStore keeps triggers in process. It backs single-node runs without
// Postgres and the tests.
type MemoryStore struct {
	mu       sync.Mutex
	triggers map[string]*domain.Trigger
	clock    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{triggers: make(map[string]*domain.Trigger), clock: time.Now}
}

// Create stores a copy of t, assigning an id when empty.
func (m *MemoryStore) Create(_ context.Context, t *domain.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	now := m.clock().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	c := *t
	m.triggers[t.ID] = &c
	return nil
}

// Delete removes a trigger.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return domain.ErrTriggerNotFound
	}
	delete(m.triggers, id)
	return nil
}

// List returns every trigger ordered by name.
func (m *MemoryStore) List(_ context.Context) ([]*domain.Trigger, error) {
	return m.list(func(*domain.Trigger) bool { return true }), nil
}

// ListEnabled returns enabled triggers ordered by name.
func (m *MemoryStore) ListEnabled(_ context.Context) ([]*domain.Trigger, error) {
	return m.list(func(t *domain.Trigger) bool { return t.Enabled }), nil
}

// MarkFired advances last_fired_at, never backwards.
func (m *MemoryStore) MarkFired(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	if t.LastFiredAt == nil || at.After(*t.LastFiredAt) {
		at := at.UTC()
		t.LastFiredAt = &at
	}
	t.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *MemoryStore) list(keep func(*domain.Trigger) bool) []*domain.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		if keep(t) {
			c := *t
			if t.LastFiredAt != nil {
				lf := *t.LastFiredAt
				c.LastFiredAt = &lf
			}
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
