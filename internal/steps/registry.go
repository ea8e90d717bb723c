package steps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// Registry maps step types to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a Registry holding the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds an executor, replacing any previous one for the same type. Safe to call concurrently.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.StepType()] = e
}

// Get returns the executor for stepType. An unknown type is a permanent error:
// no retry will make it appear.
func (r *Registry) Get(stepType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[stepType]
	if !ok {
		return nil, domain.Permanent(fmt.Errorf("unknown step type %q", stepType))
	}
	return e, nil
}

// Types lists registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
