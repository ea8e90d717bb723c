package coordinator

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// Policy names a load-balancing strategy.
type Policy string

const (
	RoundRobin  Policy = "round_robin"
	LeastLoaded Policy = "least_loaded"
	Random      Policy = "random"
	Affinity    Policy = "affinity"
)

// Balancer picks a worker for a job from a non-empty candidate list sorted by id.
type Balancer interface {
	Pick(job *domain.Job, workers []*domain.Worker) *domain.Worker
	// Assigned is told about every successful dispatch.
	Assigned(job *domain.Job, workerID string)
}

// NewBalancer returns the Balancer for policy.
func NewBalancer(policy Policy) (Balancer, error) {
	switch policy {
	case RoundRobin:
		return &roundRobin{}, nil
	case LeastLoaded:
		return leastLoaded{}, nil
	case Random:
		return randomPick{intN: rand.IntN}, nil
	case Affinity:
		return &affinity{last: make(map[string]string)}, nil
	}
	return nil, &domain.InvalidConfigError{Component: "coordinator", Reason: fmt.Sprintf("unknown lb_policy %q", policy)}
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (b *roundRobin) Pick(_ *domain.Job, workers []*domain.Worker) *domain.Worker {
	if len(workers) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w := workers[b.next%len(workers)]
	b.next++
	return w
}

func (*roundRobin) Assigned(*domain.Job, string) {}

type leastLoaded struct{}

// Pick returns the worker with the fewest running jobs; ties go to the lowest id.
func (leastLoaded) Pick(_ *domain.Job, workers []*domain.Worker) *domain.Worker {
	var best *domain.Worker
	for _, w := range workers {
		if best == nil || w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

func (leastLoaded) Assigned(*domain.Job, string) {}

type randomPick struct {
	intN func(int) int
}

func (b randomPick) Pick(_ *domain.Job, workers []*domain.Worker) *domain.Worker {
	if len(workers) == 0 {
		return nil
	}
	return workers[b.intN(len(workers))]
}

func (randomPick) Assigned(*domain.Job, string) {}

// affinity prefers the worker that last ran the job's workflow and falls
// back to least-loaded for new workflows or when that worker is unavailable.
type affinity struct {
	mu   sync.Mutex
	last map[string]string // workflow id -> worker id
}

func (b *affinity) Pick(job *domain.Job, workers []*domain.Worker) *domain.Worker {
	if job.WorkflowID != "" {
		b.mu.Lock()
		want, ok := b.last[job.WorkflowID]
		b.mu.Unlock()
		if ok {
			for _, w := range workers {
				if w.ID == want {
					return w
				}
			}
		}
	}
	return leastLoaded{}.Pick(job, workers)
}

func (b *affinity) Assigned(job *domain.Job, workerID string) {
	if job.WorkflowID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[job.WorkflowID] = workerID
}
