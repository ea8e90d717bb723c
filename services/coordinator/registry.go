package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Registry is the coordinator's in-memory view of the worker fleet. It is
// mutated only by heartbeats, status reports, and the dispatcher's own
// assignments.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*domain.Worker
	// offlineAfter is missed_heartbeats * heartbeat_interval.
	offlineAfter time.Duration
	clock        func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(heartbeatInterval time.Duration, missedHeartbeats int, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		workers:      make(map[string]*domain.Worker),
		offlineAfter: time.Duration(missedHeartbeats) * heartbeatInterval,
		clock:        clock,
	}
}

// Heartbeat registers or refreshes a worker. The coordinator's clock is used
// for liveness so worker clock skew cannot keep a dead worker online.
func (r *Registry) Heartbeat(hb protocol.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[hb.WorkerID]
	if !ok {
		w = &domain.Worker{ID: hb.WorkerID}
		r.workers[hb.WorkerID] = w
	}
	w.Status = domain.WorkerStatus(hb.Status)
	w.Capacity = hb.Capacity
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	w.LastHeartbeat = r.clock()
	w.CurrentJobIDs = make(map[string]bool, len(hb.CurrentJobIDs))
	for _, id := range hb.CurrentJobIDs {
		w.CurrentJobIDs[id] = true
	}
	r.refreshGauge()
}

// Sweep marks workers OFFLINE once they have missed enough heartbeats and
// returns the ids that just went offline. Their jobs are not reassigned here;
// lease expiry returns them to the queue.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var gone []string
	for id, w := range r.workers {
		if w.Status != domain.WorkerOffline && now.Sub(w.LastHeartbeat) > r.offlineAfter {
			w.Status = domain.WorkerOffline
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		sort.Strings(gone)
		r.refreshGauge()
	}
	return gone
}

// Eligible returns copies of the workers that can take another job, by id.
func (r *Registry) Eligible() []*domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Worker
	for _, w := range r.workers {
		if w.HasCapacity() {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign records jobID on workerID until the next heartbeat replaces the set.
func (r *Registry) Assign(workerID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.CurrentJobIDs[jobID] = true
		if w.Status == domain.WorkerIdle {
			w.Status = domain.WorkerBusy
		}
		r.refreshGauge()
	}
}

// Unassign drops jobID from workerID.
func (r *Registry) Unassign(workerID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		delete(w.CurrentJobIDs, jobID)
	}
}

// Get returns a copy of one worker.
func (r *Registry) Get(id string) (*domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns copies of every known worker, by id.
func (r *Registry) List() []*domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// refreshGauge must be called with mu held.
func (r *Registry) refreshGauge() {
	counts := map[domain.WorkerStatus]int{
		domain.WorkerIdle:    0,
		domain.WorkerBusy:    0,
		domain.WorkerOffline: 0,
	}
	for _, w := range r.workers {
		counts[w.Status]++
	}
	for s, n := range counts {
		telemetry.WorkersGauge.WithLabelValues(string(s)).Set(float64(n))
	}
}
