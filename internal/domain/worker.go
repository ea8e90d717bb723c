package domain

import "time"

// WorkerStatus is the coordinator's view of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "IDLE"
	WorkerBusy    WorkerStatus = "BUSY"
	WorkerOffline WorkerStatus = "OFFLINE"
)

// Worker is a registry entry maintained from heartbeats.
type Worker struct {
	ID            string          `json:"id"`
	Status        WorkerStatus    `json:"status"`
	Capacity      int             `json:"capacity"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	CurrentJobIDs map[string]bool `json:"current_job_ids"`
}

// Load is the number of jobs the worker is currently running.
func (w *Worker) Load() int { return len(w.CurrentJobIDs) }

// HasCapacity reports whether the worker can accept another job.
func (w *Worker) HasCapacity() bool {
	return w.Status != WorkerOffline && w.Load() < w.Capacity
}

// Clone returns a copy safe to hand outside the registry lock.
func (w *Worker) Clone() *Worker {
	c := *w
	c.CurrentJobIDs = make(map[string]bool, len(w.CurrentJobIDs))
	for id := range w.CurrentJobIDs {
		c.CurrentJobIDs[id] = true
	}
	return &c
}

// JobProgress is the latest job_status a worker reported for a job.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
