package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "ops_total",
		Help:      "Queue operations, labelled by operation and outcome.",
	}, []string{"op", "outcome"})

	QueueReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "reaped_total",
		Help:      "Claimed jobs returned to PENDING after lease expiry.",
	})

	// ─── Coordinator ─────────────────────────────────────────────────────────────

	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "coordinator",
		Name:      "dispatched_total",
		Help:      "Jobs claimed on behalf of a worker and pushed to it, by policy.",
	}, []string{"policy"})

	DispatchSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "coordinator",
		Name:      "dispatch_skipped_total",
		Help:      "Dispatch attempts skipped, by reason.",
	}, []string{"reason"})

	JobTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "coordinator",
		Name:      "job_timeouts_total",
		Help:      "Running jobs failed with TIMEOUT by the timeout-check loop.",
	})

	WorkersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "coordinator",
		Name:      "workers",
		Help:      "Registered workers by status.",
	}, []string{"status"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "protocol",
		Name:      "messages_total",
		Help:      "Wire messages received, by type (unknown types included).",
	}, []string{"type"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Trigger evaluations, by outcome (fired, misfire_skipped, misfire_fired).",
	}, []string{"outcome"})

	// ─── Resilience ──────────────────────────────────────────────────────────────

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})

	BreakerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "breaker",
		Name:      "rejected_total",
		Help:      "Calls failed fast without invoking the wrapped operation.",
	}, []string{"name"})

	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "connection",
		Name:      "connected",
		Help:      "1 when the endpoint is CONNECTED, 0 otherwise.",
	}, []string{"endpoint"})

	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "connection",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts made by the connection manager.",
	}, []string{"endpoint"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Jobs finished by this worker, by outcome.",
	}, []string{"outcome"})

	WorkerJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed.",
	})

	WorkerJobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "End-to-end job execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	})

	WorkerStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "steps_total",
		Help:      "Steps handled by the durable executor, by outcome (executed, skipped, failed).",
	}, []string{"outcome"})

	WorkerLeaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "lease_lost_total",
		Help:      "Jobs abandoned because another worker took ownership.",
	})

	OfflinePendingSync = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "worker",
		Name:      "offline_pending_sync",
		Help:      "Job outcomes recorded offline and not yet reported to the queue.",
	})
)
