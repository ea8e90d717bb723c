// Package coordinator is the orchestrator engine: it tracks workers from
// their heartbeats, dispatches pending jobs to them by policy, and fails
// running jobs that outlive their timeout.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	redisstore "github.com/ramiqadoumi/go-job-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Pusher delivers messages to one worker. kafka.Channel satisfies it.
type Pusher interface {
	SendToWorker(ctx context.Context, workerID string, m protocol.Message) error
}

// ProgressStore caches job_status reports. redis.ProgressStore satisfies it.
type ProgressStore interface {
	SetProgress(ctx context.Context, p domain.JobProgress) error
	GetProgress(ctx context.Context, jobID string) (*domain.JobProgress, error)
}

// Config controls the engine loops.
type Config struct {
	DispatchInterval     time.Duration `mapstructure:"dispatch_interval" validate:"gt=0"`
	TimeoutCheckInterval time.Duration `mapstructure:"timeout_check_interval" validate:"gt=0"`
	DefaultJobTimeout    time.Duration `mapstructure:"default_job_timeout" validate:"gt=0"`
	ReaperInterval       time.Duration `mapstructure:"reaper_interval" validate:"gt=0"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	MissedHeartbeats     int           `mapstructure:"missed_heartbeats" validate:"gte=1"`
	VisibilityTimeout    time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	// BatchSize is the number of pending jobs considered per dispatch tick.
	BatchSize int    `mapstructure:"batch_size" validate:"gte=1"`
	Policy    Policy `mapstructure:"lb_policy" validate:"oneof=round_robin least_loaded random affinity"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:     time.Second,
		TimeoutCheckInterval: 10 * time.Second,
		DefaultJobTimeout:    5 * time.Minute,
		ReaperInterval:       5 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		MissedHeartbeats:     3,
		VisibilityTimeout:    30 * time.Second,
		BatchSize:            50,
		Policy:               RoundRobin,
	}
}

// Validate rejects non-positive intervals and counts.
func (c Config) Validate() error {
	bad := func(reason string) error {
		return &domain.InvalidConfigError{Component: "coordinator", Reason: reason}
	}
	switch {
	case c.DispatchInterval <= 0, c.TimeoutCheckInterval <= 0, c.ReaperInterval <= 0, c.HeartbeatInterval <= 0:
		return bad("loop intervals must be > 0")
	case c.DefaultJobTimeout <= 0:
		return bad("default_job_timeout must be > 0")
	case c.VisibilityTimeout <= 0:
		return bad("visibility_timeout must be > 0")
	case c.MissedHeartbeats < 1:
		return bad("missed_heartbeats must be >= 1")
	case c.BatchSize < 1:
		return bad("batch_size must be >= 1")
	}
	return nil
}

// Engine is the orchestrator. Construct with NewEngine; every dependency is injected.
type Engine struct {
	cfg      Config
	queue    queue.Queue
	registry *Registry
	balancer Balancer
	breakers *breaker.Group
	pusher   Pusher
	progress ProgressStore
	limiter  redisstore.RateLimiter // nil = disabled
	isLeader func() bool
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// WithLeader gates the dispatch, timeout and reaper loops on leadership.
func WithLeader(isLeader func() bool) Option { return func(e *Engine) { e.isLeader = isLeader } }

// WithRateLimiter throttles dispatch per job type.
func WithRateLimiter(l redisstore.RateLimiter) Option { return func(e *Engine) { e.limiter = l } }

// WithProgressStore replaces the in-memory progress cache.
func WithProgressStore(p ProgressStore) Option { return func(e *Engine) { e.progress = p } }

// WithBreakers shares the per-worker breaker group.
func WithBreakers(g *breaker.Group) Option { return func(e *Engine) { e.breakers = g } }

// NewEngine validates cfg and wires the engine.
func NewEngine(cfg Config, q queue.Queue, pusher Pusher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bal, err := NewBalancer(cfg.Policy)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		queue:    q,
		balancer: bal,
		pusher:   pusher,
		isLeader: func() bool { return true },
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		g, err := breaker.NewGroup(breaker.DefaultConfig(), breaker.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.breakers = g
	}
	if e.progress == nil {
		e.progress = newMemoryProgress()
	}
	e.registry = NewRegistry(cfg.HeartbeatInterval, cfg.MissedHeartbeats, e.clock)
	return e, nil
}

// Registry exposes the worker registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Breakers exposes the per-worker breakers.
func (e *Engine) Breakers() *breaker.Group { return e.breakers }

// Queue exposes the queue the engine drives.
func (e *Engine) Queue() queue.Queue { return e.queue }

// Routes registers the engine's message handlers on r.
func (e *Engine) Routes(r *protocol.Router) {
	protocol.Handle(r, e.HandleHeartbeat)
	protocol.Handle(r, e.HandleJobStatus)
	protocol.Handle(r, func(_ context.Context, p protocol.Ping) error {
		e.logger.Debug("ping", slog.Time("sent", p.Timestamp))
		return nil
	})
}

// Run drives the dispatch, timeout and reaper loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.loop(ctx, e.cfg.DispatchInterval, func(ctx context.Context) error {
			for _, id := range e.registry.Sweep() {
				e.logger.Warn("worker offline", slog.String("worker_id", id))
			}
			if !e.isLeader() {
				return nil
			}
			_, err := e.DispatchOnce(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		e.loop(ctx, e.cfg.TimeoutCheckInterval, func(ctx context.Context) error {
			if !e.isLeader() {
				return nil
			}
			_, err := e.CheckTimeouts(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		queue.RunReaper(ctx, leaderReaper{e}, e.cfg.ReaperInterval, e.logger)
		return nil
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, every time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("engine loop", slog.String("error", err.Error()))
			}
		}
	}
}

// leaderReaper reaps only on the leader.
type leaderReaper struct{ e *Engine }

func (r leaderReaper) ReapExpired(ctx context.Context) (int, error) {
	if !r.e.isLeader() {
		return 0, nil
	}
	return r.e.queue.ReapExpired(ctx)
}

// DispatchOnce hands visible pending jobs to eligible workers and returns how
// many were pushed. The claim happens before the push; a failed push releases
// the claim so the job is immediately dispatchable again.
func (e *Engine) DispatchOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer("coordinator").Start(ctx, "coordinator.dispatch")
	defer span.End()

	jobs, err := e.queue.ListClaimable(ctx, e.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list claimable")
		return 0, fmt.Errorf("list claimable: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, job := range jobs {
		candidates := e.candidates()
		if len(candidates) == 0 {
			telemetry.DispatchSkippedTotal.WithLabelValues("no_workers").Inc()
			break
		}
		ok, err := e.dispatch(ctx, job, candidates)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	span.SetAttributes(attribute.Int("jobs.dispatched", dispatched))
	return dispatched, nil
}

// candidates are workers with spare capacity whose breaker is not open.
func (e *Engine) candidates() []*domain.Worker {
	workers := e.registry.Eligible()
	out := workers[:0]
	for _, w := range workers {
		if !e.breakers.Open(w.ID) {
			out = append(out, w)
		}
	}
	return out
}

func (e *Engine) dispatch(ctx context.Context, job *domain.Job, candidates []*domain.Worker) (bool, error) {
	log := e.logger.With(slog.String("job_id", job.ID), slog.String("job_type", job.Type))

	if e.limiter != nil && job.Type != "" {
		allowed, err := e.limiter.Allow(ctx, job.Type)
		if err != nil {
			// Redis trouble must not stall dispatch.
			log.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.DispatchSkippedTotal.WithLabelValues("rate_limited").Inc()
			return false, nil
		}
	}

	w := e.balancer.Pick(job, candidates)
	claimed, err := e.queue.ClaimJob(ctx, job.ID, w.ID, e.cfg.VisibilityTimeout)
	if err != nil {
		return false, fmt.Errorf("claim %s for %s: %w", job.ID, w.ID, err)
	}
	if claimed == nil {
		// A pulling worker or another dispatcher got there first.
		telemetry.DispatchSkippedTotal.WithLabelValues("claim_conflict").Inc()
		return false, nil
	}

	assign := protocol.JobAssign{
		JobID:          claimed.ID,
		JobType:        claimed.Type,
		WorkflowID:     claimed.WorkflowID,
		Payload:        claimed.Payload,
		Priority:       claimed.Priority,
		TimeoutSeconds: int(claimed.Timeout(e.cfg.DefaultJobTimeout) / time.Second),
	}
	if claimed.LeaseExpiresAt != nil {
		assign.LeaseExpiresAt = *claimed.LeaseExpiresAt
	}
	err = e.breakers.Execute(ctx, w.ID, func(ctx context.Context) error {
		return e.pusher.SendToWorker(ctx, w.ID, assign)
	})
	if err != nil {
		telemetry.DispatchSkippedTotal.WithLabelValues("push_failed").Inc()
		log.Warn("push failed, releasing claim", slog.String("worker_id", w.ID), slog.String("error", err.Error()))
		if _, relErr := e.queue.Release(ctx, claimed.ID, w.ID); relErr != nil {
			// The lease expires on its own.
			log.Error("release after failed push", slog.String("error", relErr.Error()))
		}
		return false, nil
	}

	e.registry.Assign(w.ID, claimed.ID)
	e.balancer.Assigned(claimed, w.ID)
	telemetry.DispatchedTotal.WithLabelValues(string(e.cfg.Policy)).Inc()
	log.Info("job dispatched", slog.String("worker_id", w.ID), slog.Int("priority", claimed.Priority))
	return true, nil
}

// CheckTimeouts fails RUNNING jobs that have run longer than their timeout
// and asks their worker to stop. Returns the number of jobs failed.
func (e *Engine) CheckTimeouts(ctx context.Context) (int, error) {
	jobs, err := e.queue.List(ctx, domain.StatusRunning, 0)
	if err != nil {
		return 0, fmt.Errorf("list running: %w", err)
	}
	now := e.clock()
	failed := 0
	for _, job := range jobs {
		if job.StartedAt == nil {
			continue
		}
		timeout := job.Timeout(e.cfg.DefaultJobTimeout)
		if now.Sub(*job.StartedAt) < timeout {
			continue
		}
		owner := job.Owner()
		outcome, err := e.queue.Fail(ctx, job.ID, owner, &domain.TimeoutError{JobID: job.ID, Timeout: timeout})
		if err != nil {
			var nf *domain.JobNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return failed, fmt.Errorf("fail timed-out job %s: %w", job.ID, err)
		}
		if outcome == queue.FailLeaseLost {
			// The worker finished or lost the lease since we listed.
			continue
		}
		failed++
		telemetry.JobTimeoutsTotal.Inc()
		e.registry.Unassign(owner, job.ID)
		e.logger.Warn("job timed out",
			slog.String("job_id", job.ID),
			slog.String("worker_id", owner),
			slog.Duration("timeout", timeout),
			slog.String("outcome", string(outcome)),
		)
		e.notifyCancel(ctx, owner, job.ID, "timeout")
	}
	return failed, nil
}

// Cancel cancels a job and, if a worker owned it, pushes job_cancel so it
// stops at the next step boundary. ok is false when the job was already terminal.
func (e *Engine) Cancel(ctx context.Context, jobID, reason string) (*domain.Job, bool, error) {
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	owner := job.Owner()
	ok, err := e.queue.Cancel(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if ok && owner != "" {
		e.registry.Unassign(owner, jobID)
		e.notifyCancel(ctx, owner, jobID, reason)
	}
	job, err = e.queue.Get(ctx, jobID)
	return job, ok, err
}

// notifyCancel is best effort; the worker also sees the lost lease on its next heartbeat.
func (e *Engine) notifyCancel(ctx context.Context, workerID, jobID, reason string) {
	if workerID == "" {
		return
	}
	err := e.breakers.Execute(ctx, workerID, func(ctx context.Context) error {
		return e.pusher.SendToWorker(ctx, workerID, protocol.JobCancel{JobID: jobID, Reason: reason})
	})
	if err != nil {
		e.logger.Warn("push job_cancel failed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleHeartbeat updates the registry.
func (e *Engine) HandleHeartbeat(_ context.Context, hb protocol.Heartbeat) error {
	_, known := e.registry.Get(hb.WorkerID)
	e.registry.Heartbeat(hb)
	if !known {
		e.logger.Info("worker registered", slog.String("worker_id", hb.WorkerID), slog.Int("capacity", hb.Capacity))
	}
	return nil
}

// HandleJobStatus caches the report and frees the worker slot on terminal states.
func (e *Engine) HandleJobStatus(ctx context.Context, st protocol.JobStatus) error {
	// FAILED ends this worker's attempt even though the job may be retried.
	if s := domain.Status(st.Status); st.WorkerID != "" && (s.IsTerminal() || s == domain.StatusFailed) {
		e.registry.Unassign(st.WorkerID, st.JobID)
	}
	return e.progress.SetProgress(ctx, domain.JobProgress{
		JobID:     st.JobID,
		WorkerID:  st.WorkerID,
		Status:    st.Status,
		Progress:  st.Progress,
		Message:   st.Message,
		UpdatedAt: st.Timestamp,
	})
}

// Progress returns the last job_status report for jobID.
func (e *Engine) Progress(ctx context.Context, jobID string) (*domain.JobProgress, error) {
	return e.progress.GetProgress(ctx, jobID)
}
