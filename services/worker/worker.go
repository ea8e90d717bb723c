// Package worker is the worker agent. It claims jobs from the queue or takes
// the ones the coordinator pushes, runs them through the durable executor,
// renews their leases while they run, and reports outcomes. While the link to
// the coordinator side is down it keeps executing and records outcomes in the
// offline store, then reports them once the link is back.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/checkpoint"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/connection"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/offline"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
)

// Queue is the consumer side of the durable queue.
type Queue interface {
	Claim(ctx context.Context, workerID string, batchSize int, visibilityTimeout time.Duration) ([]*domain.Job, error)
	Start(ctx context.Context, jobID, workerID string) (bool, error)
	Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) (bool, error)
	Complete(ctx context.Context, jobID, workerID string, result []byte) (bool, error)
	Fail(ctx context.Context, jobID, workerID string, cause error) (queue.FailOutcome, error)
	Release(ctx context.Context, jobID, workerID string) (bool, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}

// Link is the worker's connection to the coordinator side. *connection.Manager satisfies it.
type Link interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
	State() connection.State
}

// Reporter sends messages to the coordinator. kafka.Channel satisfies it.
type Reporter interface {
	SendToCoordinator(ctx context.Context, workerID string, m protocol.Message) error
}

// LocalStore is the worker's offline log. *offline.Store satisfies it.
type LocalStore interface {
	CacheJob(ctx context.Context, job *domain.Job) error
	MarkInProgress(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, result []byte) error
	MarkFailed(ctx context.Context, jobID, errMsg string, permanent bool) error
	JobsToSync(ctx context.Context) ([]*offline.Record, error)
	MarkSynced(ctx context.Context, jobID string) error
	JobsInProgress(ctx context.Context) ([]*offline.Record, error)
	Forget(ctx context.Context, jobID string) error
	PruneSynced(ctx context.Context, before time.Time) (int64, error)
}

// Config controls claiming and lease renewal.
type Config struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" validate:"gte=1"`
	BatchSize         int           `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	// HeartbeatInterval is how often the worker announces itself to the coordinator.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	// SyncedRetention is how long reported outcomes stay in the offline store.
	SyncedRetention time.Duration `mapstructure:"synced_retention" validate:"gte=0"`
}

// DefaultConfig returns 4 concurrent jobs, batches of 10, 1s polling, 30s leases.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 4,
		BatchSize:         10,
		PollInterval:      time.Second,
		VisibilityTimeout: 30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SyncedRetention:   24 * time.Hour,
	}
}

// Validate rejects non-positive limits and intervals.
func (c Config) Validate() error {
	bad := func(reason string) error { return &domain.InvalidConfigError{Component: "worker", Reason: reason} }
	switch {
	case c.MaxConcurrentJobs < 1:
		return bad("max_concurrent_jobs must be >= 1")
	case c.BatchSize < 1:
		return bad("batch_size must be >= 1")
	case c.PollInterval <= 0 || c.HeartbeatInterval <= 0:
		return bad("poll_interval and heartbeat_interval must be > 0")
	case c.VisibilityTimeout <= 0:
		return bad("visibility_timeout must be > 0")
	case c.SyncedRetention < 0:
		return bad("synced_retention must be >= 0")
	}
	return nil
}

// LeaseInterval is how often running jobs' leases are renewed.
func (c Config) LeaseInterval() time.Duration { return c.VisibilityTimeout / 3 }

// run is one job executing on this worker.
type run struct {
	job       *domain.Job
	resumed   bool
	cancelled atomic.Bool
	leaseLost atomic.Bool
}

// Agent is the worker. Construct with New.
type Agent struct {
	id       string
	cfg      Config
	queue    Queue
	link     Link
	local    LocalStore
	executor *checkpoint.Executor
	reporter Reporter // nil = no coordinator messages
	clock    func() time.Time
	logger   *slog.Logger

	sem     *semaphore.Weighted
	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup

	// jobsCtx outlives message handlers; it is cancelled when Run returns.
	jobsCtx  context.Context
	stopJobs context.CancelFunc

	syncMu     sync.Mutex
	syncNeeded atomic.Bool
	wake       chan struct{}
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(a *Agent) { a.clock = now } }

// WithReporter enables heartbeats and job_status messages to the coordinator.
func WithReporter(r Reporter) Option { return func(a *Agent) { a.reporter = r } }

// New validates cfg and wires the agent.
func New(id string, cfg Config, q Queue, link Link, local LocalStore, executor *checkpoint.Executor, opts ...Option) (*Agent, error) {
	if id == "" {
		return nil, &domain.InvalidConfigError{Component: "worker", Reason: "worker id is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		id:       id,
		cfg:      cfg,
		queue:    q,
		link:     link,
		local:    local,
		executor: executor,
		clock:    time.Now,
		logger:   slog.Default(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		running:  make(map[string]*run),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("worker_id", id))
	a.jobsCtx, a.stopJobs = context.WithCancel(context.Background())
	return a, nil
}

// ID returns the worker id.
func (a *Agent) ID() string { return a.id }

// Routes registers handlers for messages the coordinator pushes.
func (a *Agent) Routes(r *protocol.Router) {
	protocol.Handle(r, a.HandleAssign)
	protocol.Handle(r, a.HandleCancel)
	protocol.Handle(r, func(_ context.Context, p protocol.Ping) error {
		a.logger.Debug("ping", slog.Time("sent", p.Timestamp))
		return nil
	})
}

// OnConnected is the connection manager callback. It schedules an offline
// sync before the next claim. It must not block.
func (a *Agent) OnConnected() {
	a.syncNeeded.Store(true)
	a.poke()
}

// OnDisconnected is the connection manager callback. Running jobs continue offline.
func (a *Agent) OnDisconnected(err error) {
	a.logger.Warn("link down, continuing offline",
		slog.Int("running", a.inFlight()),
		slog.String("error", err.Error()),
	)
}

func (a *Agent) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run resumes interrupted jobs, then claims, renews leases and announces the
// worker until ctx is cancelled. It returns after every running job has stopped.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		a.stopJobs()
		a.wg.Wait()
	}()
	a.syncNeeded.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.resume(gctx); err != nil && gctx.Err() == nil {
			a.logger.Error("resume interrupted jobs", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error { a.claimLoop(gctx); return nil })
	g.Go(func() error { a.leaseLoop(gctx); return nil })
	g.Go(func() error { a.heartbeatLoop(gctx); return nil })
	err := g.Wait()
	a.logger.Info("worker stopping", slog.Int("running", a.inFlight()))
	return err
}

func (a *Agent) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		a.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

func (a *Agent) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.LeaseInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.renewLeases(ctx)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		a.sendHeartbeat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) connected() bool { return a.link.State() == connection.StateConnected }

// pollOnce drains pending offline outcomes, then claims up to the free
// capacity. Returns the number of jobs started.
func (a *Agent) pollOnce(ctx context.Context) int {
	if !a.connected() {
		return 0
	}
	if a.syncNeeded.Load() {
		if err := a.SyncOffline(ctx); err != nil {
			a.logger.Warn("offline sync incomplete, not claiming", slog.String("error", err.Error()))
			return 0
		}
	}
	free := a.cfg.MaxConcurrentJobs - a.inFlight()
	if free <= 0 {
		return 0
	}
	n := min(free, a.cfg.BatchSize)

	var jobs []*domain.Job
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		var err error
		jobs, err = a.queue.Claim(ctx, a.id, n, a.cfg.VisibilityTimeout)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("claim failed", slog.String("error", err.Error()))
		}
		return 0
	}

	started := 0
	for _, job := range jobs {
		if a.start(job, false) {
			started++
			continue
		}
		a.release(ctx, job.ID)
	}
	if started > 0 {
		a.logger.Debug("claimed jobs", slog.Int("count", started))
	}
	return started
}

// start runs job if a slot is free. A job already running here counts as started.
func (a *Agent) start(job *domain.Job, resumed bool) bool {
	if a.jobsCtx.Err() != nil {
		return false
	}
	a.mu.Lock()
	if _, ok := a.running[job.ID]; ok {
		a.mu.Unlock()
		return true
	}
	if !a.sem.TryAcquire(1) {
		a.mu.Unlock()
		return false
	}
	r := &run{job: job, resumed: resumed}
	a.running[job.ID] = r
	a.mu.Unlock()

	a.launch(r)
	return true
}

// startBlocking waits for a free slot. Used for resumed jobs, which must not be dropped.
func (a *Agent) startBlocking(ctx context.Context, job *domain.Job) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.mu.Lock()
	if _, ok := a.running[job.ID]; ok {
		a.mu.Unlock()
		a.sem.Release(1)
		return nil
	}
	r := &run{job: job, resumed: true}
	a.running[job.ID] = r
	a.mu.Unlock()

	a.launch(r)
	return nil
}

func (a *Agent) launch(r *run) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.done(r)
		a.execute(a.jobsCtx, r)
	}()
}

func (a *Agent) done(r *run) {
	a.mu.Lock()
	delete(a.running, r.job.ID)
	a.mu.Unlock()
	a.sem.Release(1)
	a.poke()
}

func (a *Agent) inFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

func (a *Agent) snapshot() []*run {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*run, 0, len(a.running))
	for _, r := range a.running {
		out = append(out, r)
	}
	return out
}

// release hands a claimed job back to the queue without consuming an attempt.
func (a *Agent) release(ctx context.Context, jobID string) {
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		_, err := a.queue.Release(ctx, jobID, a.id)
		return err
	})
	if err != nil {
		// The lease expires on its own.
		a.logger.Warn("release failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// HandleAssign accepts a job the coordinator claimed on this worker's behalf.
// With no free slot the claim is released so it can go elsewhere.
func (a *Agent) HandleAssign(ctx context.Context, m protocol.JobAssign) error {
	owner := a.id
	lease := m.LeaseExpiresAt
	job := &domain.Job{
		ID:             m.JobID,
		Type:           m.JobType,
		WorkflowID:     m.WorkflowID,
		Payload:        m.Payload,
		Priority:       m.Priority,
		TimeoutSeconds: m.TimeoutSeconds,
		Status:         domain.StatusClaimed,
		ClaimedBy:      &owner,
		LeaseExpiresAt: &lease,
	}
	if !a.start(job, false) {
		a.logger.Info("no capacity for pushed job, releasing", slog.String("job_id", m.JobID))
		a.release(ctx, m.JobID)
	}
	return nil
}

// HandleCancel flags a running job; it stops before its next step.
func (a *Agent) HandleCancel(_ context.Context, m protocol.JobCancel) error {
	a.mu.Lock()
	r, ok := a.running[m.JobID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancelled.Store(true)
	a.logger.Info("cancel requested", slog.String("job_id", m.JobID), slog.String("reason", m.Reason))
	return nil
}

// renewLeases extends the lease of every running job. A refused renewal
// means another worker owns the job now.
func (a *Agent) renewLeases(ctx context.Context) {
	for _, r := range a.snapshot() {
		if !a.connected() {
			return
		}
		var ok bool
		err := a.link.Execute(ctx, func(ctx context.Context) error {
			var err error
			ok, err = a.queue.Heartbeat(ctx, r.job.ID, a.id, a.cfg.VisibilityTimeout)
			return err
		})
		if err != nil {
			continue
		}
		if !ok && !r.leaseLost.Swap(true) {
			a.logger.Warn("lease lost", slog.String("job_id", r.job.ID))
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	runs := a.snapshot()
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.job.ID
	}
	status := "IDLE"
	if len(ids) > 0 {
		status = "BUSY"
	}
	a.send(ctx, protocol.Heartbeat{
		WorkerID:      a.id,
		Status:        status,
		Timestamp:     a.clock().UTC(),
		Capacity:      a.cfg.MaxConcurrentJobs,
		CurrentJobIDs: ids,
	})
}

func (a *Agent) sendStatus(ctx context.Context, jobID string, status domain.Status, progress float64, msg string) {
	a.send(ctx, protocol.JobStatus{
		JobID:     jobID,
		WorkerID:  a.id,
		Status:    string(status),
		Progress:  progress,
		Message:   msg,
		Timestamp: a.clock().UTC(),
	})
}

// send is best effort; nothing is queued while the link is down.
func (a *Agent) send(ctx context.Context, m protocol.Message) {
	if a.reporter == nil || !a.connected() {
		return
	}
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		return a.reporter.SendToCoordinator(ctx, a.id, m)
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Debug("send to coordinator failed",
			slog.String("type", string(m.MessageType())),
			slog.String("error", err.Error()),
		)
	}
}
