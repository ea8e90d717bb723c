// Package scheduler turns cron triggers into queue submissions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// MisfirePolicy decides what happens to fire times missed while no scheduler was running.
type MisfirePolicy string

const (
	// MisfireSkip drops missed fires and waits for the next scheduled time.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireFireOnce enqueues a single job for the most recent missed fire.
	MisfireFireOnce MisfirePolicy = "fire_once"
)

// Store is the scheduler's view of trigger persistence.
type Store interface {
	ListEnabled(ctx context.Context) ([]*domain.Trigger, error)
	MarkFired(ctx context.Context, id string, at time.Time) error
}

// Enqueuer submits jobs. queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)
}

// Config controls the scheduler loop.
type Config struct {
	Interval      time.Duration `mapstructure:"scheduler_interval" validate:"gt=0"`
	MisfirePolicy MisfirePolicy `mapstructure:"misfire_policy" validate:"oneof=skip fire_once"`
	// MisfireGrace is how late a fire may be evaluated and still count as on time.
	MisfireGrace time.Duration `mapstructure:"misfire_grace" validate:"gte=0"`
}

// DefaultConfig returns a 1s tick, skip policy, 1m grace.
func DefaultConfig() Config {
	return Config{Interval: time.Second, MisfirePolicy: MisfireSkip, MisfireGrace: time.Minute}
}

// Validate rejects an unknown policy or non-positive interval.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return &domain.InvalidConfigError{Component: "scheduler", Reason: "interval must be > 0"}
	}
	if c.MisfireGrace < 0 {
		return &domain.InvalidConfigError{Component: "scheduler", Reason: "misfire_grace must be >= 0"}
	}
	if c.MisfirePolicy != MisfireSkip && c.MisfirePolicy != MisfireFireOnce {
		return &domain.InvalidConfigError{Component: "scheduler", Reason: fmt.Sprintf("unknown misfire_policy %q", c.MisfirePolicy)}
	}
	return nil
}

// Scheduler fires due triggers into the queue.
type Scheduler struct {
	store    Store
	queue    Enqueuer
	cfg      Config
	isLeader func() bool
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeader gates ticks on leadership. Without it every instance fires;
// duplicate fires collapse on the job's idempotency key.
func WithLeader(isLeader func() bool) Option { return func(s *Scheduler) { s.isLeader = isLeader } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.clock = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New validates cfg and returns a Scheduler.
func New(store Store, q Enqueuer, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:    store,
		queue:    q,
		cfg:      cfg,
		isLeader: func() bool { return true },
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if s.isLeader() {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick", slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every enabled trigger once and returns the number of jobs enqueued.
// A failing trigger is logged and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	triggers, err := s.store.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list triggers: %w", err)
	}
	now := s.clock().UTC()
	fired := 0
	for _, t := range triggers {
		ok, err := s.evaluate(ctx, t, now)
		if err != nil {
			s.logger.Error("trigger evaluation failed",
				slog.String("trigger", t.Name),
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) evaluate(ctx context.Context, t *domain.Trigger, now time.Time) (bool, error) {
	sched, loc, err := ParseSchedule(t.CronExpr, t.Timezone)
	if err != nil {
		return false, err
	}

	ref := t.CreatedAt
	if t.LastFiredAt != nil {
		ref = *t.LastFiredAt
	}
	latest := latestDue(sched, ref.In(loc), now)
	if latest.IsZero() {
		return false, nil
	}

	log := s.logger.With(slog.String("trigger", t.Name), slog.String("trigger_id", t.ID))
	outcome := "fired"
	if now.Sub(latest) > s.cfg.MisfireGrace {
		if s.cfg.MisfirePolicy == MisfireSkip {
			telemetry.SchedulerFiresTotal.WithLabelValues("misfire_skipped").Inc()
			log.Warn("skipping misfired trigger",
				slog.Time("scheduled_for", latest),
				slog.Time("last_fired", ref),
			)
			return false, s.store.MarkFired(ctx, t.ID, latest)
		}
		outcome = "misfire_fired"
	}

	if err := s.fire(ctx, t, latest); err != nil {
		return false, err
	}
	telemetry.SchedulerFiresTotal.WithLabelValues(outcome).Inc()
	log.Info("trigger fired",
		slog.Time("scheduled_for", latest),
		slog.String("outcome", outcome),
	)
	return true, nil
}

func (s *Scheduler) fire(ctx context.Context, t *domain.Trigger, at time.Time) error {
	ctx, span := telemetry.Tracer("scheduler").Start(ctx, "scheduler.fire")
	defer span.End()
	span.SetAttributes(attribute.String("trigger.id", t.ID), attribute.String("job.type", t.JobType))

	job, err := s.queue.Enqueue(ctx, t.NewJob(at))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue fire of %s at %s: %w", t.Name, at.Format(time.RFC3339), err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	// The job is already durable; a failed mark only means the next tick
	// re-fires the same key, which the queue collapses.
	return s.store.MarkFired(ctx, t.ID, at)
}

// latestDue returns the most recent fire time in (after, now], or zero when
// nothing is due. It widens a lookback window from now until the window holds
// a fire time, so the walk covers at most that window however long the outage.
func latestDue(sched cron.Schedule, after, now time.Time) time.Time {
	if first := sched.Next(after); first.IsZero() || first.After(now) {
		return time.Time{}
	}
	from := after
	for w := time.Minute; ; w *= 2 {
		start := now.Add(-w).In(after.Location())
		if !start.After(after) {
			break
		}
		if next := sched.Next(start); !next.IsZero() && !next.After(now) {
			from = start
			break
		}
	}
	var latest time.Time
	for next := sched.Next(from); !next.IsZero() && !next.After(now); next = sched.Next(next) {
		latest = next
	}
	return latest.UTC()
}

// ParseSchedule parses a standard five-field cron expression (or a descriptor
// such as @hourly) evaluated in timezone. An empty timezone means UTC.
func ParseSchedule(expr, timezone string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, domain.Permanent(fmt.Errorf("timezone %q: %w", timezone, err))
		}
		loc = l
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, domain.Permanent(fmt.Errorf("cron %q: %w", expr, err))
	}
	return sched, loc, nil
}

// NextFire returns the first fire time of t strictly after after.
func NextFire(t *domain.Trigger, after time.Time) (time.Time, error) {
	sched, loc, err := ParseSchedule(t.CronExpr, t.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// ValidateTrigger checks a trigger definition before it is stored.
func ValidateTrigger(t *domain.Trigger) error {
	switch {
	case t.Name == "":
		return domain.Permanent(errors.New("name is required"))
	case t.JobType == "":
		return domain.Permanent(errors.New("job_type is required"))
	case t.Priority < domain.MinPriority || t.Priority > domain.MaxPriority:
		return domain.Permanent(fmt.Errorf("priority %d out of range [%d, %d]", t.Priority, domain.MinPriority, domain.MaxPriority))
	}
	_, _, err := ParseSchedule(t.CronExpr, t.Timezone)
	return err
}
