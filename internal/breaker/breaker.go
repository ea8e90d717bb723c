// Package breaker implements a consecutive-failure circuit breaker and a
// per-endpoint group of breakers.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `mapstructure:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" validate:"gte=1"`
}

// DefaultConfig returns failure_threshold=5, success_threshold=2, timeout=30s, half_open_max_calls=1.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// Validate rejects thresholds that would make the breaker unusable.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return &domain.InvalidConfigError{Component: "circuit_breaker", Reason: "failure_threshold must be >= 1"}
	case c.SuccessThreshold < 1:
		return &domain.InvalidConfigError{Component: "circuit_breaker", Reason: "success_threshold must be >= 1"}
	case c.Timeout <= 0:
		return &domain.InvalidConfigError{Component: "circuit_breaker", Reason: "timeout must be > 0"}
	case c.HalfOpenMaxCalls < 1:
		return &domain.InvalidConfigError{Component: "circuit_breaker", Reason: "half_open_max_calls must be >= 1"}
	}
	return nil
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to one downstream.
type Breaker struct {
	name      string
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
	isFailure func(error) bool
	onChange  func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	trials    int // in-flight HALF_OPEN calls
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.clock = now } }

// WithLogger sets the logger used for state changes.
func WithLogger(l *slog.Logger) Option { return func(b *Breaker) { b.logger = l } }

// WithFailurePredicate decides which errors count against the breaker.
func WithFailurePredicate(fn func(error) bool) Option { return func(b *Breaker) { b.isFailure = fn } }

// WithStateChange registers a callback invoked (outside the lock) on every transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// DefaultFailure counts transient errors. Caller cancellation, permanent
// errors and lost leases say nothing about the downstream's health.
func DefaultFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return domain.IsTransient(err)
}

// New validates cfg and returns a CLOSED breaker.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		clock:     time.Now,
		logger:    slog.Default(),
		isFailure: DefaultFailure,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	telemetry.BreakerState.WithLabelValues(name).Set(StateClosed.gauge())
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. While OPEN, or while HALF_OPEN
// with every trial slot taken, it returns *domain.CircuitOpenError without
// calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// Allow reserves a call. The caller must invoke done with the call's result.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	now := b.clock()
	from := b.state
	b.advance(now)

	switch b.state {
	case StateOpen:
		retryAfter := b.openedAt.Add(b.cfg.Timeout).Sub(now)
		b.mu.Unlock()
		b.notify(from, StateOpen)
		telemetry.BreakerRejectedTotal.WithLabelValues(b.name).Inc()
		return nil, &domain.CircuitOpenError{Name: b.name, RetryAfter: retryAfter}
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.notify(from, StateHalfOpen)
			telemetry.BreakerRejectedTotal.WithLabelValues(b.name).Inc()
			return nil, &domain.CircuitOpenError{Name: b.name}
		}
		b.trials++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(err) })
	}, nil
}

// advance moves OPEN to HALF_OPEN once the timeout has elapsed. Caller holds mu.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.state = StateHalfOpen
		b.successes = 0
		b.trials = 0
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	failed := b.isFailure(err)

	switch b.state {
	case StateClosed:
		if failed {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.open()
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		if b.trials > 0 {
			b.trials--
		}
		if failed {
			b.open()
		} else {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
			}
		}
	case StateOpen:
		// A call admitted before another trial reopened the breaker; its result is stale.
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// open trips the breaker and restarts the open timer. Caller holds mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.successes = 0
	b.trials = 0
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	telemetry.BreakerState.WithLabelValues(b.name).Set(to.gauge())
	b.logger.Info("circuit breaker state change",
		slog.String("breaker", b.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state, applying the OPEN timeout.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a copy of the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
	}
	// Report the pending HALF_OPEN without committing it; Allow does that.
	if b.state == StateOpen && !b.clock().Before(b.openedAt.Add(b.cfg.Timeout)) {
		s.State = StateHalfOpen
		s.ConsecutiveSuccesses = 0
	}
	if b.state != StateClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset forces the breaker CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.successes, b.trials = 0, 0, 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
