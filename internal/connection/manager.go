// Package connection keeps a worker's logical link to the coordinator alive:
// it dials, health-checks, and reconnects with jittered exponential backoff,
// and routes every outbound call through a circuit breaker.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/retry"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// State of the logical connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	// StateFailed means the last attempt failed and the manager is backing off.
	StateFailed State = "FAILED"
)

// Endpoint is the remote side of the connection.
type Endpoint interface {
	Name() string
	// Probe dials or pings the endpoint. A nil error means it is reachable.
	Probe(ctx context.Context) error
}

// Config controls reconnection.
type Config struct {
	InitialDelay      time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
	// HealthInterval is how often a CONNECTED endpoint is probed.
	HealthInterval time.Duration `mapstructure:"health_interval" validate:"gt=0"`
	// ProbeTimeout bounds a single dial or health probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}

// DefaultConfig returns 1s initial delay, 60s cap, multiplier 2.
func DefaultConfig() Config {
	return Config{
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
		HealthInterval:    10 * time.Second,
		ProbeTimeout:      5 * time.Second,
	}
}

// Validate rejects negative or inverted delays.
func (c Config) Validate() error {
	switch {
	case c.InitialDelay <= 0:
		return &domain.InvalidConfigError{Component: "connection", Reason: "initial_delay must be > 0"}
	case c.MaxDelay < c.InitialDelay:
		return &domain.InvalidConfigError{Component: "connection", Reason: "max_delay must be >= initial_delay"}
	case c.BackoffMultiplier < 1:
		return &domain.InvalidConfigError{Component: "connection", Reason: "backoff_multiplier must be >= 1"}
	case c.HealthInterval <= 0 || c.ProbeTimeout <= 0:
		return &domain.InvalidConfigError{Component: "connection", Reason: "health_interval and probe_timeout must be > 0"}
	}
	return nil
}

// Manager owns one logical connection. Run drives it; Execute uses it.
type Manager struct {
	endpoint Endpoint
	cfg      Config
	breakers *breaker.Group
	backoff  retry.Backoff
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger

	onConnected    func()
	onDisconnected func(error)

	mu        sync.RWMutex
	state     State
	connected chan struct{} // closed while CONNECTED
	probe     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithBreakers shares a breaker group; the endpoint name is the key.
func WithBreakers(g *breaker.Group) Option { return func(m *Manager) { m.breakers = g } }

// WithOnConnected registers a callback run (synchronously, from Run) after each successful connect.
func WithOnConnected(fn func()) Option { return func(m *Manager) { m.onConnected = fn } }

// WithOnDisconnected registers a callback run when an established connection is lost.
func WithOnDisconnected(fn func(error)) Option { return func(m *Manager) { m.onDisconnected = fn } }

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithRand replaces the jitter source, for tests. fn must return values in [0, 1).
func WithRand(fn func() float64) Option { return func(m *Manager) { m.backoff.Rand = fn } }

// New validates cfg and returns a DISCONNECTED manager.
func New(endpoint Endpoint, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		endpoint: endpoint,
		cfg:      cfg,
		backoff: retry.Backoff{
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.BackoffMultiplier,
			Jitter:       true,
		},
		sleep:     retry.Sleep,
		logger:    slog.Default(),
		state:     StateDisconnected,
		connected: make(chan struct{}),
		probe:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breakers == nil {
		g, err := breaker.NewGroup(breaker.DefaultConfig(), breaker.WithLogger(m.logger))
		if err != nil {
			return nil, err
		}
		m.breakers = g
	}
	m.logger = m.logger.With(slog.String("endpoint", endpoint.Name()))
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Breaker returns the breaker guarding this endpoint.
func (m *Manager) Breaker() *breaker.Breaker { return m.breakers.Get(m.endpoint.Name()) }

// Delay returns the jittered wait before reconnect attempt n (0-indexed).
func (m *Manager) Delay(attempt int) time.Duration { return m.backoff.Delay(attempt) }

// Run connects and keeps the connection alive until ctx is cancelled.
// Reconnect attempts are unbounded.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)

	everConnected := false
	attempt := 0
	for {
		if everConnected {
			m.setState(StateReconnecting)
			telemetry.ReconnectAttemptsTotal.WithLabelValues(m.endpoint.Name()).Inc()
		} else {
			m.setState(StateConnecting)
		}

		err := m.probeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			everConnected = true
			attempt = 0
			m.setState(StateConnected)
			m.logger.Info("connected")
			if m.onConnected != nil {
				m.onConnected()
			}

			lost := m.monitor(ctx)
			if ctx.Err() != nil {
				return nil
			}
			m.setState(StateReconnecting)
			m.logger.Warn("connection lost", slog.String("error", lost.Error()))
			if m.onDisconnected != nil {
				m.onDisconnected(lost)
			}
			continue
		}

		m.setState(StateFailed)
		delay := m.Delay(attempt)
		m.logger.Warn("connect attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		attempt++
		if err := m.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// monitor blocks while the endpoint stays healthy and returns the error that ended it.
func (m *Manager) monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.probe:
		}
		if err := m.probeOnce(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context) error {
	return m.Breaker().Execute(ctx, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		if err := m.endpoint.Probe(pctx); err != nil {
			return fmt.Errorf("probe %s: %w", m.endpoint.Name(), err)
		}
		return nil
	})
}

// Execute runs fn through the endpoint's breaker when CONNECTED. Otherwise it
// returns *domain.NotConnectedError without calling fn. A transient failure
// schedules an immediate health probe.
func (m *Manager) Execute(ctx context.Context, fn func(context.Context) error) error {
	if s := m.State(); s != StateConnected {
		return &domain.NotConnectedError{Endpoint: m.endpoint.Name(), State: string(s)}
	}
	err := m.Breaker().Execute(ctx, fn)
	if breaker.DefaultFailure(err) {
		select {
		case m.probe <- struct{}{}:
		default:
		}
	}
	return err
}

// WaitConnected blocks until the manager is CONNECTED or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.RLock()
	ch := m.connected
	m.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == s {
		return
	}
	if s == StateConnected {
		close(m.connected)
	} else if m.state == StateConnected {
		m.connected = make(chan struct{})
	}
	m.state = s
	v := 0.0
	if s == StateConnected {
		v = 1
	}
	telemetry.ConnectionState.WithLabelValues(m.endpoint.Name()).Set(v)
}
