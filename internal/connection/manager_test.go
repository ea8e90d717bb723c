package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeEndpoint struct {
	mu        sync.Mutex
	failFirst int  // fail this many probes, then succeed
	down      bool // fail every probe while true
	probes    int
}

var errRefused = errors.New("dial tcp: connection refused")

func (e *fakeEndpoint) Name() string { return "coordinator" }

func (e *fakeEndpoint) Probe(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes++
	if e.down {
		return errRefused
	}
	if e.failFirst > 0 {
		e.failFirst--
		return errRefused
	}
	return nil
}

func (e *fakeEndpoint) setDown(down bool) {
	e.mu.Lock()
	e.down = down
	e.mu.Unlock()
}

// ── helpers ───────────────────────────────────────────────────────────────────

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() Config {
	return Config{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		HealthInterval:    time.Hour,
		ProbeTimeout:      time.Second,
	}
}

func lenientBreakers(t *testing.T) *breaker.Group {
	t.Helper()
	g, err := breaker.NewGroup(breaker.Config{FailureThreshold: 1000, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxCalls: 1})
	require.NoError(t, err)
	return g
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = -time.Second
	_, err := New(&fakeEndpoint{}, cfg)
	var cfgErr *domain.InvalidConfigError
	require.ErrorAs(t, err, &cfgErr)

	cfg = testConfig()
	cfg.MaxDelay = cfg.InitialDelay / 2
	_, err = New(&fakeEndpoint{}, cfg)
	require.ErrorAs(t, err, &cfgErr)
}

func TestDelay_JitteredExponentialCapped(t *testing.T) {
	m, err := New(&fakeEndpoint{}, testConfig(), WithRand(func() float64 { return 0 }))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, m.Delay(0))
	assert.Equal(t, 100*time.Millisecond, m.Delay(1))
	assert.Equal(t, 200*time.Millisecond, m.Delay(2))
	assert.Equal(t, 500*time.Millisecond, m.Delay(30), "capped at max_delay before jitter")

	m, err = New(&fakeEndpoint{}, testConfig())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		d := m.Delay(3)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.Less(t, d, 800*time.Millisecond)
	}
}

func TestRun_RetriesUntilConnected(t *testing.T) {
	ep := &fakeEndpoint{failFirst: 3}
	sleeps := &recordedSleeps{}
	var connected atomic.Int32
	m, err := New(ep, testConfig(),
		WithBreakers(lenientBreakers(t)),
		WithSleep(sleeps.sleep),
		WithRand(func() float64 { return 0 }),
		WithOnConnected(func() { connected.Add(1) }),
	)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, m.State())

	startManager(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(1), connected.Load())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}, sleeps.get())
}

func TestExecute_NotConnectedFailsWithoutCalling(t *testing.T) {
	m, err := New(&fakeEndpoint{}, testConfig())
	require.NoError(t, err)

	called := false
	err = m.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	var nc *domain.NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, string(StateDisconnected), nc.State)
	assert.False(t, called)
}

func TestExecute_FailureTriggersReconnect(t *testing.T) {
	ep := &fakeEndpoint{}
	var connects atomic.Int32
	lostCh := make(chan error, 1)
	m, err := New(ep, testConfig(),
		WithBreakers(lenientBreakers(t)),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			// Bring the endpoint back after the first failed reconnect.
			ep.setDown(false)
			return ctx.Err()
		}),
		WithOnConnected(func() { connects.Add(1) }),
		WithOnDisconnected(func(err error) { lostCh <- err }),
	)
	require.NoError(t, err)
	startManager(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	require.NoError(t, m.Execute(ctx, func(context.Context) error { return nil }))

	ep.setDown(true)
	err = m.Execute(ctx, func(context.Context) error { return errRefused })
	require.ErrorIs(t, err, errRefused)

	select {
	case lost := <-lostCh:
		assert.ErrorIs(t, lost, errRefused)
	case <-ctx.Done():
		t.Fatal("on_disconnected was not called")
	}

	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestRun_StopsOnCancel(t *testing.T) {
	ep := &fakeEndpoint{down: true}
	m, err := New(ep, testConfig(), WithBreakers(lenientBreakers(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, m.State())
}
