package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// epoch is a Monday at 09:00 UTC.
var epoch = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock *fakeClock
	store *MemoryStore
	queue *queue.Memory
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: epoch}
	store := NewMemoryStore()
	store.clock = clock.Now
	q, err := queue.NewMemory(queue.WithClock(clock.Now))
	require.NoError(t, err)
	s, err := New(store, q, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{clock: clock, store: store, queue: q, sched: s}
}

func (f *fixture) addTrigger(t *testing.T, expr string) *domain.Trigger {
	t.Helper()
	tr := &domain.Trigger{Name: "t-" + expr, CronExpr: expr, JobType: "report", Priority: 5, Enabled: true}
	require.NoError(t, ValidateTrigger(tr))
	require.NoError(t, f.store.Create(context.Background(), tr))
	return tr
}

func (f *fixture) pending(t *testing.T) []*domain.Job {
	t.Helper()
	jobs, err := f.queue.List(context.Background(), domain.StatusPending, 0)
	require.NoError(t, err)
	return jobs
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]Config{
		"zero interval":  {Interval: 0, MisfirePolicy: MisfireSkip},
		"negative grace": {Interval: time.Second, MisfirePolicy: MisfireSkip, MisfireGrace: -1},
		"unknown policy": {Interval: time.Second, MisfirePolicy: "catch_up"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(NewMemoryStore(), nil, cfg)
			var cfgErr *domain.InvalidConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestTick_FiresOnScheduleWithFireKey(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tr := f.addTrigger(t, "*/5 * * * *")
	ctx := context.Background()

	n, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due at creation time")

	fireAt := epoch.Add(5 * time.Minute)
	f.clock.Set(fireAt.Add(2 * time.Second))
	n, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := f.pending(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, tr.FireKey(fireAt), jobs[0].IdempotencyKey)
	assert.Equal(t, "report", jobs[0].Type)
	assert.Equal(t, 5, jobs[0].Priority)

	n, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "same fire time is not fired twice")
}

func TestTick_ConcurrentSchedulersCollapseOnFireKey(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addTrigger(t, "@hourly")
	other, err := New(f.store, f.queue, DefaultConfig(), WithClock(f.clock.Now))
	require.NoError(t, err)

	f.clock.Set(epoch.Add(time.Hour))
	// Both read the trigger before either marks it fired.
	triggers, err := f.store.ListEnabled(context.Background())
	require.NoError(t, err)
	for _, s := range []*Scheduler{f.sched, other} {
		_, err := s.evaluate(context.Background(), triggers[0], f.clock.Now())
		require.NoError(t, err)
	}
	assert.Len(t, f.pending(t), 1)
}

func TestTick_MisfireSkip(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Second, MisfirePolicy: MisfireSkip, MisfireGrace: time.Minute})
	tr := f.addTrigger(t, "0 * * * *")

	// Down for three hours.
	f.clock.Set(epoch.Add(3*time.Hour + 10*time.Minute))
	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.pending(t))

	got, err := f.store.List(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got[0].LastFiredAt)
	assert.Equal(t, epoch.Add(3*time.Hour), *got[0].LastFiredAt, "missed fires are consumed")

	// Next on-time fire still happens.
	f.clock.Set(epoch.Add(4*time.Hour + time.Second))
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs := f.pending(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, tr.FireKey(epoch.Add(4*time.Hour)), jobs[0].IdempotencyKey)
}

func TestTick_MisfireFireOnce(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Second, MisfirePolicy: MisfireFireOnce, MisfireGrace: time.Minute})
	tr := f.addTrigger(t, "0 * * * *")

	f.clock.Set(epoch.Add(3*time.Hour + 10*time.Minute))
	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := f.pending(t)
	require.Len(t, jobs, 1, "three missed fires collapse into one")
	assert.Equal(t, tr.FireKey(epoch.Add(3*time.Hour)), jobs[0].IdempotencyKey)
}

func TestTick_FireOnceAfterVeryLongOutage(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Second, MisfirePolicy: MisfireFireOnce, MisfireGrace: time.Minute})
	tr := f.addTrigger(t, "* * * * *")

	// 200k missed minutely fires.
	now := epoch.Add(200_000*time.Minute + 30*time.Second)
	f.clock.Set(now)
	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "the outage is consumed in one tick")

	jobs := f.pending(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, tr.FireKey(epoch.Add(200_000*time.Minute)), jobs[0].IdempotencyKey)
}

func TestLatestDue(t *testing.T) {
	hourly, _, err := ParseSchedule("0 * * * *", "")
	require.NoError(t, err)
	yearly, _, err := ParseSchedule("0 0 1 1 *", "")
	require.NoError(t, err)

	cases := map[string]struct {
		sched      cron.Schedule
		after, now time.Time
		want       time.Time
	}{
		"nothing due":    {hourly, epoch, epoch.Add(59 * time.Minute), time.Time{}},
		"exactly on due": {hourly, epoch, epoch.Add(time.Hour), epoch.Add(time.Hour)},
		"many missed":    {hourly, epoch, epoch.Add(1000*time.Hour + 5*time.Minute), epoch.Add(1000 * time.Hour)},
		"sparse schedule": {
			yearly, epoch, time.Date(2029, 6, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := latestDue(tc.sched, tc.after, tc.now)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestTick_Timezone(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tr := &domain.Trigger{Name: "tokyo", CronExpr: "0 9 * * *", Timezone: "Asia/Tokyo", JobType: "report", Enabled: true}
	require.NoError(t, f.store.Create(context.Background(), tr))

	next, err := NextFire(tr, epoch)
	require.NoError(t, err)
	// 09:00 JST is 00:00 UTC.
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), next)
}

func TestTick_DisabledTriggersAreIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tr := &domain.Trigger{Name: "off", CronExpr: "* * * * *", JobType: "report", Enabled: false}
	require.NoError(t, f.store.Create(context.Background(), tr))

	f.clock.Set(epoch.Add(time.Hour))
	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, *domain.Job) (*domain.Job, error) {
	return nil, errors.New("queue down")
}

func TestTick_EnqueueFailureLeavesTriggerDue(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addTrigger(t, "@hourly")
	s, err := New(f.store, failingEnqueuer{}, DefaultConfig(), WithClock(f.clock.Now))
	require.NoError(t, err)

	f.clock.Set(epoch.Add(time.Hour))
	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got[0].LastFiredAt, "fire is retried on the next tick")

	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateTrigger(t *testing.T) {
	cases := map[string]domain.Trigger{
		"bad cron":     {Name: "x", CronExpr: "every day", JobType: "a"},
		"bad timezone": {Name: "x", CronExpr: "@daily", Timezone: "Mars/Olympus", JobType: "a"},
		"no type":      {Name: "x", CronExpr: "@daily"},
		"no name":      {CronExpr: "@daily", JobType: "a"},
		"priority":     {Name: "x", CronExpr: "@daily", JobType: "a", Priority: 21},
	}
	for name, tr := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateTrigger(&tr)
			require.Error(t, err)
			assert.True(t, domain.IsPermanent(err))
		})
	}
}

func TestRun_SkipsTicksWhenNotLeader(t *testing.T) {
	f := newFixture(t, Config{Interval: 5 * time.Millisecond, MisfirePolicy: MisfireSkip, MisfireGrace: time.Minute})
	f.addTrigger(t, "@hourly")
	f.clock.Set(epoch.Add(time.Hour))

	var leader sync.Mutex
	isLeader := false
	s, err := New(f.store, f.queue, f.sched.cfg, WithClock(f.clock.Now), WithLeader(func() bool {
		leader.Lock()
		defer leader.Unlock()
		return isLeader
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.pending(t))

	leader.Lock()
	isLeader = true
	leader.Unlock()
	require.Eventually(t, func() bool { return len(f.pending(t)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
