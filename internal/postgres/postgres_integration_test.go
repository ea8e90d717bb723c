//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("orchestrator"),
		tcPostgres.WithUsername("orchestrator"),
		tcPostgres.WithPassword("orchestrator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	pool, err := NewPool(ctx, testPostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	if _, err := Migrate(ctx, pool, slog.Default()); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	pool.Close()

	return m.Run()
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE jobs, scheduled_triggers") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(newPool(t), WithQueueConfig(queue.Config{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
	}))
	require.NoError(t, err)
	return q
}

// ── queue ─────────────────────────────────────────────────────────────────────

func TestPostgresQueue_IdempotentEnqueue(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, &domain.Job{Priority: 10, IdempotencyKey: "job-A", Payload: []byte("a")})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, &domain.Job{Priority: 10, IdempotencyKey: "job-A", Payload: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	pending, err := q.List(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPostgresQueue_LeaseExpiryScenario(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &domain.Job{Priority: 10, IdempotencyKey: "job-A"})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	none, err := q.Claim(ctx, "worker-2", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, got.Status)

	time.Sleep(1100 * time.Millisecond)
	again, err := q.Claim(ctx, "worker-2", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "worker-2", again[0].Owner())
}

func TestPostgresQueue_ListClaimableSkipsBackoff(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.Job{Priority: 20, VisibleAfter: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	visible, err := q.Enqueue(ctx, &domain.Job{Priority: 0})
	require.NoError(t, err)

	jobs, err := q.ListClaimable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, visible.ID, jobs[0].ID)
}

func TestPostgresQueue_NoDoubleClaim(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	const total = 100
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, &domain.Job{Priority: i % 21})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				jobs, err := q.Claim(ctx, worker, 5, time.Minute)
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := seen[j.ID]; ok {
						t.Errorf("job %s claimed by %s and %s", j.ID, prev, worker)
					}
					seen[j.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, total)
}

func TestPostgresQueue_RetryThenDeadLetter(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, &domain.Job{})
	require.NoError(t, err)

	var outcome queue.FailOutcome
	for i := 0; i < 3; i++ {
		var claimed []*domain.Job
		require.Eventually(t, func() bool {
			claimed, err = q.Claim(ctx, "w1", 1, time.Minute)
			return err == nil && len(claimed) == 1
		}, time.Second, 5*time.Millisecond)
		ok, err := q.Start(ctx, job.ID, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		outcome, err = q.Fail(ctx, job.ID, "w1", errors.New("boom"))
		require.NoError(t, err)
	}
	assert.Equal(t, queue.FailDeadLetter, outcome)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, "boom", got.LastError)
}

func TestPostgresQueue_CompareAndSetGuards(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, &domain.Job{})
	require.NoError(t, err)

	claimed, err := q.ClaimJob(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := q.Complete(ctx, job.ID, "w1", nil)
	require.NoError(t, err)
	assert.False(t, ok, "complete requires RUNNING")

	ok, err = q.Heartbeat(ctx, job.ID, "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat requires ownership")

	ok, err = q.Release(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = q.Heartbeat(ctx, "missing", "w1", time.Minute)
	var nf *domain.JobNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestPostgresQueue_ReapExpired(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, &domain.Job{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "crashed", 1, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)
}

// ── triggers ──────────────────────────────────────────────────────────────────

func TestTriggerStore_CreateListMarkFired(t *testing.T) {
	store := NewTriggerStore(newPool(t))
	ctx := context.Background()

	tr := &domain.Trigger{Name: "nightly", CronExpr: "0 2 * * *", JobType: "workflow", Enabled: true}
	require.NoError(t, store.Create(ctx, tr))
	require.NoError(t, store.Create(ctx, &domain.Trigger{Name: "off", CronExpr: "* * * * *", JobType: "x"}))

	enabled, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "UTC", enabled[0].Timezone)

	later := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)
	require.NoError(t, store.MarkFired(ctx, tr.ID, later))
	require.NoError(t, store.MarkFired(ctx, tr.ID, earlier))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, got := range all {
		if got.ID == tr.ID {
			require.NotNil(t, got.LastFiredAt)
			assert.True(t, got.LastFiredAt.Equal(later), "last_fired_at never moves backwards")
		}
	}

	require.NoError(t, store.Delete(ctx, tr.ID))
	assert.ErrorIs(t, store.Delete(ctx, tr.ID), domain.ErrTriggerNotFound)
}
