package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, clock *fakeClock) *Memory {
	t.Helper()
	q, err := NewMemory(WithClock(clock.Now), WithConfig(Config{
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
	}))
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q Queue, job *domain.Job) *domain.Job {
	t.Helper()
	got, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return got
}

// claimAndStart claims exactly one job for worker and moves it to RUNNING.
func claimAndStart(t *testing.T, q Queue, worker string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	jobs, err := q.Claim(ctx, worker, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	ok, err := q.Start(ctx, jobs[0].ID, worker)
	require.NoError(t, err)
	require.True(t, ok)
	return jobs[0]
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestEnqueue_AppliesDefaults(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	job := enqueue(t, q, &domain.Job{Type: "workflow", Payload: []byte(`{}`), Priority: 5})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, job.ID, job.IdempotencyKey, "empty key defaults to the job id")
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 4, job.MaxAttempts, "max_attempts = max_retries + 1")
	assert.Nil(t, job.ClaimedBy)
}

func TestEnqueue_RejectsOutOfRangePriority(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	_, err := q.Enqueue(context.Background(), &domain.Job{Priority: 21})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestEnqueue_IdempotentOnKey(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	a := enqueue(t, q, &domain.Job{IdempotencyKey: "job-A", Payload: []byte("a")})
	b := enqueue(t, q, &domain.Job{IdempotencyKey: "job-A", Payload: []byte("b")})

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, []byte("a"), b.Payload, "the original job is returned, not the retry")

	pending, err := q.List(context.Background(), domain.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "exactly one queue entry")
}

func TestEnqueue_CancelledKeyCanBeReused(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	a := enqueue(t, q, &domain.Job{IdempotencyKey: "k"})
	ok, err := q.Cancel(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	b := enqueue(t, q, &domain.Job{IdempotencyKey: "k"})
	assert.NotEqual(t, a.ID, b.ID, "a cancelled job does not block its key")
}

func TestClaim_OrdersByPriorityThenCreation(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	low := enqueue(t, q, &domain.Job{Priority: 1})
	clock.Advance(time.Millisecond)
	highOld := enqueue(t, q, &domain.Job{Priority: 10})
	clock.Advance(time.Millisecond)
	highNew := enqueue(t, q, &domain.Job{Priority: 10})

	jobs, err := q.Claim(context.Background(), "w1", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	for _, j := range jobs {
		assert.Equal(t, domain.StatusClaimed, j.Status)
		assert.Equal(t, "w1", j.Owner())
		require.NotNil(t, j.LeaseExpiresAt)
		assert.Equal(t, clock.Now().Add(time.Minute), *j.LeaseExpiresAt)
	}
}

func TestClaim_RejectsInvalidArguments(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	_, err := q.Claim(context.Background(), "w1", 1, -time.Second)
	var cfgErr *domain.InvalidConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestClaim_NoDoubleClaimUnderConcurrency(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	const total = 200
	pendingIDs := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		j := enqueue(t, q, &domain.Job{Priority: i % 21})
		pendingIDs[j.ID] = true
	}

	const workers = 16
	results := make([][]*domain.Job, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				jobs, err := q.Claim(context.Background(), fmt.Sprintf("w%d", w), 7, time.Minute)
				if err != nil || len(jobs) == 0 {
					return
				}
				results[w] = append(results[w], jobs...)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]string)
	for w, jobs := range results {
		for _, j := range jobs {
			prev, dup := seen[j.ID]
			require.False(t, dup, "job %s claimed by both %s and w%d", j.ID, prev, w)
			seen[j.ID] = fmt.Sprintf("w%d", w)
		}
	}
	assert.Len(t, seen, total, "union of claims equals the pending set")
	for id := range pendingIDs {
		assert.Contains(t, seen, id)
	}
}

func TestLeaseExpiry_ReclaimableOnlyAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{Priority: 10, IdempotencyKey: "job-A"})

	first, err := q.Claim(ctx, "worker-1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(900 * time.Millisecond)
	again, err := q.Claim(ctx, "worker-2", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, again, "lease still valid: not claimable")
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, got.Status, "status before expiry is CLAIMED, not PENDING")

	clock.Advance(200 * time.Millisecond) // 1.1s total
	second, err := q.Claim(ctx, "worker-2", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, job.ID, second[0].ID)
	assert.Equal(t, "worker-2", second[0].Owner())

	ok, err := q.Heartbeat(ctx, job.ID, "worker-1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "original owner lost the lease")
}

func TestListClaimable_FiltersBackoffBeforeLimit(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	backoff := enqueue(t, q, &domain.Job{Priority: 20, VisibleAfter: clock.Now().Add(time.Hour)})
	visible := enqueue(t, q, &domain.Job{Priority: 0})

	jobs, err := q.ListClaimable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, visible.ID, jobs[0].ID)

	clock.Advance(time.Hour)
	jobs, err = q.ListClaimable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, backoff.ID, jobs[0].ID, "priority order once visible")
}

func TestListClaimable_IncludesExpiredLeases(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	_, err := q.Claim(ctx, "worker-1", 1, time.Second)
	require.NoError(t, err)

	jobs, err := q.ListClaimable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.Advance(2 * time.Second)
	jobs, err = q.ListClaimable(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestApplyFailure_FollowsStateMachine(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{MaxRetries: 1, RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute}

	pending := &domain.Job{ID: "j1", Status: domain.StatusPending, MaxAttempts: 2}
	_, err := ApplyFailure(pending, errors.New("boom"), cfg, now)
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, domain.StatusPending, ite.From)
	assert.Equal(t, domain.StatusPending, pending.Status, "job untouched")

	running := &domain.Job{ID: "j2", Status: domain.StatusRunning, MaxAttempts: 2}
	outcome, err := ApplyFailure(running, errors.New("boom"), cfg, now)
	require.NoError(t, err)
	assert.Equal(t, FailRetry, outcome)
	assert.Equal(t, domain.StatusPending, running.Status)

	running.Status = domain.StatusRunning
	outcome, err = ApplyFailure(running, errors.New("boom"), cfg, now)
	require.NoError(t, err)
	assert.Equal(t, FailDeadLetter, outcome)
	assert.Equal(t, domain.StatusDeadLetter, running.Status)
}

func TestMoveTo_RejectsEdgesOutsideStateMachine(t *testing.T) {
	job := &domain.Job{ID: "j1", Status: domain.StatusCompleted}
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, moveTo(job, domain.StatusPending), &ite)
	assert.Equal(t, domain.StatusCompleted, job.Status)

	job.Status = domain.StatusClaimed
	require.NoError(t, moveTo(job, domain.StatusRunning))
	assert.Equal(t, domain.StatusRunning, job.Status)
}

func TestHeartbeat_ExtendsLease(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	_, err := q.Claim(ctx, "w1", 1, time.Second)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(600 * time.Millisecond)
		ok, err := q.Heartbeat(ctx, job.ID, "w1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	stolen, err := q.Claim(ctx, "w2", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, stolen, "heartbeating job must not be reclaimed")
}

func TestReapExpired_ResetsToPending(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	claimAndStart(t, q, "w1")

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Second)
	n, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy, "claimed_by cleared with the lease")
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestComplete_RequiresOwnership(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	claimAndStart(t, q, "w1")

	ok, err := q.Complete(ctx, job.ID, "w2", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Complete(ctx, job.ID, "w1", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	ok, err = q.Complete(ctx, job.ID, "w1", nil)
	require.NoError(t, err)
	assert.False(t, ok, "terminal states are immutable")
}

func TestFail_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{MaxAttempts: 3})
	cause := errors.New("boom")

	for attempt := 1; attempt <= 2; attempt++ {
		claimAndStart(t, q, "w1")
		outcome, err := q.Fail(ctx, job.ID, "w1", cause)
		require.NoError(t, err)
		require.Equal(t, FailRetry, outcome)

		got, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, attempt, got.AttemptCount)
		delay := time.Second << (attempt - 1)
		assert.Equal(t, clock.Now().Add(delay), got.VisibleAfter)

		none, err := q.Claim(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, none, "not visible until backoff elapses")
		clock.Advance(delay)
	}

	claimAndStart(t, q, "w1")
	outcome, err := q.Fail(ctx, job.ID, "w1", cause)
	require.NoError(t, err)
	assert.Equal(t, FailDeadLetter, outcome)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, got.Status)
	assert.Equal(t, "boom", got.LastError, "last error kept for operators")

	clock.Advance(time.Hour)
	none, err := q.Claim(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "dead-lettered jobs are never claimed again")
}

func TestFail_PermanentSkipsRetryBudget(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{MaxAttempts: 5})
	claimAndStart(t, q, "w1")

	outcome, err := q.Fail(ctx, job.ID, "w1", domain.Permanent(errors.New("malformed payload")))
	require.NoError(t, err)
	assert.Equal(t, FailDeadLetter, outcome)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, got.Status)
	assert.Zero(t, got.AttemptCount, "permanent failures do not consume retries")
}

func TestFail_LeaseLostAfterReclaim(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock)
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	claimAndStart(t, q, "w1")

	clock.Advance(time.Minute)
	claimAndStart(t, q, "w2")

	outcome, err := q.Fail(ctx, job.ID, "w1", errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, FailLeaseLost, outcome)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "w2", got.Owner(), "the late failure must not touch the new owner's attempt")
	assert.Zero(t, got.AttemptCount)
}

func TestStart_OnlyFromClaimed(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})

	ok, err := q.Start(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok, "PENDING -> RUNNING is not a valid transition")

	claimAndStart(t, q, "w1")
	ok, err = q.Start(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok, "already running")
}

func TestClaimJob_TargetedAndRelease(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	a := enqueue(t, q, &domain.Job{Priority: 1})
	enqueue(t, q, &domain.Job{Priority: 20})

	got, err := q.ClaimJob(ctx, a.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	again, err := q.ClaimJob(ctx, a.ID, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "already claimed")

	ok, err := q.Release(ctx, a.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	again, err = q.ClaimJob(ctx, a.ID, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "w2", again.Owner())

	_, err = q.ClaimJob(ctx, "missing", "w2", time.Minute)
	var nf *domain.JobNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCancel_NonTerminalOnly(t *testing.T) {
	q := newTestQueue(t, newFakeClock())
	ctx := context.Background()
	job := enqueue(t, q, &domain.Job{})
	claimAndStart(t, q, "w1")

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.ClaimedBy)

	hb, err := q.Heartbeat(ctx, job.ID, "w1", time.Second)
	require.NoError(t, err)
	assert.False(t, hb, "worker must observe cancellation as lost ownership")

	ok, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancel of a terminal job is a no-op")
}
