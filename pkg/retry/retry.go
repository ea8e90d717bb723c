package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays: min(MaxDelay, InitialDelay * Multiplier^attempt).
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier defaults to 2 when <= 1.
	Multiplier float64
	// Jitter scales each delay by a random factor in [0.5, 1.0) when true.
	Jitter bool
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(attempt))
	if b.MaxDelay > 0 && (d > float64(b.MaxDelay) || math.IsInf(d, 1)) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d *= 0.5 + r()*0.5
	}
	return time.Duration(d)
}

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// Backoff produces the wait after each failed attempt.
	Backoff Backoff
	// Retryable decides whether err is worth another attempt. nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times.
//
// Wait schedule with InitialDelay=1s, Multiplier=2, no jitter:
//
//	attempt 1 fails → wait 1s
//	attempt 2 fails → wait 2s
//	attempt 3 fails → wait 4s
//
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}

		// Last attempt: no delay.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		if err := Sleep(ctx, cfg.Backoff.Delay(attempt-1)); err != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, err)
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
