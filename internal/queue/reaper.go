package queue

import (
	"context"
	"log/slog"
	"time"
)

// Reaper is the part of Queue the reaper loop needs.
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// RunReaper periodically returns lease-expired jobs to PENDING. Crashed
// workers never signal failure; this loop is what makes their jobs claimable
// again. Blocks until ctx is cancelled.
func RunReaper(ctx context.Context, q Reaper, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("reap expired leases", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				logger.Info("expired leases reaped", slog.Int("jobs", n))
			}
		}
	}
}
