package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

const progressTTL = 24 * time.Hour

func progressKey(jobID string) string { return "job:progress:" + jobID }

// ProgressStore caches the latest progress report per job.
type ProgressStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewProgressStore creates a Redis-backed ProgressStore. Entries expire after
// a day so finished jobs do not accumulate.
func NewProgressStore(client redis.Cmdable) *ProgressStore {
	return &ProgressStore{client: client, ttl: progressTTL}
}

// SetProgress stores p unless a newer report for the same job is already cached.
// Kafka keys by worker, so reports from a reassigned job can arrive out of order.
func (s *ProgressStore) SetProgress(ctx context.Context, p domain.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	err = setIfNewer.Run(ctx, s.client,
		[]string{progressKey(p.JobID)},
		data, p.UpdatedAt.UnixNano(), int64(s.ttl/time.Millisecond),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set progress for %s: %w", p.JobID, err)
	}
	return nil
}

// GetProgress returns the cached report or *domain.JobNotFoundError.
func (s *ProgressStore) GetProgress(ctx context.Context, jobID string) (*domain.JobProgress, error) {
	data, err := s.client.HGet(ctx, progressKey(jobID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get progress for %s: %w", jobID, err)
	}
	var p domain.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	return &p, nil
}

// DeleteProgress drops the cached report for jobID.
func (s *ProgressStore) DeleteProgress(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis delete progress for %s: %w", jobID, err)
	}
	return nil
}

// setIfNewer keeps a hash {data, ts} and only overwrites it when ARGV[2] >= ts.
var setIfNewer = redis.NewScript(`
local ts = redis.call("HGET", KEYS[1], "ts")
if ts and tonumber(ts) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "ts", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)
