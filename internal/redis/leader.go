package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
)

// Elector holds a Redis lock while this instance is leader. Loops that must
// run on exactly one coordinator check IsLeader on every tick.
type Elector struct {
	locker   *redislock.Client
	key      string
	ttl      time.Duration
	logger   *slog.Logger
	leader   atomic.Bool
	onChange func(bool)
}

// ElectorOption configures an Elector.
type ElectorOption func(*Elector)

// WithLeadershipChange registers fn, called from Run whenever leadership flips.
func WithLeadershipChange(fn func(leader bool)) ElectorOption {
	return func(e *Elector) { e.onChange = fn }
}

// NewElector competes for key. A leader that cannot refresh within ttl loses the lock.
func NewElector(client redislock.RedisClient, key string, ttl time.Duration, logger *slog.Logger, opts ...ElectorOption) *Elector {
	e := &Elector{
		locker: redislock.New(client),
		key:    key,
		ttl:    ttl,
		logger: logger.With(slog.String("lock", key)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Run obtains and refreshes the lock every ttl/3 until ctx is cancelled, then
// releases it so another instance can take over without waiting for expiry.
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	var lock *redislock.Lock
	defer func() {
		if lock != nil {
			// ctx is already done here.
			_ = lock.Release(context.WithoutCancel(ctx))
		}
		e.set(false)
	}()

	for {
		lock = e.tick(ctx, lock)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Elector) tick(ctx context.Context, lock *redislock.Lock) *redislock.Lock {
	if lock != nil {
		err := lock.Refresh(ctx, e.ttl, nil)
		if err == nil {
			return lock
		}
		if ctx.Err() != nil {
			return lock
		}
		e.logger.Warn("lost leadership", slog.String("error", err.Error()))
		e.set(false)
	}

	lock, err := e.locker.Obtain(ctx, e.key, e.ttl, nil)
	switch {
	case err == nil:
		e.set(true)
		return lock
	case errors.Is(err, redislock.ErrNotObtained):
	case ctx.Err() == nil:
		e.logger.Warn("leader election failed", slog.String("error", err.Error()))
	}
	return nil
}

func (e *Elector) set(leader bool) {
	if e.leader.Swap(leader) == leader {
		return
	}
	if leader {
		e.logger.Info("acquired leadership")
	}
	if e.onChange != nil {
		e.onChange(leader)
	}
}
