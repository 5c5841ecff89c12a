// Package locking provides the run-scoped distributed lock. Every
// multi-step state transition for a run acquires it before reading the
// latest execution snapshot and releases it after writing the new one.
package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type RunLock struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

type Option func(*RunLock)

func WithExpiry(d time.Duration) Option {
	return func(l *RunLock) { l.expiry = d }
}

func WithTries(n int) Option {
	return func(l *RunLock) { l.tries = n }
}

func NewRunLock(client *redis.Client, opts ...Option) *RunLock {
	l := &RunLock{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: 10 * time.Second,
		tries:  16,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLock runs fn while holding the named lock for runID. Critical
// sections must stay short (single round-trip queries) to bound lock
// hold time.
func (l *RunLock) WithLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(
		"runlock:"+runID,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire run lock for %s: %w", runID, err)
	}
	defer func() {
		_, _ = mutex.UnlockContext(ctx)
	}()

	return fn(ctx)
}
