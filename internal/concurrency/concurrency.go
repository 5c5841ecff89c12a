// Package concurrency tracks which runs currently occupy an
// environment's execution slots and frees those slots through the
// token-bucket release queue so a burst of finishing runs cannot
// stampede the store.
package concurrency

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/releasequeue"
)

// Releaser frees a run's concurrency slot, possibly asynchronously.
type Releaser interface {
	AttemptToRelease(ctx context.Context, envID string, releaserID string) error
}

const keyPrefix = "concurrency:"

// Tracker maintains the per-environment set of executing run ids.
type Tracker struct {
	client *redis.Client
}

func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func executingKey(envID string) string { return keyPrefix + envID + ":executing" }

// MarkStarted records the run as occupying a slot in its environment.
func (t *Tracker) MarkStarted(ctx context.Context, envID, runID string) error {
	return t.client.SAdd(ctx, executingKey(envID), runID).Err()
}

// Release frees the run's slot. It reports false when the run held no
// slot, which makes releases idempotent.
func (t *Tracker) Release(ctx context.Context, envID, runID string) (bool, error) {
	removed, err := t.client.SRem(ctx, executingKey(envID), runID).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Current reports how many runs occupy slots in the environment.
func (t *Tracker) Current(ctx context.Context, envID string) (int64, error) {
	return t.client.SCard(ctx, executingKey(envID)).Result()
}

// envKeys maps environment ids to release queue names unchanged.
type envKeys struct{}

func (envKeys) FromDescriptor(envID string) string       { return envID }
func (envKeys) ToDescriptor(name string) (string, error) { return name, nil }

// NewEnvReleaseQueue builds the release queue whose tokens bound how
// many slot releases per environment may run concurrently.
func NewEnvReleaseQueue(client *redis.Client, tracker *Tracker, maxTokens int64) (*releasequeue.Queue[string], error) {
	return releasequeue.NewQueue(releasequeue.Options[string]{
		Client:    client,
		KeyPrefix: "releasequeue:",
		Keys:      envKeys{},
		MaxTokens: func(ctx context.Context, envID string) (int64, error) {
			return maxTokens, nil
		},
		Executor: func(ctx context.Context, envID, runID string) (bool, error) {
			released, err := tracker.Release(ctx, envID, runID)
			if err != nil {
				return false, err
			}
			if released {
				metrics.UpdateRunsExecuting(envID, -1)
			}
			return released, nil
		},
	})
}
