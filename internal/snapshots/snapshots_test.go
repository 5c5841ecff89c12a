package snapshots

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/store"
)

const schedulerJobsKey = "scheduler:jobs"

func setupTestSystem(t *testing.T) (*System, *events.InMemoryBus, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := events.NewInMemoryBus()
	sys := NewSystem(store.NewMemory(), scheduler.NewWorker(client), bus, nil)
	return sys, bus, mr
}

func newTestRun() *run.Run {
	return run.NewRun("my-task", "task/my-task", "env_1", "env_1", "proj_1", "org_1")
}

func TestCreate_ChainsSnapshots(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	ctx := context.Background()
	r := newTestRun()

	first, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionRunCreated, Description: "Run created"})
	require.NoError(t, err)
	assert.Empty(t, first.PreviousID)
	assert.Equal(t, r.Status, first.RunStatus)

	second, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionQueued, Description: "Queued"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.PreviousID)

	latest, err := sys.Latest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestCreate_RefusesAfterFinished(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	ctx := context.Background()
	r := newTestRun()

	_, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionFinished, Description: "Done"})
	require.NoError(t, err)

	_, err = sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionQueued, Description: "Too late"})
	assert.Error(t, err)
}

func TestCreate_PublishesEvent(t *testing.T) {
	sys, bus, mr := setupTestSystem(t)
	defer mr.Close()

	var got events.Event
	bus.Subscribe(events.SnapshotCreated, func(e events.Event) { got = e })

	r := newTestRun()
	snapshot, err := sys.Create(context.Background(), r, NewSnapshot{ExecutionStatus: run.ExecutionQueued, Description: "Queued"})
	require.NoError(t, err)

	assert.Equal(t, r.ID, got.RunID)
	assert.Equal(t, snapshot.ID, got.Payload["snapshot_id"])
	assert.Equal(t, string(run.ExecutionQueued), got.Payload["execution_status"])
	assert.Equal(t, string(r.Status), got.Payload["run_status"])
}

func TestCreate_ArmsHeartbeatForTimedStatuses(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	ctx := context.Background()
	r := newTestRun()

	// QUEUED carries no heartbeat deadline.
	_, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionQueued, Description: "Queued"})
	require.NoError(t, err)
	_, zerr := mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
	assert.Error(t, zerr)

	// EXECUTING does.
	_, err = sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionExecuting, Description: "Attempt 1 started"})
	require.NoError(t, err)
	score, zerr := mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
	require.NoError(t, zerr)
	assert.Greater(t, score, float64(time.Now().UnixMilli()))
}

func TestCreate_FinalSnapshotCancelsHeartbeat(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	ctx := context.Background()
	r := newTestRun()

	_, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionExecuting, Description: "Attempt 1 started"})
	require.NoError(t, err)
	_, zerr := mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
	require.NoError(t, zerr)

	_, err = sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionFinished, Description: "Done"})
	require.NoError(t, err)
	_, zerr = mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
	assert.Error(t, zerr)
}

func TestHeartbeat(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	ctx := context.Background()
	r := newTestRun()

	first, err := sys.Create(ctx, r, NewSnapshot{ExecutionStatus: run.ExecutionExecuting, Description: "Attempt 1 started"})
	require.NoError(t, err)

	t.Run("latest snapshot extends deadline", func(t *testing.T) {
		before, zerr := mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
		require.NoError(t, zerr)

		time.Sleep(2 * time.Millisecond)
		ok, err := sys.Heartbeat(ctx, r.ID, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		after, zerr := mr.ZScore(schedulerJobsKey, "heartbeat:"+r.ID)
		require.NoError(t, zerr)
		assert.GreaterOrEqual(t, after, before)
	})

	t.Run("stale snapshot is a no-op", func(t *testing.T) {
		ok, err := sys.Heartbeat(ctx, r.ID, "snap_stale")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown run errors", func(t *testing.T) {
		_, err := sys.Heartbeat(ctx, "run_missing", "snap_whatever")
		assert.Error(t, err)
	})
}

func TestTimeout(t *testing.T) {
	sys, _, mr := setupTestSystem(t)
	defer mr.Close()

	assert.Equal(t, 60*time.Second, sys.Timeout(run.ExecutionExecuting))
	assert.Zero(t, sys.Timeout(run.ExecutionQueued))
}
