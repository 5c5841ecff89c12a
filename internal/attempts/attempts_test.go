package attempts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/locking"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/waitpoints"
)

type releaseRecorder struct {
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) AttemptToRelease(_ context.Context, envID, releaserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, envID+"/"+releaserID)
	return nil
}

func (r *releaseRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type testEnv struct {
	sys     *System
	store   *store.Memory
	snaps   *snapshots.System
	queue   *runqueue.Queue
	wps     *waitpoints.System
	release *releaseRecorder
	mr      *miniredis.Miniredis
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewMemory()
	sched := scheduler.NewWorker(client)
	bus := events.NewInMemoryBus()
	snaps := snapshots.NewSystem(st, sched, bus, nil)
	lock := locking.NewRunLock(client)
	queue := runqueue.NewQueue(client)
	release := &releaseRecorder{}
	wps := waitpoints.NewSystem(st, sched, snaps, lock, queue, bus, release)
	sys := NewSystem(st, snaps, lock, queue, wps, release, sched)

	return &testEnv{sys: sys, store: st, snaps: snaps, queue: queue, wps: wps, release: release, mr: mr}
}

// registerTask registers the worker version the test runs bind to.
func (te *testEnv) registerTask(t *testing.T, retry run.RetryConfig) {
	t.Helper()

	err := te.store.RegisterWorker(context.Background(), &store.Worker{
		ID:            "bw_1",
		Version:       "20260830.1",
		EnvironmentID: "env_1",
		DeploymentID:  "dep_1",
		Latest:        true,
		Tasks:         []store.TaskRecord{{ID: "t_1", Identifier: "my-task", Retry: retry}},
		Queues:        []store.TaskQueue{{ID: "q_1", Name: "task/my-task"}},
	}, &store.Deployment{ID: "dep_1", ImageRef: "registry/app:1"})
	require.NoError(t, err)
}

// createPendingRun seeds a run that was just claimed by a worker.
func (te *testEnv) createPendingRun(t *testing.T) (*run.Run, *run.ExecutionSnapshot) {
	t.Helper()

	ctx := context.Background()
	r := run.NewRun("my-task", "task/my-task", "env_1", "env_1", "proj_1", "org_1")

	wp, _, err := te.wps.CreateRunWaitpoint(ctx, "env_1", waitpoints.CreateOptions{})
	require.NoError(t, err)
	r.AssociatedWaitpoint = wp.ID

	require.NoError(t, te.store.CreateRun(ctx, r))
	snapshot, err := te.snaps.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionPendingExecuting,
		Description:     "Claimed by worker bw_1",
		WorkerID:        "bw_1",
	})
	require.NoError(t, err)
	return r, snapshot
}

func (te *testEnv) startAttempt(t *testing.T, r *run.Run, snapshotID string) *StartResult {
	t.Helper()

	result, err := te.sys.Start(context.Background(), r.ID, snapshotID, "runner_1")
	require.NoError(t, err)
	return result
}

func TestStart(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, snapshot := te.createPendingRun(t)

	result := te.startAttempt(t, r, snapshot.ID)
	assert.Equal(t, 1, result.AttemptNumber)
	assert.Equal(t, run.ExecutionExecuting, result.Snapshot.ExecutionStatus)
	assert.Equal(t, run.MachineSmall1x, result.Machine.Name)

	got, err := te.store.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusExecuting, got.Status)
	assert.Equal(t, 1, got.AttemptNumber)
}

func TestStart_StaleSnapshot(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, _ := te.createPendingRun(t)

	_, err := te.sys.Start(context.Background(), r.ID, "snap_stale", "runner_1")
	assert.ErrorIs(t, err, ErrStaleSnapshot)
}

func TestStart_NoAttemptsLeft(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1})
	r, snapshot := te.createPendingRun(t)

	result := te.startAttempt(t, r, snapshot.ID)

	_, err := te.sys.Start(context.Background(), r.ID, result.Snapshot.ID, "runner_1")
	assert.ErrorContains(t, err, "no attempts left")
}

func TestComplete_Success(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	outcome, err := te.sys.Complete(ctx, r.ID, result.Snapshot.ID, Completion{Ok: true, Output: `{"answer":42}`})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRunFinished, outcome.AttemptStatus)
	assert.Equal(t, run.StatusCompletedSuccessfully, outcome.RunStatus)
	assert.Equal(t, run.ExecutionFinished, outcome.Snapshot.ExecutionStatus)

	got, err := te.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":42}`, got.Output)
	assert.NotNil(t, got.CompletedAt)

	// The associated waitpoint carries the output to any blocked parent.
	wp, err := te.store.GetWaitpoint(ctx, r.AssociatedWaitpoint)
	require.NoError(t, err)
	assert.Equal(t, run.WaitpointCompleted, wp.Status)
	assert.Equal(t, `{"answer":42}`, wp.Output.Value)
	assert.False(t, wp.Output.IsError)
	assert.Equal(t, r.ID, wp.CompletedByRun)

	assert.Equal(t, []string{"env_1/" + r.ID}, te.release.calls())
}

func TestComplete_StaleSnapshot(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, snapshot := te.createPendingRun(t)
	te.startAttempt(t, r, snapshot.ID)

	_, err := te.sys.Complete(context.Background(), r.ID, snapshot.ID, Completion{Ok: true})
	assert.ErrorIs(t, err, ErrStaleSnapshot)
}

func TestComplete_RetriableFailureQueuesRetry(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3, MinDelay: 5 * time.Second})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	outcome, err := te.sys.Complete(ctx, r.ID, result.Snapshot.ID, Completion{
		Error: &run.TaskError{Type: run.ErrTypeBuiltIn, Name: "Error", Message: "boom"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRetryQueued, outcome.AttemptStatus)
	assert.Equal(t, run.StatusRetryingAfterFailure, outcome.RunStatus)
	assert.Equal(t, run.ExecutionQueued, outcome.Snapshot.ExecutionStatus)
	assert.Equal(t, 5*time.Second, outcome.RetryDelay)

	// The retry is queued at its backoff time, not claimable yet.
	depth, err := te.queue.Len(ctx, r.WorkerQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	msg, err := te.queue.Dequeue(ctx, r.WorkerQueue)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestComplete_ImmediateRetryKeepsAttemptNumber(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3, MinDelay: 5 * time.Second})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	zero := int64(0)
	outcome, err := te.sys.Complete(ctx, r.ID, result.Snapshot.ID, Completion{
		Error:        &run.TaskError{Type: run.ErrTypeString, Message: "flaky"},
		RetryDelayMs: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRetryImmediately, outcome.AttemptStatus)
	assert.Equal(t, run.ExecutionExecuting, outcome.Snapshot.ExecutionStatus)

	// No queue round-trip, and the attempt number holds until the
	// worker starts again.
	depth, err := te.queue.Len(ctx, r.WorkerQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	got, err := te.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptNumber)

	next := te.startAttempt(t, r, outcome.Snapshot.ID)
	assert.Equal(t, 2, next.AttemptNumber)
}

func TestComplete_ExhaustedAttemptsFinishWithErrors(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1, MinDelay: 5 * time.Second})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	outcome, err := te.sys.Complete(ctx, r.ID, result.Snapshot.ID, Completion{
		Error: &run.TaskError{Type: run.ErrTypeBuiltIn, Name: "Error", Message: "boom"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRunFinished, outcome.AttemptStatus)
	assert.Equal(t, run.StatusCompletedWithErrors, outcome.RunStatus)

	wp, err := te.store.GetWaitpoint(ctx, r.AssociatedWaitpoint)
	require.NoError(t, err)
	assert.Equal(t, run.WaitpointCompleted, wp.Status)
	assert.True(t, wp.Output.IsError)
}

func TestComplete_InternalErrorCrashesRun(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	outcome, err := te.sys.Complete(context.Background(), r.ID, result.Snapshot.ID, Completion{
		Error: run.InternalError(run.CodeMaxDurationExceeded, "exceeded max duration"),
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCrashed, outcome.RunStatus)
}

func TestComplete_OOMUpgradesMachine(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1, OOMMachine: run.MachineLarge1x})
	r, snapshot := te.createPendingRun(t)
	result := te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	oom := run.InternalError(run.CodeTaskProcessOOMKilled, "process killed")

	outcome, err := te.sys.Complete(ctx, r.ID, result.Snapshot.ID, Completion{Error: oom})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRetryQueued, outcome.AttemptStatus)
	assert.Equal(t, run.MachineLarge1x, outcome.Machine)

	got, err := te.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.MachineLarge1x, got.Machine)

	// Requeued immediately: the retry is claimable right away.
	msg, err := te.queue.Dequeue(ctx, r.WorkerQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, r.ID, msg.RunID)
}

func TestComplete_OOMOnUpgradedMachineCrashes(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1, OOMMachine: run.MachineLarge1x})
	r, snapshot := te.createPendingRun(t)

	require.NoError(t, te.store.SetRunMachine(context.Background(), r.ID, run.MachineLarge1x))
	result := te.startAttempt(t, r, snapshot.ID)

	outcome, err := te.sys.Complete(context.Background(), r.ID, result.Snapshot.ID, Completion{
		Error: run.InternalError(run.CodeTaskProcessOOMKilled, "process killed"),
	})
	require.NoError(t, err)
	assert.Equal(t, run.AttemptRunFinished, outcome.AttemptStatus)
	assert.Equal(t, run.StatusCrashed, outcome.RunStatus)
}

func TestCancel(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, snapshot := te.createPendingRun(t)
	te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	ref, err := te.sys.Cancel(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, run.ExecutionPendingCancel, ref.ExecutionStatus)

	t.Run("finished run is left alone", func(t *testing.T) {
		finished, _ := te.createPendingRun(t)
		_, err := te.snaps.Create(ctx, finished, snapshots.NewSnapshot{
			ExecutionStatus: run.ExecutionFinished,
			Description:     "Done",
		})
		require.NoError(t, err)

		ref, err := te.sys.Cancel(ctx, finished.ID)
		require.NoError(t, err)
		assert.Nil(t, ref)
	})
}

func TestTryNackAndRequeue(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})
	r, _ := te.createPendingRun(t)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, te.queue.Enqueue(ctx, r.WorkerQueue, runqueue.Message{RunID: r.ID, EnvironmentID: "env_1"}, now))
	msg, err := te.queue.Dequeue(ctx, r.WorkerQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, te.sys.TryNackAndRequeue(ctx, r.ID, assert.AnError))

	got, err := te.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, got.Status)

	latest, err := te.snaps.Latest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ExecutionQueued, latest.ExecutionStatus)

	// Back on the queue and claimable.
	msg, err = te.queue.Dequeue(ctx, r.WorkerQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, r.ID, msg.RunID)
}

func TestTryNackAndRequeue_ExhaustedRunFailsForGood(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 1})
	r, snapshot := te.createPendingRun(t)
	te.startAttempt(t, r, snapshot.ID)

	ctx := context.Background()
	require.NoError(t, te.sys.TryNackAndRequeue(ctx, r.ID, assert.AnError))

	got, err := te.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSystemFailure, got.Status)
}

func TestHandleHeartbeatTimeout(t *testing.T) {
	te := setupTestEnv(t)
	te.registerTask(t, run.RetryConfig{MaxAttempts: 3})

	ctx := context.Background()

	t.Run("stale snapshot is void", func(t *testing.T) {
		r, snapshot := te.createPendingRun(t)
		te.startAttempt(t, r, snapshot.ID)

		require.NoError(t, te.sys.HandleHeartbeatTimeout(ctx, r.ID, snapshot.ID))

		got, err := te.store.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusExecuting, got.Status)
	})

	t.Run("retries remain requeues the run", func(t *testing.T) {
		r, snapshot := te.createPendingRun(t)
		result := te.startAttempt(t, r, snapshot.ID)

		require.NoError(t, te.sys.HandleHeartbeatTimeout(ctx, r.ID, result.Snapshot.ID))

		got, err := te.store.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusRetryingAfterFailure, got.Status)

		msg, err := te.queue.Dequeue(ctx, r.WorkerQueue)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, r.ID, msg.RunID)
	})

	t.Run("unacknowledged cancellation finishes canceled", func(t *testing.T) {
		r, snapshot := te.createPendingRun(t)
		te.startAttempt(t, r, snapshot.ID)
		ref, err := te.sys.Cancel(ctx, r.ID)
		require.NoError(t, err)

		require.NoError(t, te.sys.HandleHeartbeatTimeout(ctx, r.ID, ref.ID))

		got, err := te.store.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusCanceled, got.Status)

		latest, err := te.snaps.Latest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ExecutionFinished, latest.ExecutionStatus)
	})

	t.Run("exhausted attempts become a system failure", func(t *testing.T) {
		exhausted := setupTestEnv(t)
		exhausted.registerTask(t, run.RetryConfig{MaxAttempts: 1})
		r, snapshot := exhausted.createPendingRun(t)
		result := exhausted.startAttempt(t, r, snapshot.ID)

		require.NoError(t, exhausted.sys.HandleHeartbeatTimeout(ctx, r.ID, result.Snapshot.ID))

		got, err := exhausted.store.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusSystemFailure, got.Status)
		assert.Equal(t, run.CodeHeartbeatTimeout, got.Error.Code)
	})
}
