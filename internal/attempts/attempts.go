// Package attempts owns the attempt lifecycle: starting attempts,
// classifying completions into success, retry or permanent failure,
// upgrading machines on out-of-memory errors, and recovering runs whose
// workers stopped heartbeating.
package attempts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/runforge/runforge/internal/concurrency"
	"github.com/runforge/runforge/internal/locking"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/waitpoints"
)

// ErrStaleSnapshot is returned when a worker acts on a snapshot that is
// no longer the latest; the worker must re-sync before retrying.
var ErrStaleSnapshot = errors.New("snapshot is no longer the latest for the run")

type System struct {
	store      store.Store
	snapshots  *snapshots.System
	lock       *locking.RunLock
	queue      *runqueue.Queue
	waitpoints *waitpoints.System
	release    concurrency.Releaser
	sched      *scheduler.Worker
	// retries below this delay continue on the same worker without a
	// round-trip through the queue.
	immediateRetryThreshold time.Duration
}

func NewSystem(st store.Store, snaps *snapshots.System, lock *locking.RunLock, queue *runqueue.Queue, wps *waitpoints.System, release concurrency.Releaser, sched *scheduler.Worker) *System {
	return &System{
		store:                   st,
		snapshots:               snaps,
		lock:                    lock,
		queue:                   queue,
		waitpoints:              wps,
		release:                 release,
		sched:                   sched,
		immediateRetryThreshold: time.Second,
	}
}

func (s *System) SetImmediateRetryThreshold(d time.Duration) {
	s.immediateRetryThreshold = d
}

// StartResult is handed back to the worker when an attempt begins.
type StartResult struct {
	RunID          string            `json:"run_id"`
	AttemptNumber  int               `json:"attempt_number"`
	Snapshot       SnapshotRef       `json:"snapshot"`
	Machine        run.MachinePreset `json:"machine"`
	MaxDurationSec int               `json:"max_duration_sec,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
}

type SnapshotRef struct {
	ID              string              `json:"id"`
	ExecutionStatus run.ExecutionStatus `json:"execution_status"`
	Description     string              `json:"description"`
}

func snapshotRef(s *run.ExecutionSnapshot) SnapshotRef {
	return SnapshotRef{ID: s.ID, ExecutionStatus: s.ExecutionStatus, Description: s.Description}
}

// Start begins the next attempt for a dequeued run. The attempt number
// is bumped here, not at completion, so an immediate retry keeps its
// old number until the worker actually starts again.
func (s *System) Start(ctx context.Context, runID, snapshotID, runnerID string) (*StartResult, error) {
	var result *StartResult

	err := s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return ErrStaleSnapshot
		}

		switch latest.ExecutionStatus {
		case run.ExecutionPendingExecuting, run.ExecutionExecuting:
		default:
			return fmt.Errorf("cannot start attempt from execution status %s", latest.ExecutionStatus)
		}

		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if r.Status.IsFinal() {
			return fmt.Errorf("run %s already finished with status %s", runID, r.Status)
		}
		if max := effectiveMaxAttempts(r, s.retryConfig(ctx, r)); r.AttemptNumber >= max {
			return fmt.Errorf("run %s has no attempts left (%d of %d)", runID, r.AttemptNumber, max)
		}

		attempt, err := s.store.BumpAttempt(ctx, runID)
		if err != nil {
			return err
		}
		r.AttemptNumber = attempt
		r.Status = run.StatusExecuting

		snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
			ExecutionStatus: run.ExecutionExecuting,
			Description:     fmt.Sprintf("Attempt %d started", attempt),
			CheckpointID:    latest.CheckpointID,
			WorkerID:        latest.WorkerID,
			RunnerID:        runnerID,
		})
		if err != nil {
			return err
		}

		result = &StartResult{
			RunID:          runID,
			AttemptNumber:  attempt,
			Snapshot:       snapshotRef(snapshot),
			Machine:        run.PresetByName(r.Machine),
			MaxDurationSec: r.MaxDurationSec,
			TraceContext:   r.TraceContext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Completion is what a worker reports when an attempt ends.
type Completion struct {
	Ok     bool           `json:"ok"`
	Output string         `json:"output,omitempty"`
	Error  *run.TaskError `json:"error,omitempty"`
	// RetryDelayMs overrides the task's backoff for this failure.
	RetryDelayMs *int64 `json:"retry_delay_ms,omitempty"`
}

// Outcome tells the worker what the engine decided.
type Outcome struct {
	AttemptStatus run.AttemptStatus `json:"attempt_status"`
	RunStatus     run.Status        `json:"run_status"`
	Snapshot      SnapshotRef       `json:"snapshot"`
	RetryDelay    time.Duration     `json:"retry_delay,omitempty"`
	Machine       string            `json:"machine,omitempty"`
}

// Complete finishes the current attempt and decides between finishing
// the run, retrying immediately, or requeuing the retry.
func (s *System) Complete(ctx context.Context, runID, snapshotID string, completion Completion) (*Outcome, error) {
	started := time.Now()
	var outcome *Outcome

	err := s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID {
			return ErrStaleSnapshot
		}

		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if completion.Ok {
			outcome, err = s.succeed(ctx, r, completion.Output)
			return err
		}

		taskErr := completion.Error
		if taskErr == nil {
			taskErr = run.InternalError(run.CodeRunCrashed, "attempt failed without a reported error")
		}
		outcome, err = s.fail(ctx, r, taskErr, completion.RetryDelayMs)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAttemptCompleted(string(outcome.AttemptStatus), time.Since(started))
	return outcome, nil
}

func (s *System) succeed(ctx context.Context, r *run.Run, output string) (*Outcome, error) {
	if err := s.store.FinishRun(ctx, r.ID, run.StatusCompletedSuccessfully, output, nil); err != nil {
		return nil, err
	}
	r.Status = run.StatusCompletedSuccessfully

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionFinished,
		Description:     "Run completed successfully",
	})
	if err != nil {
		return nil, err
	}

	s.settleFinishedRun(ctx, r, &run.WaitpointOutput{Value: output, Type: "application/json"})

	return &Outcome{
		AttemptStatus: run.AttemptRunFinished,
		RunStatus:     run.StatusCompletedSuccessfully,
		Snapshot:      snapshotRef(snapshot),
	}, nil
}

func (s *System) fail(ctx context.Context, r *run.Run, taskErr *run.TaskError, retryDelayMs *int64) (*Outcome, error) {
	cfg := s.retryConfig(ctx, r)

	if taskErr.IsOutOfMemory() {
		if cfg.OOMMachine != "" && r.Machine != cfg.OOMMachine {
			return s.retryOnLargerMachine(ctx, r, cfg.OOMMachine)
		}
		// No upgrade path left: the OOM crashes the run.
		return s.finishWithError(ctx, r, run.StatusCrashed, taskErr)
	}

	if taskErr.Type == run.ErrTypeInternal && taskErr.Code == run.CodeTaskRunCancelled {
		// The worker acknowledged a pending cancellation.
		return s.finishWithError(ctx, r, run.StatusCanceled, taskErr)
	}

	if taskErr.IsRetriable() && r.AttemptNumber < effectiveMaxAttempts(r, cfg) {
		delay := cfg.NextRetryDelay(r.AttemptNumber)
		if retryDelayMs != nil {
			delay = time.Duration(*retryDelayMs) * time.Millisecond
		}
		if delay < s.immediateRetryThreshold {
			return s.retryImmediately(ctx, r, delay)
		}
		return s.retryQueued(ctx, r, delay, r.Machine)
	}

	status := run.StatusCompletedWithErrors
	if taskErr.CrashesRun() {
		status = run.StatusCrashed
	}
	return s.finishWithError(ctx, r, status, taskErr)
}

// retryImmediately keeps the run EXECUTING on the same worker; the
// attempt number only moves when the worker calls Start again.
func (s *System) retryImmediately(ctx context.Context, r *run.Run, delay time.Duration) (*Outcome, error) {
	if err := s.store.SetRunStatus(ctx, r.ID, run.StatusRetryingAfterFailure); err != nil {
		return nil, err
	}
	r.Status = run.StatusRetryingAfterFailure

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionExecuting,
		Description:     fmt.Sprintf("Attempt %d failed, retrying immediately", r.AttemptNumber),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		AttemptStatus: run.AttemptRetryImmediately,
		RunStatus:     run.StatusRetryingAfterFailure,
		Snapshot:      snapshotRef(snapshot),
		RetryDelay:    delay,
	}, nil
}

func (s *System) retryOnLargerMachine(ctx context.Context, r *run.Run, machine string) (*Outcome, error) {
	if err := s.store.SetRunMachine(ctx, r.ID, machine); err != nil {
		return nil, err
	}
	r.Machine = machine
	log.Printf("Run %s hit OOM, retrying on machine %s", r.ID, machine)
	return s.retryQueued(ctx, r, 0, machine)
}

func (s *System) retryQueued(ctx context.Context, r *run.Run, delay time.Duration, machine string) (*Outcome, error) {
	if err := s.store.SetRunStatus(ctx, r.ID, run.StatusRetryingAfterFailure); err != nil {
		return nil, err
	}
	r.Status = run.StatusRetryingAfterFailure

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionQueued,
		Description:     fmt.Sprintf("Attempt %d failed, retry queued", r.AttemptNumber),
	})
	if err != nil {
		return nil, err
	}

	// Retries are scheduled at their backoff time; they do not keep
	// the run's original queue position.
	availableAt := time.Now().Add(delay)
	if err := s.queue.Enqueue(ctx, r.WorkerQueue, runqueue.Message{
		RunID:         r.ID,
		OrgID:         r.OrganizationID,
		EnvironmentID: r.EnvironmentID,
		ProjectID:     r.ProjectID,
		Priority:      r.Priority,
		EnqueuedAt:    availableAt,
	}, availableAt); err != nil {
		return nil, err
	}

	return &Outcome{
		AttemptStatus: run.AttemptRetryQueued,
		RunStatus:     run.StatusRetryingAfterFailure,
		Snapshot:      snapshotRef(snapshot),
		RetryDelay:    delay,
		Machine:       machine,
	}, nil
}

func (s *System) finishWithError(ctx context.Context, r *run.Run, status run.Status, taskErr *run.TaskError) (*Outcome, error) {
	if err := s.store.FinishRun(ctx, r.ID, status, "", taskErr); err != nil {
		return nil, err
	}
	r.Status = status

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionFinished,
		Description:     fmt.Sprintf("Run finished with status %s: %s", status, taskErr.Message),
	})
	if err != nil {
		return nil, err
	}

	errOutput, merr := json.Marshal(taskErr)
	if merr != nil {
		errOutput = []byte(`{"message":"unserializable error"}`)
	}
	s.settleFinishedRun(ctx, r, &run.WaitpointOutput{Value: string(errOutput), Type: "application/json", IsError: true})

	return &Outcome{
		AttemptStatus: run.AttemptRunFinished,
		RunStatus:     status,
		Snapshot:      snapshotRef(snapshot),
	}, nil
}

// settleFinishedRun completes the run's associated waitpoint so parents
// unblock, and hands the run's concurrency slot to the release queue.
// Both are best-effort: the run itself is already finished.
func (s *System) settleFinishedRun(ctx context.Context, r *run.Run, output *run.WaitpointOutput) {
	if r.AssociatedWaitpoint != "" && s.waitpoints != nil {
		if _, err := s.waitpoints.CompleteWaitpoint(ctx, r.AssociatedWaitpoint, waitpoints.CompleteOptions{
			Output:           output,
			CompletedByRunID: r.ID,
		}); err != nil {
			log.Printf("Failed to complete associated waitpoint for run %s: %v", r.ID, err)
		}
	}

	if s.release != nil {
		if err := s.release.AttemptToRelease(ctx, r.EnvironmentID, r.ID); err != nil {
			log.Printf("Failed to release concurrency for run %s: %v", r.ID, err)
		}
	}
}

// SystemFailureLocked records an unrecoverable engine-side failure for
// the run. The caller must already hold the run's lock.
func (s *System) SystemFailureLocked(ctx context.Context, runID string, taskErr *run.TaskError) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	_, err = s.finishWithError(ctx, r, run.StatusSystemFailure, taskErr)
	return err
}

// TryNackAndRequeue routes a run whose dequeue blew up after the queue
// pop back into the queue, or fails it for good when no attempts
// remain.
func (s *System) TryNackAndRequeue(ctx context.Context, runID string, cause error) error {
	return s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if r.Status.IsFinal() {
			return nil
		}

		if r.AttemptNumber >= effectiveMaxAttempts(r, s.retryConfig(ctx, r)) {
			return s.SystemFailureLocked(ctx, runID, run.InternalError(run.CodeRunCrashed, cause.Error()))
		}

		if err := s.store.SetRunStatus(ctx, runID, run.StatusPending); err != nil {
			return err
		}
		r.Status = run.StatusPending

		if _, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
			ExecutionStatus: run.ExecutionQueued,
			Description:     "Requeued after dequeue failure: " + cause.Error(),
		}); err != nil {
			return err
		}

		return s.queue.Nack(ctx, r.WorkerQueue, runID, time.Now())
	})
}

// Cancel asks the worker to stop the run. The worker observes the
// PENDING_CANCEL snapshot and acknowledges by completing the attempt;
// the heartbeat deadline finishes the run if it never does.
func (s *System) Cancel(ctx context.Context, runID string) (*SnapshotRef, error) {
	var ref *SnapshotRef

	err := s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ExecutionStatus.IsFinal() {
			return nil
		}

		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
			ExecutionStatus: run.ExecutionPendingCancel,
			Description:     "Cancellation requested",
			CheckpointID:    latest.CheckpointID,
			WorkerID:        latest.WorkerID,
			RunnerID:        latest.RunnerID,
		})
		if err != nil {
			return err
		}
		r2 := snapshotRef(snapshot)
		ref = &r2
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// HandleHeartbeatTimeout fires when a run sat in one execution status
// past its deadline with no heartbeat. A stale snapshot id means the
// run moved on and the deadline is void.
func (s *System) HandleHeartbeatTimeout(ctx context.Context, runID, snapshotID string) error {
	return s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}
		if latest.ID != snapshotID || latest.ExecutionStatus.IsFinal() {
			return nil
		}

		metrics.RecordHeartbeatTimeout(string(latest.ExecutionStatus))
		log.Printf("Run %s heartbeat timed out in %s", runID, latest.ExecutionStatus)

		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if latest.ExecutionStatus == run.ExecutionPendingCancel {
			// The worker never acknowledged the cancellation.
			if err := s.store.FinishRun(ctx, runID, run.StatusCanceled, "", run.InternalError(run.CodeTaskRunCancelled, "run canceled")); err != nil {
				return err
			}
			r.Status = run.StatusCanceled
			_, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
				ExecutionStatus: run.ExecutionFinished,
				Description:     "Canceled after the worker missed the cancellation deadline",
			})
			return err
		}

		timeoutErr := run.InternalError(run.CodeHeartbeatTimeout,
			fmt.Sprintf("no heartbeat while %s", latest.ExecutionStatus))

		if r.AttemptNumber >= effectiveMaxAttempts(r, s.retryConfig(ctx, r)) {
			return s.SystemFailureLocked(ctx, runID, timeoutErr)
		}

		// Retries remain: force the run back to the queue.
		if err := s.store.SetRunStatus(ctx, runID, run.StatusRetryingAfterFailure); err != nil {
			return err
		}
		r.Status = run.StatusRetryingAfterFailure

		if _, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
			ExecutionStatus: run.ExecutionQueued,
			Description:     "Requeued after heartbeat timeout",
		}); err != nil {
			return err
		}

		now := time.Now()
		return s.queue.Enqueue(ctx, r.WorkerQueue, runqueue.Message{
			RunID:         r.ID,
			OrgID:         r.OrganizationID,
			EnvironmentID: r.EnvironmentID,
			ProjectID:     r.ProjectID,
			Priority:      r.Priority,
			EnqueuedAt:    now,
		}, now)
	})
}

// RegisterJobs binds the heartbeat deadline job.
func (s *System) RegisterJobs() {
	s.sched.RegisterHandler(scheduler.JobHeartbeatTimeout, func(ctx context.Context, raw json.RawMessage) error {
		var payload snapshots.HeartbeatPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		return s.HandleHeartbeatTimeout(ctx, payload.RunID, payload.SnapshotID)
	})
}

// effectiveMaxAttempts prefers the run-level override over the task's
// retry policy.
func effectiveMaxAttempts(r *run.Run, cfg run.RetryConfig) int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	if cfg.MaxAttempts > 0 {
		return cfg.MaxAttempts
	}
	return 1
}

// retryConfig re-resolves the task's retry policy through the run's
// locked worker version, falling back to defaults when the binding is
// gone.
func (s *System) retryConfig(ctx context.Context, r *run.Run) run.RetryConfig {
	binding, err := s.store.ResolveBinding(ctx, r.EnvironmentID, r.TaskIdentifier, r.QueueName, r.LockedToVersion)
	if err != nil {
		return run.DefaultRetryConfig()
	}
	cfg := binding.Task.Retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	return cfg
}
