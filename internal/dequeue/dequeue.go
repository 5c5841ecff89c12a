// Package dequeue implements the worker-facing claim protocol: popping
// a run id from its worker queue, locking a worker version to the run,
// and handing the worker everything it needs to start executing.
package dequeue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/runforge/runforge/internal/attempts"
	"github.com/runforge/runforge/internal/concurrency"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/locking"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
)

type System struct {
	store     store.Store
	snapshots *snapshots.System
	lock      *locking.RunLock
	queue     *runqueue.Queue
	attempts  *attempts.System
	bus       events.Bus
	tracker   *concurrency.Tracker
}

func NewSystem(st store.Store, snaps *snapshots.System, lock *locking.RunLock, queue *runqueue.Queue, att *attempts.System, bus events.Bus, tracker *concurrency.Tracker) *System {
	return &System{
		store:     st,
		snapshots: snaps,
		lock:      lock,
		queue:     queue,
		attempts:  att,
		bus:       bus,
		tracker:   tracker,
	}
}

// DequeuedMessage is the wire payload handed to the worker that claimed
// a run.
type DequeuedMessage struct {
	Version             string          `json:"version"`
	DequeuedAt          time.Time       `json:"dequeued_at"`
	Snapshot            SnapshotInfo    `json:"snapshot"`
	Image               string          `json:"image,omitempty"`
	Checkpoint          string          `json:"checkpoint,omitempty"`
	CompletedWaitpoints []run.Waitpoint `json:"completed_waitpoints"`
	BackgroundWorker    WorkerInfo      `json:"background_worker"`
	Deployment          DeploymentInfo  `json:"deployment"`
	Run                 RunInfo         `json:"run"`
	Environment         EnvironmentInfo `json:"environment"`
	Organization        IdentityInfo    `json:"organization"`
	Project             IdentityInfo    `json:"project"`
}

type SnapshotInfo struct {
	ID              string              `json:"id"`
	ExecutionStatus run.ExecutionStatus `json:"execution_status"`
	Description     string              `json:"description"`
}

type WorkerInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type DeploymentInfo struct {
	ID       string `json:"id,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
}

type RunInfo struct {
	ID            string            `json:"id"`
	FriendlyID    string            `json:"friendly_id"`
	Machine       run.MachinePreset `json:"machine"`
	AttemptNumber int               `json:"attempt_number"`
	MasterQueue   string            `json:"master_queue"`
	TraceContext  map[string]string `json:"trace_context,omitempty"`
}

type EnvironmentInfo struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

type IdentityInfo struct {
	ID string `json:"id"`
}

// queueAction is what the dequeue decided to do with the popped
// message once the run lock was released.
type queueAction int

const (
	actionAck queueAction = iota
	actionNack
)

// DequeueFromWorkerQueue pops one run from the worker queue and claims
// it for execution. It returns (nil, nil) when the queue is empty or
// the popped run turned out not to be claimable (duplicate delivery,
// parked, or dropped); the consumer simply polls again.
func (s *System) DequeueFromWorkerQueue(ctx context.Context, consumerID, workerQueue string) (*DequeuedMessage, error) {
	msg, err := s.queue.Dequeue(ctx, workerQueue)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	var (
		out     *DequeuedMessage
		action  = actionAck
		outcome = "dequeued"
	)

	lockErr := s.lock.WithLock(ctx, msg.RunID, func(ctx context.Context) error {
		out, action, outcome = nil, actionAck, "dropped"

		r, err := s.store.GetRun(ctx, msg.RunID)
		if errors.Is(err, store.ErrRunNotFound) {
			log.Printf("Dequeued run %s no longer exists, dropping", msg.RunID)
			return nil
		}
		if err != nil {
			return err
		}

		env, err := s.store.GetEnvironment(ctx, r.EnvironmentID)
		if errors.Is(err, store.ErrEnvNotFound) || (err == nil && env.Archived) {
			log.Printf("Dequeued run %s belongs to a missing or archived environment, dropping", r.ID)
			return nil
		}
		if err != nil {
			return err
		}

		latest, err := s.snapshots.Latest(ctx, r.ID)
		if err != nil {
			return err
		}

		if !latest.ExecutionStatus.IsDequeueable() {
			if latest.ExecutionStatus == run.ExecutionPendingExecuting {
				// Duplicate delivery: another consumer already claimed
				// the run.
				outcome = "duplicate"
				return nil
			}
			outcome = "invalid_state"
			return s.attempts.SystemFailureLocked(ctx, r.ID, run.InternalError(
				run.CodeDequeuedInvalidState,
				fmt.Sprintf("dequeued in non-dequeueable execution status %s", latest.ExecutionStatus),
			))
		}

		if latest.ExecutionStatus == run.ExecutionQueuedExecuting {
			outcome = "continued_executing"
			return s.continueExecuting(ctx, r, latest)
		}

		binding, err := s.store.ResolveBinding(ctx, env.ID, r.TaskIdentifier, r.QueueName, r.LockedToVersion)
		if err != nil {
			var bindErr *store.BindingError
			if errors.As(err, &bindErr) {
				if bindErr.Code == store.BindingVersionMismatch {
					// A worker running the locked version may still
					// claim this run later.
					action, outcome = actionNack, "version_mismatch"
					return nil
				}
				outcome = "pending_version"
				return s.parkPendingVersion(ctx, r, bindErr)
			}
			return err
		}

		out, err = s.claim(ctx, r, env, latest, binding, consumerID)
		if err != nil {
			return err
		}
		outcome = "dequeued"
		return nil
	})

	if lockErr != nil {
		// The message was popped but the claim blew up. Route the run
		// through the requeue path instead of losing it.
		metrics.RecordRunDequeued(workerQueue, "error")
		if nerr := s.attempts.TryNackAndRequeue(ctx, msg.RunID, lockErr); nerr != nil {
			log.Printf("Failed to requeue run %s after dequeue error: %v", msg.RunID, nerr)
		}
		return nil, lockErr
	}

	switch action {
	case actionNack:
		if err := s.queue.Nack(ctx, workerQueue, msg.RunID, time.Time{}); err != nil {
			return nil, err
		}
	default:
		if err := s.queue.Ack(ctx, workerQueue, msg.RunID); err != nil {
			return nil, err
		}
	}

	metrics.RecordRunDequeued(workerQueue, outcome)
	return out, nil
}

// continueExecuting handles a run that re-entered the queue while its
// worker was still running (continuation after waitpoints completed
// mid-execution). The original worker keeps it; no new worker version
// is locked.
func (s *System) continueExecuting(ctx context.Context, r *run.Run, latest *run.ExecutionSnapshot) error {
	if err := s.store.SetRunStatus(ctx, r.ID, run.StatusExecuting); err != nil {
		return err
	}
	r.Status = run.StatusExecuting

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus:       run.ExecutionExecuting,
		Description:           "Run continued on its existing worker",
		CheckpointID:          latest.CheckpointID,
		CompletedWaitpointIDs: latest.CompletedWaitpointIDs,
		WorkerID:              latest.WorkerID,
		RunnerID:              latest.RunnerID,
	})
	if err != nil {
		return err
	}

	s.bus.Publish(events.Event{
		Name:  events.WorkerNotify,
		RunID: r.ID,
		Payload: map[string]any{
			"snapshot_id":      snapshot.ID,
			"execution_status": string(snapshot.ExecutionStatus),
		},
	})
	return nil
}

// parkPendingVersion shelves a run whose task has no matching worker
// yet. A later deployment re-queues parked runs.
func (s *System) parkPendingVersion(ctx context.Context, r *run.Run, bindErr *store.BindingError) error {
	log.Printf("Parking run %s pending a deployment: %s", r.ID, bindErr)

	if err := s.store.SetRunStatus(ctx, r.ID, run.StatusPendingVersion); err != nil {
		return err
	}
	r.Status = run.StatusPendingVersion

	_, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionRunCreated,
		Description:     "Parked waiting for a deployment: " + string(bindErr.Code),
	})
	return err
}

func (s *System) claim(ctx context.Context, r *run.Run, env *store.Environment, latest *run.ExecutionSnapshot, binding *store.Binding, consumerID string) (*DequeuedMessage, error) {
	machine := r.Machine
	if machine == "" {
		machine = binding.Task.Machine
	}
	preset := run.PresetByName(machine)

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = binding.Task.Retry.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	maxDuration := r.MaxDurationSec
	if maxDuration <= 0 {
		maxDuration = binding.Task.MaxDurationSec
	}

	err := s.store.LockRun(ctx, r.ID, store.RunLockFields{
		WorkerID:       binding.Worker.ID,
		QueueID:        binding.Queue.ID,
		VersionID:      binding.Worker.ID,
		Machine:        preset.Name,
		MaxAttempts:    maxAttempts,
		MaxDurationSec: maxDuration,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRunStatus(ctx, r.ID, run.StatusDequeued); err != nil {
		return nil, err
	}
	r.Status = run.StatusDequeued
	r.Machine = preset.Name
	r.AttemptNumber = latest.AttemptNumber

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus:       run.ExecutionPendingExecuting,
		Description:           "Claimed by worker " + binding.Worker.ID,
		CheckpointID:          latest.CheckpointID,
		CompletedWaitpointIDs: latest.CompletedWaitpointIDs,
		WorkerID:              binding.Worker.ID,
		RunnerID:              consumerID,
	})
	if err != nil {
		return nil, err
	}

	if s.tracker != nil {
		if err := s.tracker.MarkStarted(ctx, env.ID, r.ID); err != nil {
			return nil, err
		}
		metrics.UpdateRunsExecuting(env.ID, 1)
	}

	s.bus.Publish(events.Event{
		Name:  events.RunLocked,
		RunID: r.ID,
		Payload: map[string]any{
			"worker_id":  binding.Worker.ID,
			"version_id": binding.Worker.Version,
		},
	})

	completed, err := s.completedWaitpoints(ctx, latest.CompletedWaitpointIDs)
	if err != nil {
		return nil, err
	}

	image := binding.Deployment.ImageRef
	if image == "" {
		image = binding.Worker.ImageRef
	}

	return &DequeuedMessage{
		Version:    "1",
		DequeuedAt: time.Now(),
		Snapshot: SnapshotInfo{
			ID:              snapshot.ID,
			ExecutionStatus: snapshot.ExecutionStatus,
			Description:     snapshot.Description,
		},
		Image:               image,
		Checkpoint:          latest.CheckpointID,
		CompletedWaitpoints: completed,
		BackgroundWorker:    WorkerInfo{ID: binding.Worker.ID, Version: binding.Worker.Version},
		Deployment:          DeploymentInfo{ID: binding.Deployment.ID, ImageRef: binding.Deployment.ImageRef},
		Run: RunInfo{
			ID:            r.ID,
			FriendlyID:    r.FriendlyID,
			Machine:       preset,
			AttemptNumber: r.AttemptNumber,
			MasterQueue:   r.MasterQueue,
			TraceContext:  r.TraceContext,
		},
		Environment:  EnvironmentInfo{ID: env.ID, Slug: env.Slug},
		Organization: IdentityInfo{ID: env.OrganizationID},
		Project:      IdentityInfo{ID: env.ProjectID},
	}, nil
}

// completedWaitpoints loads the waitpoints whose completion unblocked
// this run so the worker can resolve its pending continuations.
func (s *System) completedWaitpoints(ctx context.Context, ids []string) ([]run.Waitpoint, error) {
	waitpoints := make([]run.Waitpoint, 0, len(ids))
	for _, id := range ids {
		wp, err := s.store.GetWaitpoint(ctx, id)
		if errors.Is(err, store.ErrWaitpointNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		waitpoints = append(waitpoints, *wp)
	}
	return waitpoints, nil
}
