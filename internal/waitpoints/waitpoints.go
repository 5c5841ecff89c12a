// Package waitpoints manages the blocking dependencies runs can await:
// creating waitpoints, blocking runs on them, completing them exactly
// once, and continuing runs when every blocker has resolved.
package waitpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/runforge/runforge/internal/concurrency"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/locking"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
)

// createRetries bounds the duplicate-key retry loop when two creators
// race on the same idempotency key.
const createRetries = 5

// ContinueDebounce coalesces bursts of waitpoint completions for one
// run into a single continuation.
const ContinueDebounce = 50 * time.Millisecond

type System struct {
	store     store.Store
	sched     *scheduler.Worker
	snapshots *snapshots.System
	lock      *locking.RunLock
	queue     *runqueue.Queue
	bus       events.Bus
	release   concurrency.Releaser
	debounce  time.Duration
}

func NewSystem(st store.Store, sched *scheduler.Worker, snaps *snapshots.System, lock *locking.RunLock, queue *runqueue.Queue, bus events.Bus, release concurrency.Releaser) *System {
	return &System{
		store:     st,
		sched:     sched,
		snapshots: snaps,
		lock:      lock,
		queue:     queue,
		bus:       bus,
		release:   release,
		debounce:  ContinueDebounce,
	}
}

// CreateOptions control idempotent waitpoint creation.
type CreateOptions struct {
	IdempotencyKey        string
	IdempotencyKeyExpires *time.Time
	Tags                  []string
}

type finishPayload struct {
	WaitpointID string `json:"waitpoint_id"`
}

type continuePayload struct {
	RunID string `json:"run_id"`
}

func continueJobID(runID string) string { return "continueRun:" + runID }
func finishJobID(wpID string) string    { return "finishWaitpoint:" + wpID }

// CreateDateTimeWaitpoint creates (or returns the cached) waitpoint
// that completes on its own at completedAfter. The second return value
// reports a cache hit on the idempotency key.
func (s *System) CreateDateTimeWaitpoint(ctx context.Context, envID string, completedAfter time.Time, opts CreateOptions) (*run.Waitpoint, bool, error) {
	wp := s.newWaitpoint(run.WaitpointTypeDateTime, envID, opts)
	wp.CompletedAfter = &completedAfter
	return s.createWaitpoint(ctx, wp)
}

// CreateManualWaitpoint creates (or returns the cached) waitpoint that
// only completes when something calls CompleteWaitpoint. A non-nil
// timeout schedules automatic completion with a timeout error output.
func (s *System) CreateManualWaitpoint(ctx context.Context, envID string, timeout *time.Time, opts CreateOptions) (*run.Waitpoint, bool, error) {
	wp := s.newWaitpoint(run.WaitpointTypeManual, envID, opts)
	wp.CompletedAfter = timeout
	return s.createWaitpoint(ctx, wp)
}

// CreateRunWaitpoint creates the completion waitpoint a parent run can
// await for a child run. Completed by the attempt system when the
// child finishes.
func (s *System) CreateRunWaitpoint(ctx context.Context, envID string, opts CreateOptions) (*run.Waitpoint, bool, error) {
	wp := s.newWaitpoint(run.WaitpointTypeRun, envID, opts)
	return s.createWaitpoint(ctx, wp)
}

func (s *System) newWaitpoint(wpType run.WaitpointType, envID string, opts CreateOptions) *run.Waitpoint {
	id := run.NewWaitpointID()
	return &run.Waitpoint{
		ID:                    id,
		FriendlyID:            id,
		Type:                  wpType,
		Status:                run.WaitpointPending,
		EnvironmentID:         envID,
		IdempotencyKey:        opts.IdempotencyKey,
		IdempotencyKeyExpires: opts.IdempotencyKeyExpires,
		Tags:                  opts.Tags,
		CreatedAt:             time.Now().UTC(),
	}
}

func (s *System) createWaitpoint(ctx context.Context, wp *run.Waitpoint) (*run.Waitpoint, bool, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		if wp.IdempotencyKey != "" {
			existing, err := s.store.FindWaitpointByKey(ctx, wp.EnvironmentID, wp.IdempotencyKey)
			if err == nil {
				if existing.IdempotencyKeyExpires != nil && time.Now().After(*existing.IdempotencyKeyExpires) {
					// Key expired: detach it from the stale waitpoint
					// and create a fresh one under the same key.
					if err := s.store.DetachWaitpointKey(ctx, existing.ID); err != nil {
						return nil, false, fmt.Errorf("failed to detach expired idempotency key: %w", err)
					}
				} else {
					return existing, true, nil
				}
			} else if !errors.Is(err, store.ErrWaitpointNotFound) {
				return nil, false, err
			}
		}

		err := s.store.CreateWaitpoint(ctx, wp)
		if errors.Is(err, store.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to create waitpoint: %w", err)
		}

		if wp.CompletedAfter != nil {
			payload := finishPayload{WaitpointID: wp.ID}
			if err := s.sched.Enqueue(ctx, finishJobID(wp.ID), scheduler.JobFinishWaitpoint, payload, *wp.CompletedAfter); err != nil {
				return nil, false, fmt.Errorf("failed to schedule waitpoint timeout: %w", err)
			}
		}
		return wp, false, nil
	}
	return nil, false, fmt.Errorf("failed to create waitpoint after %d idempotency-key conflicts", createRetries)
}

// BlockOptions carry join-row fields for BlockRunWithWaitpoint.
type BlockOptions struct {
	SpanIDToComplete string
	BatchID          string
	BatchIndex       *int
}

// BlockRunWithWaitpoint blocks a run on the given waitpoints. Inside
// the run lock it inserts join rows for every waitpoint still pending,
// picks the blocked execution status, and snapshots it. If nothing is
// pending anymore (the race already resolved) it schedules a debounced
// continuation instead of continuing inline.
func (s *System) BlockRunWithWaitpoint(ctx context.Context, runID string, waitpointIDs []string, opts BlockOptions) (*run.ExecutionSnapshot, error) {
	var snapshot *run.ExecutionSnapshot

	err := s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}

		joins := make([]run.RunWaitpoint, 0, len(waitpointIDs))
		for _, wpID := range waitpointIDs {
			joins = append(joins, run.RunWaitpoint{
				RunID:            runID,
				WaitpointID:      wpID,
				SpanIDToComplete: opts.SpanIDToComplete,
				BatchID:          opts.BatchID,
				BatchIndex:       opts.BatchIndex,
			})
		}

		pending, err := s.store.BlockRun(ctx, joins)
		if err != nil {
			return fmt.Errorf("failed to insert waitpoint blockers: %w", err)
		}

		// Never regress out of a blocked-executing state; anything not
		// actively executing suspends.
		newStatus := run.ExecutionSuspended
		switch latest.ExecutionStatus {
		case run.ExecutionExecuting, run.ExecutionExecutingWithWaitpoints:
			newStatus = run.ExecutionExecutingWithWaitpoints
		}

		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if newStatus == run.ExecutionSuspended {
			if err := s.store.SetRunStatus(ctx, runID, run.StatusWaitingToResume); err != nil {
				return err
			}
			r.Status = run.StatusWaitingToResume
		}

		snapshot, err = s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
			ExecutionStatus: newStatus,
			Description:     fmt.Sprintf("Run blocked by %d waitpoint(s)", len(waitpointIDs)),
			CheckpointID:    latest.CheckpointID,
			BatchID:         opts.BatchID,
		})
		if err != nil {
			return err
		}

		if newStatus == run.ExecutionSuspended && s.release != nil {
			// A suspended run no longer occupies an execution slot.
			if err := s.release.AttemptToRelease(ctx, r.EnvironmentID, r.ID); err != nil {
				log.Printf("Failed to release concurrency for suspended run %s: %v", r.ID, err)
			}
		}

		if pending == 0 {
			// Already unblocked; coalesce with any sibling completions
			// instead of continuing inline.
			return s.scheduleContinue(ctx, runID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// CompleteOptions carry the completion payload.
type CompleteOptions struct {
	Output           *run.WaitpointOutput
	CompletedByRunID string
}

// CompleteWaitpoint flips a waitpoint PENDING -> COMPLETED. The first
// writer wins; a second completion observes COMPLETED and does not
// re-trigger continuations. Every run blocked on the waitpoint gets a
// debounced continuation job and a cached-completion event carrying
// the output.
func (s *System) CompleteWaitpoint(ctx context.Context, id string, opts CompleteOptions) (*run.Waitpoint, error) {
	wp, won, err := s.store.CompleteWaitpoint(ctx, id, opts.CompletedByRunID, opts.Output)
	if err != nil {
		return nil, err
	}
	if !won {
		return wp, nil
	}
	metrics.RecordWaitpointCompleted(string(wp.Type))

	blocked, err := s.store.RunsBlockedBy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs blocked by waitpoint: %w", err)
	}

	for _, join := range blocked {
		if err := s.scheduleContinue(ctx, join.RunID); err != nil {
			return nil, err
		}
		if s.bus != nil {
			payload := map[string]any{
				"waitpoint_id":        wp.ID,
				"span_id_to_complete": join.SpanIDToComplete,
			}
			if wp.Output != nil {
				payload["output"] = wp.Output.Value
				payload["output_type"] = wp.Output.Type
				payload["is_error"] = wp.Output.IsError
			}
			s.bus.Publish(events.Event{Name: events.RunCachedCompleted, RunID: join.RunID, Payload: payload})
		}
	}
	return wp, nil
}

func (s *System) scheduleContinue(ctx context.Context, runID string) error {
	payload := continuePayload{RunID: runID}
	return s.sched.Enqueue(ctx, continueJobID(runID), scheduler.JobContinueRunIfUnblocked, payload, time.Now().Add(s.debounce))
}

// ContinueResult reports what ContinueRunIfUnblocked decided.
type ContinueResult struct {
	Status string `json:"status"` // blocked, skipped, unblocked
}

// ContinueRunIfUnblocked resumes a run once no pending waitpoint blocks
// it. Runs that are already progressing (or already done) are skipped;
// a run executing with waitpoints continues in place; a suspended run
// goes back to the run queue keeping its original priority timestamp.
func (s *System) ContinueRunIfUnblocked(ctx context.Context, runID string) (ContinueResult, error) {
	var result ContinueResult

	err := s.lock.WithLock(ctx, runID, func(ctx context.Context) error {
		blockers, err := s.store.BlockingWaitpoints(ctx, runID)
		if err != nil {
			return err
		}

		completedIDs := make([]string, 0, len(blockers))
		for _, b := range blockers {
			if b.Waitpoint.Status != run.WaitpointCompleted {
				result = ContinueResult{Status: "blocked"}
				return nil
			}
			completedIDs = append(completedIDs, b.Waitpoint.ID)
		}

		latest, err := s.snapshots.Latest(ctx, runID)
		if err != nil {
			return err
		}

		switch latest.ExecutionStatus {
		case run.ExecutionRunCreated, run.ExecutionQueued, run.ExecutionPendingExecuting,
			run.ExecutionQueuedExecuting, run.ExecutionExecuting:
			// Already progressing.
			result = ContinueResult{Status: "skipped"}
			return nil

		case run.ExecutionFinished, run.ExecutionPendingCancel:
			// Run is already done or on its way out.
			result = ContinueResult{Status: "skipped"}
			return nil

		case run.ExecutionExecutingWithWaitpoints:
			if err := s.continueInPlace(ctx, runID, latest, completedIDs); err != nil {
				return err
			}
			result = ContinueResult{Status: "unblocked"}
			return s.store.ClearBlockers(ctx, runID, completedIDs)

		case run.ExecutionSuspended:
			if err := s.requeueSuspended(ctx, runID, latest, completedIDs); err != nil {
				return err
			}
			result = ContinueResult{Status: "unblocked"}
			return s.store.ClearBlockers(ctx, runID, completedIDs)

		default:
			// Exhaustiveness guard: a status outside the machine is a
			// programming bug, not a runtime condition.
			return fmt.Errorf("continueRunIfUnblocked: unreachable execution status %q for run %s", latest.ExecutionStatus, runID)
		}
	})
	if err != nil {
		return ContinueResult{}, err
	}
	metrics.RecordRunContinued(result.Status)
	return result, nil
}

// continueInPlace flips an EXECUTING_WITH_WAITPOINTS run back to
// EXECUTING and tells the attached worker it can proceed.
func (s *System) continueInPlace(ctx context.Context, runID string, latest *run.ExecutionSnapshot, completedIDs []string) error {
	if err := s.store.SetRunStatus(ctx, runID, run.StatusExecuting); err != nil {
		return err
	}
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	snapshot, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus:       run.ExecutionExecuting,
		Description:           "Waitpoints completed, continuing in place",
		CheckpointID:          latest.CheckpointID,
		CompletedWaitpointIDs: completedIDs,
		WorkerID:              latest.WorkerID,
		RunnerID:              latest.RunnerID,
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Name:  events.WorkerNotify,
			RunID: runID,
			Payload: map[string]any{
				"snapshot_id":          snapshot.ID,
				"completed_waitpoints": completedIDs,
			},
		})
	}
	return nil
}

// requeueSuspended puts a SUSPENDED run back on its worker queue with
// the original queue timestamp so the wait does not cost it its place
// in line, carrying its checkpoint for the next executor.
func (s *System) requeueSuspended(ctx context.Context, runID string, latest *run.ExecutionSnapshot, completedIDs []string) error {
	if err := s.store.SetRunStatus(ctx, runID, run.StatusPending); err != nil {
		return err
	}
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if _, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus:       run.ExecutionQueued,
		Description:           "Waitpoints completed, re-enqueued for execution",
		CheckpointID:          latest.CheckpointID,
		CompletedWaitpointIDs: completedIDs,
	}); err != nil {
		return err
	}

	return s.queue.Enqueue(ctx, r.WorkerQueue, runqueue.Message{
		RunID:         r.ID,
		OrgID:         r.OrganizationID,
		EnvironmentID: r.EnvironmentID,
		ProjectID:     r.ProjectID,
		Priority:      r.Priority,
		EnqueuedAt:    r.QueuedAt,
	}, r.QueuedAt)
}

// RegisterJobs binds the waitpoint-driven scheduler jobs.
func (s *System) RegisterJobs() {
	s.sched.RegisterHandler(scheduler.JobFinishWaitpoint, func(ctx context.Context, raw json.RawMessage) error {
		var payload finishPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		wp, err := s.store.GetWaitpoint(ctx, payload.WaitpointID)
		if err != nil {
			return err
		}
		// A DATETIME waitpoint reaching its deadline is its normal
		// completion; a MANUAL waitpoint doing so timed out.
		output := &run.WaitpointOutput{Value: "{}", Type: "application/json"}
		if wp.Type == run.WaitpointTypeManual {
			output = &run.WaitpointOutput{
				Value:   `{"name":"TimeoutError","message":"Waitpoint timed out"}`,
				Type:    "application/json",
				IsError: true,
			}
		}
		_, err = s.CompleteWaitpoint(ctx, payload.WaitpointID, CompleteOptions{Output: output})
		return err
	})

	s.sched.RegisterHandler(scheduler.JobContinueRunIfUnblocked, func(ctx context.Context, raw json.RawMessage) error {
		var payload continuePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		result, err := s.ContinueRunIfUnblocked(ctx, payload.RunID)
		if err != nil {
			log.Printf("Failed to continue run %s: %v", payload.RunID, err)
			return err
		}
		if result.Status == "blocked" {
			log.Printf("Run %s still blocked after waitpoint completion", payload.RunID)
		}
		return nil
	})
}
