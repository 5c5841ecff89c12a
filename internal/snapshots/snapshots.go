// Package snapshots owns the append-only execution state ledger. Every
// state transition in the engine goes through System.Create, and every
// decision re-reads System.Latest inside the run lock first.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/store"
)

// HeartbeatTimeouts maps an execution status to how long a run may sit
// in it without a heartbeat before the stall recovery path kicks in. A
// zero duration disables the deadline for that status.
type HeartbeatTimeouts map[run.ExecutionStatus]time.Duration

func DefaultHeartbeatTimeouts() HeartbeatTimeouts {
	return HeartbeatTimeouts{
		run.ExecutionPendingExecuting: 60 * time.Second,
		run.ExecutionExecuting:        60 * time.Second,
		run.ExecutionPendingCancel:    60 * time.Second,
	}
}

// HeartbeatPayload is the scheduler payload for a heartbeat deadline
// job.
type HeartbeatPayload struct {
	RunID      string `json:"run_id"`
	SnapshotID string `json:"snapshot_id"`
}

// NewSnapshot describes the transition being recorded.
type NewSnapshot struct {
	ExecutionStatus       run.ExecutionStatus
	Description           string
	CheckpointID          string
	BatchID               string
	CompletedWaitpointIDs []string
	WorkerID              string
	RunnerID              string
}

type System struct {
	store    store.Store
	sched    *scheduler.Worker
	bus      events.Bus
	timeouts HeartbeatTimeouts
}

func NewSystem(st store.Store, sched *scheduler.Worker, bus events.Bus, timeouts HeartbeatTimeouts) *System {
	if timeouts == nil {
		timeouts = DefaultHeartbeatTimeouts()
	}
	return &System{store: st, sched: sched, bus: bus, timeouts: timeouts}
}

func heartbeatJobID(runID string) string { return "heartbeat:" + runID }

// Create appends a snapshot for the run and re-arms its heartbeat
// deadline. Callers must hold the run's distributed lock.
func (s *System) Create(ctx context.Context, r *run.Run, ns NewSnapshot) (*run.ExecutionSnapshot, error) {
	previousID := ""
	latest, err := s.store.LatestSnapshot(ctx, r.ID)
	if err == nil {
		if latest.ExecutionStatus.IsFinal() {
			return nil, fmt.Errorf("run %s already reached %s, refusing snapshot %s", r.ID, latest.ExecutionStatus, ns.ExecutionStatus)
		}
		previousID = latest.ID
	} else if !errors.Is(err, store.ErrNoSnapshot) {
		return nil, err
	}

	snapshot := &run.ExecutionSnapshot{
		ID:                    run.NewSnapshotID(),
		RunID:                 r.ID,
		RunStatus:             r.Status,
		AttemptNumber:         r.AttemptNumber,
		ExecutionStatus:       ns.ExecutionStatus,
		Description:           ns.Description,
		PreviousID:            previousID,
		EnvironmentID:         r.EnvironmentID,
		ProjectID:             r.ProjectID,
		OrganizationID:        r.OrganizationID,
		CheckpointID:          ns.CheckpointID,
		BatchID:               ns.BatchID,
		CompletedWaitpointIDs: ns.CompletedWaitpointIDs,
		WorkerID:              ns.WorkerID,
		RunnerID:              ns.RunnerID,
		CreatedAt:             time.Now().UTC(),
	}

	if err := s.store.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to create execution snapshot: %w", err)
	}
	metrics.RecordSnapshotCreated(string(ns.ExecutionStatus))

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Name:  events.SnapshotCreated,
			RunID: r.ID,
			Payload: map[string]any{
				"snapshot_id":      snapshot.ID,
				"execution_status": string(snapshot.ExecutionStatus),
				"run_status":       string(snapshot.RunStatus),
			},
		})
	}

	if err := s.armHeartbeat(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Latest returns the authoritative snapshot for the run. A run with no
// snapshot indicates a programming bug upstream.
func (s *System) Latest(ctx context.Context, runID string) (*run.ExecutionSnapshot, error) {
	return s.store.LatestSnapshot(ctx, runID)
}

// Heartbeat extends the run's deadline if the caller still holds the
// latest snapshot. A stale snapshot id is acknowledged as a no-op.
func (s *System) Heartbeat(ctx context.Context, runID, snapshotID string) (bool, error) {
	latest, err := s.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return false, err
	}
	if latest.ID != snapshotID {
		return false, nil
	}
	return true, s.armHeartbeat(ctx, latest)
}

// armHeartbeat schedules (or replaces, via debounce-by-id) the
// heartbeat timeout job for the run's current snapshot. Statuses with
// no configured timeout cancel any pending deadline.
func (s *System) armHeartbeat(ctx context.Context, snapshot *run.ExecutionSnapshot) error {
	if s.sched == nil {
		return nil
	}

	timeout := s.timeouts[snapshot.ExecutionStatus]
	if timeout <= 0 || snapshot.ExecutionStatus.IsFinal() {
		return s.sched.Cancel(ctx, heartbeatJobID(snapshot.RunID))
	}

	payload := HeartbeatPayload{RunID: snapshot.RunID, SnapshotID: snapshot.ID}
	return s.sched.Enqueue(ctx, heartbeatJobID(snapshot.RunID), scheduler.JobHeartbeatTimeout, payload, time.Now().Add(timeout))
}

// Timeout reports the configured heartbeat timeout for a status.
func (s *System) Timeout(status run.ExecutionStatus) time.Duration {
	return s.timeouts[status]
}
