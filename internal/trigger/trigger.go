// Package trigger creates new runs: the run row, its completion
// waitpoint, the initial snapshot chain, and the queue entry that makes
// it claimable.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/waitpoints"
)

type System struct {
	store      store.Store
	snapshots  *snapshots.System
	waitpoints *waitpoints.System
	queue      *runqueue.Queue
}

func NewSystem(st store.Store, snaps *snapshots.System, wps *waitpoints.System, queue *runqueue.Queue) *System {
	return &System{store: st, snapshots: snaps, waitpoints: wps, queue: queue}
}

// Request describes a run to create. EnvironmentID and TaskIdentifier
// are required; everything else has a sensible default.
type Request struct {
	EnvironmentID  string            `json:"environment_id"`
	TaskIdentifier string            `json:"task_identifier"`
	QueueName      string            `json:"queue_name,omitempty"`
	WorkerQueue    string            `json:"worker_queue,omitempty"`
	Machine        string            `json:"machine,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	MaxDurationSec int               `json:"max_duration_sec,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Delay          time.Duration     `json:"delay,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
	// ParentRunID, when set, blocks the parent run on this run's
	// completion waitpoint (trigger-and-wait).
	ParentRunID      string `json:"parent_run_id,omitempty"`
	SpanIDToComplete string `json:"span_id_to_complete,omitempty"`
}

// Trigger creates a run in PENDING, snapshots RUN_CREATED then QUEUED,
// and enqueues it on its worker queue.
func (s *System) Trigger(ctx context.Context, req Request) (*run.Run, error) {
	if req.EnvironmentID == "" || req.TaskIdentifier == "" {
		return nil, fmt.Errorf("environment id and task identifier are required")
	}

	env, err := s.store.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.Archived {
		return nil, fmt.Errorf("environment %s is archived", env.ID)
	}

	queueName := req.QueueName
	if queueName == "" {
		queueName = "task/" + req.TaskIdentifier
	}
	workerQueue := req.WorkerQueue
	if workerQueue == "" {
		workerQueue = env.ID
	}

	r := run.NewRun(req.TaskIdentifier, queueName, workerQueue, env.ID, env.ProjectID, env.OrganizationID)
	r.MasterQueue = "env:" + env.ID
	r.Priority = req.Priority
	r.MaxAttempts = req.MaxAttempts
	r.MaxDurationSec = req.MaxDurationSec
	r.TraceContext = req.TraceContext
	if req.Machine != "" {
		r.Machine = run.PresetByName(req.Machine).Name
	}
	if req.Delay > 0 {
		r.QueuedAt = time.Now().Add(req.Delay)
	}

	wp, _, err := s.waitpoints.CreateRunWaitpoint(ctx, env.ID, waitpoints.CreateOptions{})
	if err != nil {
		return nil, err
	}
	r.AssociatedWaitpoint = wp.ID

	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}

	if _, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionRunCreated,
		Description:     "Run created",
	}); err != nil {
		return nil, err
	}
	if _, err := s.snapshots.Create(ctx, r, snapshots.NewSnapshot{
		ExecutionStatus: run.ExecutionQueued,
		Description:     "Run queued",
	}); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, r.WorkerQueue, runqueue.Message{
		RunID:         r.ID,
		OrgID:         r.OrganizationID,
		EnvironmentID: r.EnvironmentID,
		ProjectID:     r.ProjectID,
		Priority:      r.Priority,
		EnqueuedAt:    r.QueuedAt,
	}, r.QueuedAt); err != nil {
		return nil, err
	}

	if req.ParentRunID != "" {
		if _, err := s.waitpoints.BlockRunWithWaitpoint(ctx, req.ParentRunID, []string{wp.ID}, waitpoints.BlockOptions{
			SpanIDToComplete: req.SpanIDToComplete,
		}); err != nil {
			return nil, fmt.Errorf("run %s created but blocking parent failed: %w", r.ID, err)
		}
	}

	return r, nil
}
