// Package run defines the core run domain model shared by every engine
// subsystem: runs, execution snapshots, waitpoints, machine presets and
// the task error taxonomy.
package run

import (
	"time"

	"github.com/google/uuid"
)

type (
	Status          string
	ExecutionStatus string
)

// Coarse business status of a run, visible to users.
const (
	StatusPending               Status = "PENDING"
	StatusPendingVersion        Status = "PENDING_VERSION"
	StatusDequeued              Status = "DEQUEUED"
	StatusExecuting             Status = "EXECUTING"
	StatusRetryingAfterFailure  Status = "RETRYING_AFTER_FAILURE"
	StatusWaitingToResume       Status = "WAITING_TO_RESUME"
	StatusCompletedSuccessfully Status = "COMPLETED_SUCCESSFULLY"
	StatusCompletedWithErrors   Status = "COMPLETED_WITH_ERRORS"
	StatusCanceled              Status = "CANCELED"
	StatusCrashed               Status = "CRASHED"
	StatusSystemFailure         Status = "SYSTEM_FAILURE"
)

// Fine-grained engine-internal execution status, recorded on every
// snapshot. A run may cycle QUEUED -> PENDING_EXECUTING -> EXECUTING
// several times across retries and continuations.
const (
	ExecutionRunCreated              ExecutionStatus = "RUN_CREATED"
	ExecutionQueued                  ExecutionStatus = "QUEUED"
	ExecutionQueuedExecuting         ExecutionStatus = "QUEUED_EXECUTING"
	ExecutionPendingExecuting        ExecutionStatus = "PENDING_EXECUTING"
	ExecutionExecuting               ExecutionStatus = "EXECUTING"
	ExecutionExecutingWithWaitpoints ExecutionStatus = "EXECUTING_WITH_WAITPOINTS"
	ExecutionSuspended               ExecutionStatus = "SUSPENDED"
	ExecutionPendingCancel           ExecutionStatus = "PENDING_CANCEL"
	ExecutionFinished                ExecutionStatus = "FINISHED"
)

func (s Status) IsFinal() bool {
	switch s {
	case StatusCompletedSuccessfully, StatusCompletedWithErrors,
		StatusCanceled, StatusCrashed, StatusSystemFailure:
		return true
	}
	return false
}

func (s ExecutionStatus) IsFinal() bool {
	return s == ExecutionFinished
}

// IsDequeueable reports whether a run in this execution status may be
// claimed from the worker queue.
func (s ExecutionStatus) IsDequeueable() bool {
	switch s {
	case ExecutionQueued, ExecutionQueuedExecuting, ExecutionSuspended:
		return true
	}
	return false
}

type Run struct {
	ID              string     `json:"id"`
	FriendlyID      string     `json:"friendly_id"`
	TaskIdentifier  string     `json:"task_identifier"`
	Status          Status     `json:"status"`
	AttemptNumber   int        `json:"attempt_number"`
	QueueName       string     `json:"queue_name"`
	WorkerQueue     string     `json:"worker_queue"`
	MasterQueue     string     `json:"master_queue"`
	Machine         string     `json:"machine"`
	MaxAttempts     int        `json:"max_attempts"`
	MaxDurationSec  int        `json:"max_duration_sec,omitempty"`
	Priority        int        `json:"priority"`
	EnvironmentID   string     `json:"environment_id"`
	ProjectID       string     `json:"project_id"`
	OrganizationID  string     `json:"organization_id"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LockedByID      string     `json:"locked_by_id,omitempty"`
	LockedToVersion string     `json:"locked_to_version_id,omitempty"`
	LockedQueueID   string     `json:"locked_queue_id,omitempty"`
	CheckpointID    string     `json:"checkpoint_id,omitempty"`
	// AssociatedWaitpoint is the RUN-type waitpoint completed with this
	// run's output when it finishes, awaited by parent runs.
	AssociatedWaitpoint string            `json:"associated_waitpoint_id,omitempty"`
	TraceContext        map[string]string `json:"trace_context,omitempty"`
	Output              string            `json:"output,omitempty"`
	Error               *TaskError        `json:"error,omitempty"`
	CostInCents         float64           `json:"cost_in_cents"`
	BaseCostInCents     float64           `json:"base_cost_in_cents"`
	CreatedAt           time.Time         `json:"created_at"`
	QueuedAt            time.Time         `json:"queued_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionSnapshot is an immutable record of a run's execution state
// at a point in time. Snapshots form a singly-linked chain per run via
// PreviousID; the latest snapshot is authoritative for all execution
// decisions.
type ExecutionSnapshot struct {
	ID                    string          `json:"id"`
	RunID                 string          `json:"run_id"`
	RunStatus             Status          `json:"run_status"`
	AttemptNumber         int             `json:"attempt_number"`
	ExecutionStatus       ExecutionStatus `json:"execution_status"`
	Description           string          `json:"description"`
	PreviousID            string          `json:"previous_snapshot_id,omitempty"`
	EnvironmentID         string          `json:"environment_id"`
	ProjectID             string          `json:"project_id"`
	OrganizationID        string          `json:"organization_id"`
	CheckpointID          string          `json:"checkpoint_id,omitempty"`
	BatchID               string          `json:"batch_id,omitempty"`
	CompletedWaitpointIDs []string        `json:"completed_waitpoint_ids,omitempty"`
	WorkerID              string          `json:"worker_id,omitempty"`
	RunnerID              string          `json:"runner_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

func NewRunID() string       { return "run_" + uuid.New().String() }
func NewSnapshotID() string  { return "snap_" + uuid.New().String() }
func NewWaitpointID() string { return "wp_" + uuid.New().String() }

// NewRun builds a freshly triggered run in PENDING with attempt 0.
func NewRun(taskIdentifier, queueName, workerQueue, envID, projectID, orgID string) *Run {
	id := NewRunID()
	now := time.Now()
	return &Run{
		ID:             id,
		FriendlyID:     id,
		TaskIdentifier: taskIdentifier,
		Status:         StatusPending,
		AttemptNumber:  0,
		QueueName:      queueName,
		WorkerQueue:    workerQueue,
		Machine:        MachineSmall1x,
		EnvironmentID:  envID,
		ProjectID:      projectID,
		OrganizationID: orgID,
		CreatedAt:      now,
		QueuedAt:       now,
	}
}
