// Package store provides persistence for runs, execution snapshots,
// waitpoints and worker bindings. Postgres backs production; Memory
// backs tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runforge/runforge/internal/run"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrNoSnapshot        = errors.New("no execution snapshot for run")
	ErrWaitpointNotFound = errors.New("waitpoint not found")
	ErrEnvNotFound       = errors.New("environment not found")
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
)

// BindingCode identifies why a run could not be bound to a worker
// version at dequeue time.
type BindingCode string

const (
	BindingNoWorker            BindingCode = "NO_WORKER"
	BindingTaskNeverRegistered BindingCode = "TASK_NEVER_REGISTERED"
	BindingQueueNotFound       BindingCode = "QUEUE_NOT_FOUND"
	BindingTaskNotInLatest     BindingCode = "TASK_NOT_IN_LATEST"
	BindingNoDeployment        BindingCode = "NO_DEPLOYMENT"
	BindingVersionMismatch     BindingCode = "WORKER_VERSION_MISMATCH"
)

type BindingError struct {
	Code BindingCode
	Msg  string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding failed (%s): %s", e.Code, e.Msg)
}

type Environment struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
	Slug           string `json:"slug"`
	Archived       bool   `json:"archived"`
}

// TaskRecord is a task registered by a worker version, carrying its
// retry policy and machine defaults.
type TaskRecord struct {
	ID             string          `json:"id"`
	Identifier     string          `json:"identifier"`
	Retry          run.RetryConfig `json:"retry"`
	Machine        string          `json:"machine,omitempty"`
	MaxDurationSec int             `json:"max_duration_sec,omitempty"`
}

type TaskQueue struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
}

type Worker struct {
	ID            string       `json:"id"`
	Version       string       `json:"version"`
	EnvironmentID string       `json:"environment_id"`
	DeploymentID  string       `json:"deployment_id,omitempty"`
	ImageRef      string       `json:"image_ref,omitempty"`
	Latest        bool         `json:"latest"`
	Tasks         []TaskRecord `json:"tasks"`
	Queues        []TaskQueue  `json:"queues"`
}

type Deployment struct {
	ID       string `json:"id"`
	ImageRef string `json:"image_ref,omitempty"`
}

// Binding resolves everything a dequeue needs to hand a run to a
// worker version.
type Binding struct {
	Worker     Worker
	Deployment Deployment
	Queue      TaskQueue
	Task       TaskRecord
}

// RunLockFields are written when a run is claimed by a worker version.
type RunLockFields struct {
	WorkerID       string
	QueueID        string
	VersionID      string
	Machine        string
	MaxAttempts    int
	MaxDurationSec int
}

// BlockedWaitpoint pairs a join row with its waitpoint.
type BlockedWaitpoint struct {
	Join      run.RunWaitpoint
	Waitpoint run.Waitpoint
}

type Store interface {
	// Runs. Mutations are only valid while the caller holds the run's
	// distributed lock.
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	SetRunStatus(ctx context.Context, id string, status run.Status) error
	LockRun(ctx context.Context, id string, fields RunLockFields) error
	ClearRunLock(ctx context.Context, id string) error
	SetRunMachine(ctx context.Context, id, machine string) error
	SetRunCheckpoint(ctx context.Context, id, checkpointID string) error
	// BumpAttempt increments the attempt number and returns the new
	// value, marking the run EXECUTING.
	BumpAttempt(ctx context.Context, id string) (int, error)
	FinishRun(ctx context.Context, id string, status run.Status, output string, taskErr *run.TaskError) error

	// Snapshots (append-only).
	CreateSnapshot(ctx context.Context, s *run.ExecutionSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*run.ExecutionSnapshot, error)
	SnapshotByID(ctx context.Context, id string) (*run.ExecutionSnapshot, error)
	SnapshotChain(ctx context.Context, runID string) ([]*run.ExecutionSnapshot, error)

	// Waitpoints.
	CreateWaitpoint(ctx context.Context, wp *run.Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*run.Waitpoint, error)
	FindWaitpointByKey(ctx context.Context, envID, key string) (*run.Waitpoint, error)
	// DetachWaitpointKey frees an expired idempotency key so a fresh
	// waitpoint can be created under it.
	DetachWaitpointKey(ctx context.Context, id string) error
	// CompleteWaitpoint flips PENDING -> COMPLETED exactly once. The
	// returned bool reports whether this call won the transition; the
	// returned waitpoint is the final row either way.
	CompleteWaitpoint(ctx context.Context, id string, completedByRunID string, output *run.WaitpointOutput) (*run.Waitpoint, bool, error)
	// BlockRun inserts join rows for the given waitpoints that are
	// still PENDING and returns how many pending waitpoints block the
	// run afterwards.
	BlockRun(ctx context.Context, joins []run.RunWaitpoint) (int, error)
	BlockingWaitpoints(ctx context.Context, runID string) ([]BlockedWaitpoint, error)
	ClearBlockers(ctx context.Context, runID string, waitpointIDs []string) error
	RunsBlockedBy(ctx context.Context, waitpointID string) ([]run.RunWaitpoint, error)

	// Environments and worker registrations.
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	RegisterWorker(ctx context.Context, w *Worker, d *Deployment) error
	// ResolveBinding finds the worker/deployment/queue/task binding for
	// a run. With lockedVersionID set, the run must bind to exactly
	// that worker version.
	ResolveBinding(ctx context.Context, envID, taskIdentifier, queueName, lockedVersionID string) (*Binding, error)

	Close() error
}

// resolveBinding implements the shared binding rules over an
// environment's worker versions, newest registration last.
func resolveBinding(workers []*Worker, deployments map[string]*Deployment, taskIdentifier, queueName, lockedVersionID string) (*Binding, error) {
	var candidate *Worker
	if lockedVersionID != "" {
		for _, w := range workers {
			if w.ID == lockedVersionID {
				candidate = w
				break
			}
		}
		if candidate == nil {
			return nil, &BindingError{Code: BindingVersionMismatch, Msg: "locked worker version " + lockedVersionID + " not available"}
		}
	} else {
		for _, w := range workers {
			if w.Latest {
				candidate = w
			}
		}
		if candidate == nil {
			return nil, &BindingError{Code: BindingNoWorker, Msg: "no worker registered for environment"}
		}
	}

	var task *TaskRecord
	for i := range candidate.Tasks {
		if candidate.Tasks[i].Identifier == taskIdentifier {
			task = &candidate.Tasks[i]
			break
		}
	}
	if task == nil {
		for _, w := range workers {
			for i := range w.Tasks {
				if w.Tasks[i].Identifier == taskIdentifier {
					return nil, &BindingError{Code: BindingTaskNotInLatest, Msg: taskIdentifier + " is not registered in the bound worker version"}
				}
			}
		}
		return nil, &BindingError{Code: BindingTaskNeverRegistered, Msg: taskIdentifier + " was never registered"}
	}

	var queue *TaskQueue
	for i := range candidate.Queues {
		if candidate.Queues[i].Name == queueName {
			queue = &candidate.Queues[i]
			break
		}
	}
	if queue == nil {
		return nil, &BindingError{Code: BindingQueueNotFound, Msg: "queue " + queueName + " not found on worker version"}
	}

	if candidate.DeploymentID == "" {
		return nil, &BindingError{Code: BindingNoDeployment, Msg: "worker version has no deployment"}
	}
	dep := deployments[candidate.DeploymentID]
	if dep == nil {
		return nil, &BindingError{Code: BindingNoDeployment, Msg: "deployment " + candidate.DeploymentID + " not found"}
	}

	return &Binding{Worker: *candidate, Deployment: *dep, Queue: *queue, Task: *task}, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
