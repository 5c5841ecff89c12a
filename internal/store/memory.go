package store

import (
	"context"
	"sort"
	"sync"

	"github.com/runforge/runforge/internal/run"
)

// Memory is an in-memory Store used by system tests, mirroring the
// Postgres implementation's semantics including first-writer-wins
// waitpoint completion and conflict-safe join inserts.
type Memory struct {
	mu           sync.Mutex
	runs         map[string]*run.Run
	snapshots    map[string]*run.ExecutionSnapshot
	snapshotsFor map[string][]string
	waitpoints   map[string]*run.Waitpoint
	byKey        map[string]string
	blockers     map[string]map[string]run.RunWaitpoint
	environments map[string]*Environment
	workers      map[string][]*Worker
	deployments  map[string]*Deployment
}

func NewMemory() *Memory {
	return &Memory{
		runs:         make(map[string]*run.Run),
		snapshots:    make(map[string]*run.ExecutionSnapshot),
		snapshotsFor: make(map[string][]string),
		waitpoints:   make(map[string]*run.Waitpoint),
		byKey:        make(map[string]string),
		blockers:     make(map[string]map[string]run.RunWaitpoint),
		environments: make(map[string]*Environment),
		workers:      make(map[string][]*Worker),
		deployments:  make(map[string]*Deployment),
	}
}

func keyFor(envID, key string) string { return envID + "\x00" + key }

func (m *Memory) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SetRunStatus(_ context.Context, id string, status run.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = status
	return nil
}

func (m *Memory) LockRun(_ context.Context, id string, fields RunLockFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := nowUTC()
	r.LockedAt = &now
	r.LockedByID = fields.WorkerID
	r.LockedQueueID = fields.QueueID
	r.LockedToVersion = fields.VersionID
	r.Machine = fields.Machine
	r.MaxAttempts = fields.MaxAttempts
	r.MaxDurationSec = fields.MaxDurationSec
	r.Status = run.StatusDequeued
	return nil
}

func (m *Memory) ClearRunLock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.LockedAt = nil
	r.LockedByID = ""
	r.LockedQueueID = ""
	r.LockedToVersion = ""
	return nil
}

func (m *Memory) SetRunMachine(_ context.Context, id, machine string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Machine = machine
	return nil
}

func (m *Memory) SetRunCheckpoint(_ context.Context, id, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.CheckpointID = checkpointID
	return nil
}

func (m *Memory) BumpAttempt(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return 0, ErrRunNotFound
	}
	r.AttemptNumber++
	r.Status = run.StatusExecuting
	if r.StartedAt == nil {
		now := nowUTC()
		r.StartedAt = &now
	}
	return r.AttemptNumber, nil
}

func (m *Memory) FinishRun(_ context.Context, id string, status run.Status, output string, taskErr *run.TaskError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := nowUTC()
	r.Status = status
	r.Output = output
	r.Error = taskErr
	r.CompletedAt = &now
	return nil
}

func (m *Memory) CreateSnapshot(_ context.Context, s *run.ExecutionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.snapshots[s.ID] = &cp
	m.snapshotsFor[s.RunID] = append(m.snapshotsFor[s.RunID], s.ID)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, runID string) (*run.ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.snapshotsFor[runID]
	if len(ids) == 0 {
		return nil, ErrNoSnapshot
	}
	cp := *m.snapshots[ids[len(ids)-1]]
	return &cp, nil
}

func (m *Memory) SnapshotByID(_ context.Context, id string) (*run.ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNoSnapshot
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SnapshotChain(_ context.Context, runID string) ([]*run.ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.snapshotsFor[runID]
	out := make([]*run.ExecutionSnapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		cp := *m.snapshots[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateWaitpoint(_ context.Context, wp *run.Waitpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wp.IdempotencyKey != "" {
		k := keyFor(wp.EnvironmentID, wp.IdempotencyKey)
		if _, exists := m.byKey[k]; exists {
			return ErrDuplicateKey
		}
		m.byKey[k] = wp.ID
	}
	cp := *wp
	m.waitpoints[wp.ID] = &cp
	return nil
}

func (m *Memory) GetWaitpoint(_ context.Context, id string) (*run.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.waitpoints[id]
	if !ok {
		return nil, ErrWaitpointNotFound
	}
	cp := *wp
	return &cp, nil
}

func (m *Memory) FindWaitpointByKey(_ context.Context, envID, key string) (*run.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[keyFor(envID, key)]
	if !ok {
		return nil, ErrWaitpointNotFound
	}
	cp := *m.waitpoints[id]
	return &cp, nil
}

func (m *Memory) DetachWaitpointKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.waitpoints[id]
	if !ok {
		return ErrWaitpointNotFound
	}
	if wp.IdempotencyKey == "" {
		return nil
	}
	delete(m.byKey, keyFor(wp.EnvironmentID, wp.IdempotencyKey))
	wp.InactiveIdempotencyKey = wp.IdempotencyKey
	wp.IdempotencyKey = ""
	return nil
}

func (m *Memory) CompleteWaitpoint(_ context.Context, id, completedByRunID string, output *run.WaitpointOutput) (*run.Waitpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.waitpoints[id]
	if !ok {
		return nil, false, ErrWaitpointNotFound
	}
	if wp.Status == run.WaitpointCompleted {
		cp := *wp
		return &cp, false, nil
	}
	now := nowUTC()
	wp.Status = run.WaitpointCompleted
	wp.CompletedAt = &now
	wp.CompletedByRun = completedByRunID
	wp.Output = output
	cp := *wp
	return &cp, true, nil
}

func (m *Memory) BlockRun(_ context.Context, joins []run.RunWaitpoint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(joins) == 0 {
		return 0, nil
	}
	runID := joins[0].RunID
	set := m.blockers[runID]
	if set == nil {
		set = make(map[string]run.RunWaitpoint)
		m.blockers[runID] = set
	}
	for _, j := range joins {
		wp, ok := m.waitpoints[j.WaitpointID]
		if !ok || wp.Status != run.WaitpointPending {
			continue
		}
		if _, exists := set[j.WaitpointID]; exists {
			continue
		}
		j.CreatedAt = nowUTC()
		set[j.WaitpointID] = j
	}

	pending := 0
	for wpID := range set {
		if wp, ok := m.waitpoints[wpID]; ok && wp.Status == run.WaitpointPending {
			pending++
		}
	}
	return pending, nil
}

func (m *Memory) BlockingWaitpoints(_ context.Context, runID string) ([]BlockedWaitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.blockers[runID]
	out := make([]BlockedWaitpoint, 0, len(set))
	for wpID, j := range set {
		wp, ok := m.waitpoints[wpID]
		if !ok {
			continue
		}
		out = append(out, BlockedWaitpoint{Join: j, Waitpoint: *wp})
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Join.CreatedAt.Before(out[k].Join.CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClearBlockers(_ context.Context, runID string, waitpointIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.blockers[runID]
	for _, id := range waitpointIDs {
		delete(set, id)
	}
	return nil
}

func (m *Memory) RunsBlockedBy(_ context.Context, waitpointID string) ([]run.RunWaitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []run.RunWaitpoint
	for _, set := range m.blockers {
		if j, ok := set[waitpointID]; ok {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunID < out[k].RunID })
	return out, nil
}

func (m *Memory) CreateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *Memory) GetEnvironment(_ context.Context, id string) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[id]
	if !ok {
		return nil, ErrEnvNotFound
	}
	cp := *env
	return &cp, nil
}

func (m *Memory) RegisterWorker(_ context.Context, w *Worker, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.Latest {
		for _, prev := range m.workers[w.EnvironmentID] {
			prev.Latest = false
		}
	}
	cp := *w
	m.workers[w.EnvironmentID] = append(m.workers[w.EnvironmentID], &cp)
	if d != nil {
		dcp := *d
		m.deployments[d.ID] = &dcp
	}
	return nil
}

func (m *Memory) ResolveBinding(_ context.Context, envID, taskIdentifier, queueName, lockedVersionID string) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return resolveBinding(m.workers[envID], m.deployments, taskIdentifier, queueName, lockedVersionID)
}

func (m *Memory) Close() error { return nil }

// ArchiveEnvironment flips the archived flag, used by tests.
func (m *Memory) ArchiveEnvironment(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env, ok := m.environments[id]; ok {
		env.Archived = true
	}
}

var _ Store = (*Memory)(nil)
