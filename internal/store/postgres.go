package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/runforge/runforge/internal/run"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(connectionString string) (*Postgres, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Migrate creates the engine tables if they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			friendly_id TEXT NOT NULL,
			task_identifier TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_number INT NOT NULL DEFAULT 0,
			queue_name TEXT NOT NULL,
			worker_queue TEXT NOT NULL,
			master_queue TEXT NOT NULL DEFAULT '',
			machine TEXT NOT NULL,
			max_attempts INT NOT NULL DEFAULT 1,
			max_duration_sec INT NOT NULL DEFAULT 0,
			priority INT NOT NULL DEFAULT 0,
			environment_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			locked_at TIMESTAMPTZ,
			locked_by_id TEXT NOT NULL DEFAULT '',
			locked_to_version_id TEXT NOT NULL DEFAULT '',
			locked_queue_id TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			associated_waitpoint_id TEXT NOT NULL DEFAULT '',
			trace_context JSONB,
			output TEXT NOT NULL DEFAULT '',
			error JSONB,
			cost_in_cents DOUBLE PRECISION NOT NULL DEFAULT 0,
			base_cost_in_cents DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS execution_snapshots (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES task_runs(id),
			run_status TEXT NOT NULL,
			attempt_number INT NOT NULL,
			execution_status TEXT NOT NULL,
			description TEXT NOT NULL,
			previous_snapshot_id TEXT NOT NULL DEFAULT '',
			environment_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			completed_waitpoint_ids TEXT[] NOT NULL DEFAULT '{}',
			worker_id TEXT NOT NULL DEFAULT '',
			runner_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON execution_snapshots (run_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS waitpoints (
			id TEXT PRIMARY KEY,
			friendly_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			environment_id TEXT NOT NULL,
			idempotency_key TEXT,
			idempotency_key_expires_at TIMESTAMPTZ,
			inactive_idempotency_key TEXT NOT NULL DEFAULT '',
			completed_after TIMESTAMPTZ,
			completed_by_run_id TEXT NOT NULL DEFAULT '',
			output JSONB,
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_waitpoints_key
			ON waitpoints (environment_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS run_waitpoints (
			run_id TEXT NOT NULL REFERENCES task_runs(id),
			waitpoint_id TEXT NOT NULL REFERENCES waitpoints(id),
			span_id_to_complete TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			batch_index INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (run_id, waitpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS environments (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS background_workers (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			environment_id TEXT NOT NULL,
			deployment_id TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			latest BOOLEAN NOT NULL DEFAULT FALSE,
			tasks JSONB NOT NULL,
			queues JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			image_ref TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, r *run.Run) error {
	traceContext, err := json.Marshal(r.TraceContext)
	if err != nil {
		return fmt.Errorf("failed to marshal trace context: %w", err)
	}

	query := `
		INSERT INTO task_runs (
			id, friendly_id, task_identifier, status, attempt_number,
			queue_name, worker_queue, master_queue, machine, max_attempts,
			max_duration_sec, priority, environment_id, project_id,
			organization_id, associated_waitpoint_id, trace_context, created_at, queued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		r.ID,
		r.FriendlyID,
		r.TaskIdentifier,
		r.Status,
		r.AttemptNumber,
		r.QueueName,
		r.WorkerQueue,
		r.MasterQueue,
		r.Machine,
		r.MaxAttempts,
		r.MaxDurationSec,
		r.Priority,
		r.EnvironmentID,
		r.ProjectID,
		r.OrganizationID,
		r.AssociatedWaitpoint,
		traceContext,
		r.CreatedAt,
		r.QueuedAt,
	)

	return err
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*run.Run, error) {
	query := `
		SELECT id, friendly_id, task_identifier, status, attempt_number,
		       queue_name, worker_queue, master_queue, machine, max_attempts,
		       max_duration_sec, priority, environment_id, project_id,
		       organization_id, locked_at, locked_by_id, locked_to_version_id,
		       locked_queue_id, checkpoint_id, associated_waitpoint_id,
		       trace_context, output, error,
		       cost_in_cents, base_cost_in_cents, created_at, queued_at,
		       started_at, completed_at
		FROM task_runs WHERE id = $1
	`

	var (
		r            run.Run
		lockedAt     sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		traceContext []byte
		taskErr      []byte
	)

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.FriendlyID, &r.TaskIdentifier, &r.Status, &r.AttemptNumber,
		&r.QueueName, &r.WorkerQueue, &r.MasterQueue, &r.Machine, &r.MaxAttempts,
		&r.MaxDurationSec, &r.Priority, &r.EnvironmentID, &r.ProjectID,
		&r.OrganizationID, &lockedAt, &r.LockedByID, &r.LockedToVersion,
		&r.LockedQueueID, &r.CheckpointID, &r.AssociatedWaitpoint,
		&traceContext, &r.Output, &taskErr,
		&r.CostInCents, &r.BaseCostInCents, &r.CreatedAt, &r.QueuedAt,
		&startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if lockedAt.Valid {
		r.LockedAt = &lockedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if len(traceContext) > 0 {
		if err := json.Unmarshal(traceContext, &r.TraceContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace context: %w", err)
		}
	}
	if len(taskErr) > 0 {
		if err := json.Unmarshal(taskErr, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}

	return &r, nil
}

func (p *Postgres) SetRunStatus(ctx context.Context, id string, status run.Status) error {
	return p.execOnRun(ctx, `UPDATE task_runs SET status = $1 WHERE id = $2`, status, id)
}

func (p *Postgres) LockRun(ctx context.Context, id string, fields RunLockFields) error {
	query := `
		UPDATE task_runs
		SET locked_at = NOW(),
		    locked_by_id = $1,
		    locked_queue_id = $2,
		    locked_to_version_id = $3,
		    machine = $4,
		    max_attempts = $5,
		    max_duration_sec = $6,
		    status = $7
		WHERE id = $8
	`
	return p.execOnRun(ctx, query,
		fields.WorkerID, fields.QueueID, fields.VersionID, fields.Machine,
		fields.MaxAttempts, fields.MaxDurationSec, run.StatusDequeued, id)
}

func (p *Postgres) ClearRunLock(ctx context.Context, id string) error {
	query := `
		UPDATE task_runs
		SET locked_at = NULL,
		    locked_by_id = '',
		    locked_queue_id = '',
		    locked_to_version_id = ''
		WHERE id = $1
	`
	return p.execOnRun(ctx, query, id)
}

func (p *Postgres) SetRunMachine(ctx context.Context, id, machine string) error {
	return p.execOnRun(ctx, `UPDATE task_runs SET machine = $1 WHERE id = $2`, machine, id)
}

func (p *Postgres) SetRunCheckpoint(ctx context.Context, id, checkpointID string) error {
	return p.execOnRun(ctx, `UPDATE task_runs SET checkpoint_id = $1 WHERE id = $2`, checkpointID, id)
}

func (p *Postgres) BumpAttempt(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE task_runs
		SET attempt_number = attempt_number + 1,
		    status = $1,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $2
		RETURNING attempt_number
	`

	var attempt int
	err := p.db.QueryRowContext(ctx, query, run.StatusExecuting, id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

func (p *Postgres) FinishRun(ctx context.Context, id string, status run.Status, output string, taskErr *run.TaskError) error {
	var errJSON any
	if taskErr != nil {
		data, err := json.Marshal(taskErr)
		if err != nil {
			return fmt.Errorf("failed to marshal run error: %w", err)
		}
		errJSON = data
	}

	query := `
		UPDATE task_runs
		SET status = $1,
		    output = $2,
		    error = $3,
		    completed_at = NOW()
		WHERE id = $4
	`
	return p.execOnRun(ctx, query, status, output, errJSON, id)
}

func (p *Postgres) CreateSnapshot(ctx context.Context, s *run.ExecutionSnapshot) error {
	query := `
		INSERT INTO execution_snapshots (
			id, run_id, run_status, attempt_number, execution_status,
			description, previous_snapshot_id, environment_id, project_id,
			organization_id, checkpoint_id, batch_id, completed_waitpoint_ids,
			worker_id, runner_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := p.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.RunID,
		s.RunStatus,
		s.AttemptNumber,
		s.ExecutionStatus,
		s.Description,
		s.PreviousID,
		s.EnvironmentID,
		s.ProjectID,
		s.OrganizationID,
		s.CheckpointID,
		s.BatchID,
		pq.Array(s.CompletedWaitpointIDs),
		s.WorkerID,
		s.RunnerID,
		s.CreatedAt,
	)

	return err
}

const snapshotColumns = `
	id, run_id, run_status, attempt_number, execution_status,
	description, previous_snapshot_id, environment_id, project_id,
	organization_id, checkpoint_id, batch_id, completed_waitpoint_ids,
	worker_id, runner_id, created_at
`

func scanSnapshot(row interface{ Scan(...any) error }) (*run.ExecutionSnapshot, error) {
	var s run.ExecutionSnapshot
	err := row.Scan(
		&s.ID, &s.RunID, &s.RunStatus, &s.AttemptNumber, &s.ExecutionStatus,
		&s.Description, &s.PreviousID, &s.EnvironmentID, &s.ProjectID,
		&s.OrganizationID, &s.CheckpointID, &s.BatchID,
		pq.Array(&s.CompletedWaitpointIDs),
		&s.WorkerID, &s.RunnerID, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) LatestSnapshot(ctx context.Context, runID string) (*run.ExecutionSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM execution_snapshots
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	s, err := scanSnapshot(p.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	return s, err
}

func (p *Postgres) SnapshotByID(ctx context.Context, id string) (*run.ExecutionSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM execution_snapshots WHERE id = $1`

	s, err := scanSnapshot(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	return s, err
}

func (p *Postgres) SnapshotChain(ctx context.Context, runID string) ([]*run.ExecutionSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM execution_snapshots
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*run.ExecutionSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateWaitpoint(ctx context.Context, wp *run.Waitpoint) error {
	output, err := marshalNullable(wp.Output)
	if err != nil {
		return err
	}

	var key any
	if wp.IdempotencyKey != "" {
		key = wp.IdempotencyKey
	}

	query := `
		INSERT INTO waitpoints (
			id, friendly_id, type, status, environment_id, idempotency_key,
			idempotency_key_expires_at, inactive_idempotency_key,
			completed_after, completed_by_run_id, output, tags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		wp.ID,
		wp.FriendlyID,
		wp.Type,
		wp.Status,
		wp.EnvironmentID,
		key,
		wp.IdempotencyKeyExpires,
		wp.InactiveIdempotencyKey,
		wp.CompletedAfter,
		wp.CompletedByRun,
		output,
		pq.Array(wp.Tags),
		wp.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

const waitpointColumns = `
	id, friendly_id, type, status, environment_id, idempotency_key,
	idempotency_key_expires_at, inactive_idempotency_key, completed_after,
	completed_by_run_id, output, tags, created_at, completed_at
`

func scanWaitpoint(row interface{ Scan(...any) error }) (*run.Waitpoint, error) {
	var (
		wp          run.Waitpoint
		key         sql.NullString
		keyExpires  sql.NullTime
		after       sql.NullTime
		completedAt sql.NullTime
		output      []byte
	)
	err := row.Scan(
		&wp.ID, &wp.FriendlyID, &wp.Type, &wp.Status, &wp.EnvironmentID, &key,
		&keyExpires, &wp.InactiveIdempotencyKey, &after,
		&wp.CompletedByRun, &output, pq.Array(&wp.Tags), &wp.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	wp.IdempotencyKey = key.String
	if keyExpires.Valid {
		wp.IdempotencyKeyExpires = &keyExpires.Time
	}
	if after.Valid {
		wp.CompletedAfter = &after.Time
	}
	if completedAt.Valid {
		wp.CompletedAt = &completedAt.Time
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &wp.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal waitpoint output: %w", err)
		}
	}
	return &wp, nil
}

func (p *Postgres) GetWaitpoint(ctx context.Context, id string) (*run.Waitpoint, error) {
	query := `SELECT ` + waitpointColumns + ` FROM waitpoints WHERE id = $1`

	wp, err := scanWaitpoint(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitpointNotFound
	}
	return wp, err
}

func (p *Postgres) FindWaitpointByKey(ctx context.Context, envID, key string) (*run.Waitpoint, error) {
	query := `
		SELECT ` + waitpointColumns + `
		FROM waitpoints
		WHERE environment_id = $1 AND idempotency_key = $2
	`

	wp, err := scanWaitpoint(p.db.QueryRowContext(ctx, query, envID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitpointNotFound
	}
	return wp, err
}

func (p *Postgres) DetachWaitpointKey(ctx context.Context, id string) error {
	query := `
		UPDATE waitpoints
		SET inactive_idempotency_key = idempotency_key,
		    idempotency_key = NULL
		WHERE id = $1 AND idempotency_key IS NOT NULL
	`
	_, err := p.db.ExecContext(ctx, query, id)
	return err
}

func (p *Postgres) CompleteWaitpoint(ctx context.Context, id, completedByRunID string, output *run.WaitpointOutput) (*run.Waitpoint, bool, error) {
	outJSON, err := marshalNullable(output)
	if err != nil {
		return nil, false, err
	}

	// Conditional update: only the first completer flips the row.
	query := `
		UPDATE waitpoints
		SET status = $1,
		    completed_at = NOW(),
		    completed_by_run_id = $2,
		    output = $3
		WHERE id = $4 AND status = $5
	`
	res, err := p.db.ExecContext(ctx, query, run.WaitpointCompleted, completedByRunID, outJSON, id, run.WaitpointPending)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	wp, err := p.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return wp, affected == 1, nil
}

func (p *Postgres) BlockRun(ctx context.Context, joins []run.RunWaitpoint) (int, error) {
	if len(joins) == 0 {
		return 0, nil
	}
	runID := joins[0].RunID

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO run_waitpoints (run_id, waitpoint_id, span_id_to_complete, batch_id, batch_index)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM waitpoints WHERE id = $2 AND status = $6)
		ON CONFLICT (run_id, waitpoint_id) DO NOTHING
	`
	for _, j := range joins {
		if _, err := tx.ExecContext(ctx, insert, j.RunID, j.WaitpointID, j.SpanIDToComplete, j.BatchID, j.BatchIndex, run.WaitpointPending); err != nil {
			return 0, err
		}
	}

	count := `
		SELECT COUNT(*)
		FROM run_waitpoints rw
		JOIN waitpoints w ON w.id = rw.waitpoint_id
		WHERE rw.run_id = $1 AND w.status = $2
	`
	var pending int
	if err := tx.QueryRowContext(ctx, count, runID, run.WaitpointPending).Scan(&pending); err != nil {
		return 0, err
	}

	return pending, tx.Commit()
}

func (p *Postgres) BlockingWaitpoints(ctx context.Context, runID string) ([]BlockedWaitpoint, error) {
	query := `
		SELECT rw.run_id, rw.waitpoint_id, rw.span_id_to_complete, rw.batch_id,
		       rw.batch_index, rw.created_at,
		       w.id, w.friendly_id, w.type, w.status, w.environment_id,
		       w.idempotency_key, w.idempotency_key_expires_at,
		       w.inactive_idempotency_key, w.completed_after,
		       w.completed_by_run_id, w.output, w.tags, w.created_at, w.completed_at
		FROM run_waitpoints rw
		JOIN waitpoints w ON w.id = rw.waitpoint_id
		WHERE rw.run_id = $1
		ORDER BY rw.created_at
	`

	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BlockedWaitpoint
	for rows.Next() {
		var (
			b           BlockedWaitpoint
			batchIndex  sql.NullInt64
			key         sql.NullString
			keyExpires  sql.NullTime
			after       sql.NullTime
			completedAt sql.NullTime
			output      []byte
		)
		err := rows.Scan(
			&b.Join.RunID, &b.Join.WaitpointID, &b.Join.SpanIDToComplete,
			&b.Join.BatchID, &batchIndex, &b.Join.CreatedAt,
			&b.Waitpoint.ID, &b.Waitpoint.FriendlyID, &b.Waitpoint.Type,
			&b.Waitpoint.Status, &b.Waitpoint.EnvironmentID, &key, &keyExpires,
			&b.Waitpoint.InactiveIdempotencyKey, &after,
			&b.Waitpoint.CompletedByRun, &output, pq.Array(&b.Waitpoint.Tags),
			&b.Waitpoint.CreatedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}
		if batchIndex.Valid {
			idx := int(batchIndex.Int64)
			b.Join.BatchIndex = &idx
		}
		b.Waitpoint.IdempotencyKey = key.String
		if keyExpires.Valid {
			b.Waitpoint.IdempotencyKeyExpires = &keyExpires.Time
		}
		if after.Valid {
			b.Waitpoint.CompletedAfter = &after.Time
		}
		if completedAt.Valid {
			b.Waitpoint.CompletedAt = &completedAt.Time
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &b.Waitpoint.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal waitpoint output: %w", err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) ClearBlockers(ctx context.Context, runID string, waitpointIDs []string) error {
	query := `DELETE FROM run_waitpoints WHERE run_id = $1 AND waitpoint_id = ANY($2)`
	_, err := p.db.ExecContext(ctx, query, runID, pq.Array(waitpointIDs))
	return err
}

func (p *Postgres) RunsBlockedBy(ctx context.Context, waitpointID string) ([]run.RunWaitpoint, error) {
	query := `
		SELECT run_id, waitpoint_id, span_id_to_complete, batch_id, batch_index, created_at
		FROM run_waitpoints
		WHERE waitpoint_id = $1
		ORDER BY run_id
	`

	rows, err := p.db.QueryContext(ctx, query, waitpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []run.RunWaitpoint
	for rows.Next() {
		var (
			j          run.RunWaitpoint
			batchIndex sql.NullInt64
		)
		if err := rows.Scan(&j.RunID, &j.WaitpointID, &j.SpanIDToComplete, &j.BatchID, &batchIndex, &j.CreatedAt); err != nil {
			return nil, err
		}
		if batchIndex.Valid {
			idx := int(batchIndex.Int64)
			j.BatchIndex = &idx
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateEnvironment(ctx context.Context, env *Environment) error {
	query := `
		INSERT INTO environments (id, project_id, organization_id, slug, archived)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET archived = EXCLUDED.archived
	`
	_, err := p.db.ExecContext(ctx, query, env.ID, env.ProjectID, env.OrganizationID, env.Slug, env.Archived)
	return err
}

func (p *Postgres) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	query := `SELECT id, project_id, organization_id, slug, archived FROM environments WHERE id = $1`

	var env Environment
	err := p.db.QueryRowContext(ctx, query, id).Scan(&env.ID, &env.ProjectID, &env.OrganizationID, &env.Slug, &env.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnvNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (p *Postgres) RegisterWorker(ctx context.Context, w *Worker, d *Deployment) error {
	tasks, err := json.Marshal(w.Tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal worker tasks: %w", err)
	}
	queues, err := json.Marshal(w.Queues)
	if err != nil {
		return fmt.Errorf("failed to marshal worker queues: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if w.Latest {
		if _, err := tx.ExecContext(ctx, `UPDATE background_workers SET latest = FALSE WHERE environment_id = $1`, w.EnvironmentID); err != nil {
			return err
		}
	}

	insert := `
		INSERT INTO background_workers (id, version, environment_id, deployment_id, image_ref, latest, tasks, queues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insert, w.ID, w.Version, w.EnvironmentID, w.DeploymentID, w.ImageRef, w.Latest, tasks, queues); err != nil {
		return err
	}

	if d != nil {
		upsert := `
			INSERT INTO deployments (id, image_ref) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET image_ref = EXCLUDED.image_ref
		`
		if _, err := tx.ExecContext(ctx, upsert, d.ID, d.ImageRef); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *Postgres) ResolveBinding(ctx context.Context, envID, taskIdentifier, queueName, lockedVersionID string) (*Binding, error) {
	query := `
		SELECT id, version, environment_id, deployment_id, image_ref, latest, tasks, queues
		FROM background_workers
		WHERE environment_id = $1
		ORDER BY created_at
	`

	rows, err := p.db.QueryContext(ctx, query, envID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		var (
			w      Worker
			tasks  []byte
			queues []byte
		)
		if err := rows.Scan(&w.ID, &w.Version, &w.EnvironmentID, &w.DeploymentID, &w.ImageRef, &w.Latest, &tasks, &queues); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tasks, &w.Tasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker tasks: %w", err)
		}
		if err := json.Unmarshal(queues, &w.Queues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal worker queues: %w", err)
		}
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deployments := make(map[string]*Deployment)
	for _, w := range workers {
		if w.DeploymentID == "" {
			continue
		}
		if _, seen := deployments[w.DeploymentID]; seen {
			continue
		}
		var d Deployment
		err := p.db.QueryRowContext(ctx, `SELECT id, image_ref FROM deployments WHERE id = $1`, w.DeploymentID).Scan(&d.ID, &d.ImageRef)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		deployments[d.ID] = &d
	}

	return resolveBinding(workers, deployments, taskIdentifier, queueName, lockedVersionID)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) execOnRun(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func marshalNullable(output *run.WaitpointOutput) (any, error) {
	if output == nil {
		return nil, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal waitpoint output: %w", err)
	}
	return data, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*Postgres)(nil)
