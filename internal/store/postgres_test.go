package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/run"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Postgres) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, &Postgres{db: db}
}

func TestPostgresCreateRun(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	r := newTestRun()
	r.AssociatedWaitpoint = "wp_1"
	r.TraceContext = map[string]string{"traceparent": "00-abc-def-01"}

	mock.ExpectExec("INSERT INTO task_runs").
		WithArgs(
			r.ID, r.FriendlyID, r.TaskIdentifier, r.Status, r.AttemptNumber,
			r.QueueName, r.WorkerQueue, r.MasterQueue, r.Machine, r.MaxAttempts,
			r.MaxDurationSec, r.Priority, r.EnvironmentID, r.ProjectID,
			r.OrganizationID, r.AssociatedWaitpoint, sqlmock.AnyArg(),
			r.CreatedAt, r.QueuedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.CreateRun(context.Background(), r)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRun(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful retrieval", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"id", "friendly_id", "task_identifier", "status", "attempt_number",
			"queue_name", "worker_queue", "master_queue", "machine", "max_attempts",
			"max_duration_sec", "priority", "environment_id", "project_id",
			"organization_id", "locked_at", "locked_by_id", "locked_to_version_id",
			"locked_queue_id", "checkpoint_id", "associated_waitpoint_id",
			"trace_context", "output", "error",
			"cost_in_cents", "base_cost_in_cents", "created_at", "queued_at",
			"started_at", "completed_at",
		}).AddRow(
			"run_1", "run_friendly", "my-task", "EXECUTING", 2,
			"task/my-task", "env_1", "env:env_1", "small-1x", 3,
			0, 0, "env_1", "proj_1",
			"org_1", now, "bw_1", "bw_1",
			"q_1", "", "wp_1",
			[]byte(`{"traceparent":"00-abc-def-01"}`), "", nil,
			0.0, 0.0, now, now,
			now, nil,
		)

		mock.ExpectQuery("SELECT.*FROM task_runs WHERE id").
			WithArgs("run_1").
			WillReturnRows(rows)

		r, err := p.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, run.StatusExecuting, r.Status)
		assert.Equal(t, 2, r.AttemptNumber)
		assert.Equal(t, "bw_1", r.LockedToVersion)
		assert.Equal(t, "00-abc-def-01", r.TraceContext["traceparent"])
		assert.NotNil(t, r.LockedAt)
		assert.NotNil(t, r.StartedAt)
		assert.Nil(t, r.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("run not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_runs WHERE id").
			WithArgs("run_missing").
			WillReturnError(sql.ErrNoRows)

		_, err := p.GetRun(ctx, "run_missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresSetRunStatus(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("updates existing run", func(t *testing.T) {
		mock.ExpectExec("UPDATE task_runs SET status").
			WithArgs(run.StatusDequeued, "run_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := p.SetRunStatus(ctx, "run_1", run.StatusDequeued)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing run", func(t *testing.T) {
		mock.ExpectExec("UPDATE task_runs SET status").
			WithArgs(run.StatusDequeued, "run_missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := p.SetRunStatus(ctx, "run_missing", run.StatusDequeued)
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresBumpAttempt(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("increments and returns attempt", func(t *testing.T) {
		mock.ExpectQuery("UPDATE task_runs.*attempt_number \\+ 1").
			WithArgs(run.StatusExecuting, "run_1").
			WillReturnRows(sqlmock.NewRows([]string{"attempt_number"}).AddRow(3))

		attempt, err := p.BumpAttempt(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, 3, attempt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing run", func(t *testing.T) {
		mock.ExpectQuery("UPDATE task_runs.*attempt_number \\+ 1").
			WithArgs(run.StatusExecuting, "run_missing").
			WillReturnError(sql.ErrNoRows)

		_, err := p.BumpAttempt(ctx, "run_missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresFinishRun(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("finish with output", func(t *testing.T) {
		mock.ExpectExec("UPDATE task_runs").
			WithArgs(run.StatusCompletedSuccessfully, `{"ok":true}`, nil, "run_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := p.FinishRun(ctx, "run_1", run.StatusCompletedSuccessfully, `{"ok":true}`, nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finish with error", func(t *testing.T) {
		taskErr := run.InternalError(run.CodeRunCrashed, "boom")

		mock.ExpectExec("UPDATE task_runs").
			WithArgs(run.StatusCrashed, "", sqlmock.AnyArg(), "run_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := p.FinishRun(ctx, "run_1", run.StatusCrashed, "", taskErr)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresCreateWaitpoint_DuplicateKey(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	wp := &run.Waitpoint{ID: "wp_1", EnvironmentID: "env_1", Status: run.WaitpointPending, IdempotencyKey: "key-1"}

	mock.ExpectExec("INSERT INTO waitpoints").
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.CreateWaitpoint(context.Background(), wp)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteWaitpoint(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	waitpointRow := func(completedBy string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "friendly_id", "type", "status", "environment_id", "idempotency_key",
			"idempotency_key_expires_at", "inactive_idempotency_key", "completed_after",
			"completed_by_run_id", "output", "tags", "created_at", "completed_at",
		}).AddRow(
			"wp_1", "wp_friendly", "MANUAL", "COMPLETED", "env_1", nil,
			nil, "", nil,
			completedBy, []byte(`{"value":"\"a\"","is_error":false}`), []byte("{}"), now, now,
		)
	}

	t.Run("first completer wins", func(t *testing.T) {
		mock.ExpectExec("UPDATE waitpoints").
			WithArgs(run.WaitpointCompleted, "run_a", sqlmock.AnyArg(), "wp_1", run.WaitpointPending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT.*FROM waitpoints WHERE id").
			WithArgs("wp_1").
			WillReturnRows(waitpointRow("run_a"))

		wp, won, err := p.CompleteWaitpoint(ctx, "wp_1", "run_a", &run.WaitpointOutput{Value: `"a"`})
		require.NoError(t, err)
		assert.True(t, won)
		assert.Equal(t, run.WaitpointCompleted, wp.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second completer loses", func(t *testing.T) {
		mock.ExpectExec("UPDATE waitpoints").
			WithArgs(run.WaitpointCompleted, "run_b", sqlmock.AnyArg(), "wp_1", run.WaitpointPending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT.*FROM waitpoints WHERE id").
			WithArgs("wp_1").
			WillReturnRows(waitpointRow("run_a"))

		wp, won, err := p.CompleteWaitpoint(ctx, "wp_1", "run_b", &run.WaitpointOutput{Value: `"b"`})
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, "run_a", wp.CompletedByRun)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresClearBlockers(t *testing.T) {
	db, mock, p := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("DELETE FROM run_waitpoints").
		WithArgs("run_1", pq.Array([]string{"wp_1", "wp_2"})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := p.ClearBlockers(context.Background(), "run_1", []string{"wp_1", "wp_2"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
