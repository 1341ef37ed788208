package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db, nil), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresPing(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectPing()
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresGetTaskNotFound(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresGetListScansRow(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "project_id", "status", "total_tasks", "completed_tasks",
		"failed_tasks", "max_parallel_agents", "wave_count", "created_at", "updated_at",
	}).AddRow("l1", "auth cleanup", "p1", "running", 4, 2, 1, 3, 2, now, now)
	mock.ExpectQuery(`(?s)SELECT .+ FROM task_lists WHERE id = \$1`).
		WithArgs("l1").
		WillReturnRows(rows)

	list, err := p.GetList(context.Background(), "l1")
	if err != nil {
		t.Fatal(err)
	}
	if list.Name != "auth cleanup" || list.Status != ListStatusRunning {
		t.Errorf("unexpected list %+v", list)
	}
	if list.CompletedTasks != 2 || list.FailedTasks != 1 || list.WaveCount != 2 {
		t.Errorf("counters not scanned: %+v", list)
	}
	expectMet(t, mock)
}

func TestPostgresIncrementTaskCounter(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE tasks SET retry_count = retry_count \+ \$1.+RETURNING retry_count`).
		WithArgs(1, "t1").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(3))

	n, err := p.IncrementTaskCounter(context.Background(), "t1", CounterRetry, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("new value %d, want 3", n)
	}

	// the column whitelist rejects unknown counters before touching SQL
	if _, err := p.IncrementTaskCounter(context.Background(), "t1", TaskCounter("drop table"), 1); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresUpdateTaskMissingRow(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE tasks SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpdateTask(context.Background(), &Task{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("zero rows affected should be not found, got %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresInsertExecutionConflict(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO execution_runs`).
		WillReturnError(&pq.Error{
			Code:       "23505",
			Constraint: "execution_runs_one_active",
			Detail:     "Key (list_id)=(l1) already exists.",
		})

	err := p.InsertExecution(context.Background(), &ExecutionRun{
		ID: "e2", ListID: "l1", Status: ExecutionPlanning, StartedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("unique violation should map to conflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresListTasksBuildsFilters(t *testing.T) {
	p, mock := newMockStore(t)
	cols := []string{
		"id", "short_id", "title", "description", "category", "effort", "priority",
		"status", "list_id", "wave_position", "retry_count", "consecutive_failures",
		"last_error_class", "last_error_message", "components", "escalated",
		"escalated_at", "project_id", "created_at", "updated_at",
	}
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks WHERE 1=1 AND list_id = \$1 AND status = \$2 ORDER BY created_at LIMIT \$3`).
		WithArgs("l1", string(TaskStatusPending), 5).
		WillReturnRows(sqlmock.NewRows(cols))

	tasks, err := p.ListTasks(context.Background(), TaskFilter{
		ListID: "l1", Status: TaskStatusPending, Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty result, got %d", len(tasks))
	}
	expectMet(t, mock)
}

func TestPostgresGetActiveExecutionNotFound(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT .+ FROM execution_runs\s+WHERE list_id = \$1 AND status NOT IN`).
		WithArgs("l1").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetActiveExecution(context.Background(), "l1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	expectMet(t, mock)
}

func TestPostgresIncrementListCounters(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE task_lists\s+SET completed_tasks = completed_tasks \+ \$2`).
		WithArgs("l1", 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := p.IncrementListCounters(context.Background(), "l1", 1, 0); err != nil {
		t.Fatal(err)
	}
	expectMet(t, mock)
}
