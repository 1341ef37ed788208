package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres implements Store on top of a relational database using
// parameterised queries. All counter updates happen server-side.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres connects to the database and verifies reachability.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", wrapDBError(err))
	}
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection. Used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

// Migrate applies the idempotent schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", wrapDBError(err))
	}
	return nil
}

// Ping verifies the store is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return wrapDBError(err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// wrapDBError translates driver errors into the storage taxonomy.
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return &ConflictError{Constraint: pqErr.Constraint, Detail: pqErr.Detail}
		case "23514": // check_violation
			return &ConflictError{Constraint: pqErr.Constraint, Detail: pqErr.Detail}
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

const taskColumns = `id, short_id, title, description, category, effort, priority, status,
	list_id, wave_position, retry_count, consecutive_failures, last_error_class,
	last_error_message, components, escalated, escalated_at, project_id, created_at, updated_at`

func (p *Postgres) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := p.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", wrapDBError(err))
	}
	return &t, nil
}

func (p *Postgres) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.ListID != "" {
		add("list_id =", f.ListID)
	}
	if f.EvaluationQueue {
		query += " AND list_id = ''"
	}
	if f.ProjectID != "" {
		add("project_id =", f.ProjectID)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	var tasks []*Task
	if err := p.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", wrapDBError(err))
	}
	return tasks, nil
}

func (p *Postgres) InsertTask(ctx context.Context, t *Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, short_id, title, description, category, effort, priority,
			status, list_id, wave_position, retry_count, consecutive_failures,
			last_error_class, last_error_message, components, escalated, escalated_at,
			project_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.ShortID, t.Title, t.Description, t.Category, t.Effort, t.Priority,
		t.Status, t.ListID, t.WavePosition, t.RetryCount, t.ConsecutiveFailures,
		t.LastErrorClass, t.LastErrorMessage, pq.StringArray(t.Components), t.Escalated,
		t.EscalatedAt, t.ProjectID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET title=$2, description=$3, category=$4, effort=$5, priority=$6,
			status=$7, list_id=$8, wave_position=$9, last_error_class=$10,
			last_error_message=$11, components=$12, escalated=$13, escalated_at=$14,
			updated_at=$15
		WHERE id = $1`,
		t.ID, t.Title, t.Description, t.Category, t.Effort, t.Priority,
		t.Status, t.ListID, t.WavePosition, t.LastErrorClass,
		t.LastErrorMessage, pq.StringArray(t.Components), t.Escalated, t.EscalatedAt,
		t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", wrapDBError(err))
	}
	return requireRow(res, "task")
}

func (p *Postgres) IncrementTaskCounter(ctx context.Context, id string, c TaskCounter, delta int) (int, error) {
	col, err := counterColumn(c)
	if err != nil {
		return 0, err
	}
	var value int
	err = p.db.GetContext(ctx, &value,
		`UPDATE tasks SET `+col+` = `+col+` + $1, updated_at = now() WHERE id = $2 RETURNING `+col,
		delta, id)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", col, wrapDBError(err))
	}
	return value, nil
}

func (p *Postgres) ResetTaskCounter(ctx context.Context, id string, c TaskCounter) error {
	col, err := counterColumn(c)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET `+col+` = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset %s: %w", col, wrapDBError(err))
	}
	return requireRow(res, "task")
}

// counterColumn whitelists counter names so they can be spliced into SQL.
func counterColumn(c TaskCounter) (string, error) {
	switch c {
	case CounterRetry:
		return "retry_count", nil
	case CounterConsecutiveFailures:
		return "consecutive_failures", nil
	}
	return "", NewValidation("counter", fmt.Sprintf("unknown counter %q", c))
}

func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Task lists
// ---------------------------------------------------------------------------

const listColumns = `id, name, project_id, status, total_tasks, completed_tasks,
	failed_tasks, max_parallel_agents, wave_count, created_at, updated_at`

func (p *Postgres) GetList(ctx context.Context, id string) (*TaskList, error) {
	var l TaskList
	err := p.db.GetContext(ctx, &l, `SELECT `+listColumns+` FROM task_lists WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get list: %w", wrapDBError(err))
	}
	return &l, nil
}

func (p *Postgres) ListLists(ctx context.Context, projectID string) ([]*TaskList, error) {
	query := `SELECT ` + listColumns + ` FROM task_lists`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`
	var lists []*TaskList
	if err := p.db.SelectContext(ctx, &lists, query, args...); err != nil {
		return nil, fmt.Errorf("list lists: %w", wrapDBError(err))
	}
	return lists, nil
}

func (p *Postgres) InsertList(ctx context.Context, l *TaskList) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_lists (id, name, project_id, status, total_tasks, completed_tasks,
			failed_tasks, max_parallel_agents, wave_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.Name, l.ProjectID, l.Status, l.TotalTasks, l.CompletedTasks,
		l.FailedTasks, l.MaxParallelAgents, l.WaveCount, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert list: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) UpdateList(ctx context.Context, l *TaskList) error {
	l.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE task_lists SET name=$2, status=$3, total_tasks=$4, max_parallel_agents=$5,
			wave_count=$6, updated_at=$7
		WHERE id = $1`,
		l.ID, l.Name, l.Status, l.TotalTasks, l.MaxParallelAgents, l.WaveCount, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update list: %w", wrapDBError(err))
	}
	return requireRow(res, "list")
}

func (p *Postgres) IncrementListCounters(ctx context.Context, id string, completedDelta, failedDelta int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE task_lists
		SET completed_tasks = completed_tasks + $2,
		    failed_tasks = failed_tasks + $3,
		    updated_at = now()
		WHERE id = $1`,
		id, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("increment list counters: %w", wrapDBError(err))
	}
	return requireRow(res, "list")
}

// ---------------------------------------------------------------------------
// File impacts and learned patterns
// ---------------------------------------------------------------------------

func (p *Postgres) ListImpactsByTask(ctx context.Context, taskID string) ([]*FileImpact, error) {
	var impacts []*FileImpact
	err := p.db.SelectContext(ctx, &impacts, `
		SELECT id, task_id, path, operation, confidence, source, accurate, created_at
		FROM file_impacts WHERE task_id = $1 ORDER BY path, operation`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list impacts: %w", wrapDBError(err))
	}
	return impacts, nil
}

func (p *Postgres) UpsertImpact(ctx context.Context, fi *FileImpact) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO file_impacts (id, task_id, path, operation, confidence, source, accurate, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (task_id, path, operation)
		DO UPDATE SET confidence = EXCLUDED.confidence, source = EXCLUDED.source`,
		fi.ID, fi.TaskID, fi.Path, fi.Operation, fi.Confidence, fi.Source, fi.Accurate, fi.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert impact: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) DeleteImpact(ctx context.Context, taskID, path string, op ImpactOperation) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM file_impacts WHERE task_id = $1 AND path = $2 AND operation = $3`,
		taskID, path, op)
	if err != nil {
		return fmt.Errorf("delete impact: %w", wrapDBError(err))
	}
	return requireRow(res, "impact")
}

func (p *Postgres) MarkImpactAccuracy(ctx context.Context, id string, accurate bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE file_impacts SET accurate = $2 WHERE id = $1`, id, accurate)
	if err != nil {
		return fmt.Errorf("mark impact accuracy: %w", wrapDBError(err))
	}
	return requireRow(res, "impact")
}

func (p *Postgres) ListPatterns(ctx context.Context, category TaskCategory) ([]*ImpactPattern, error) {
	var patterns []*ImpactPattern
	err := p.db.SelectContext(ctx, &patterns, `
		SELECT id, category, path_glob, operation, accuracy, matches, updated_at
		FROM impact_patterns WHERE category = $1`, category)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", wrapDBError(err))
	}
	return patterns, nil
}

func (p *Postgres) UpsertPattern(ctx context.Context, pat *ImpactPattern) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO impact_patterns (id, category, path_glob, operation, accuracy, matches, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (category, path_glob, operation)
		DO UPDATE SET accuracy = EXCLUDED.accuracy, matches = EXCLUDED.matches,
			updated_at = EXCLUDED.updated_at`,
		pat.ID, pat.Category, pat.PathGlob, pat.Operation, pat.Accuracy, pat.Matches, pat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", wrapDBError(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Relationships
// ---------------------------------------------------------------------------

func (p *Postgres) InsertRelationship(ctx context.Context, r *TaskRelationship) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", wrapDBError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if r.Type == RelDependsOn {
		// Reject edges that would close a depends_on cycle: if source is
		// reachable from target, adding source->target closes a loop.
		var edges []*TaskRelationship
		if err := tx.SelectContext(ctx, &edges, `
			SELECT id, source_task_id, target_task_id, type, created_at
			FROM task_relationships WHERE type = $1`, RelDependsOn); err != nil {
			return fmt.Errorf("load depends_on edges: %w", wrapDBError(err))
		}
		if reachable(edges, r.TargetTaskID, r.SourceTaskID) {
			return NewValidation("relationship",
				fmt.Sprintf("%s -> %s would create a dependency cycle", r.SourceTaskID, r.TargetTaskID))
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_relationships (id, source_task_id, target_task_id, type, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		r.ID, r.SourceTaskID, r.TargetTaskID, r.Type, r.CreatedAt); err != nil {
		return fmt.Errorf("insert relationship: %w", wrapDBError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", wrapDBError(err))
	}
	return nil
}

// reachable walks depends_on edges from start looking for goal.
func reachable(edges []*TaskRelationship, start, goal string) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.SourceTaskID] = append(adj[e.SourceTaskID], e.TargetTaskID)
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == goal {
			return true
		}
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (p *Postgres) ListRelationshipsForTasks(ctx context.Context, taskIDs []string) ([]*TaskRelationship, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	var rels []*TaskRelationship
	err := p.db.SelectContext(ctx, &rels, `
		SELECT id, source_task_id, target_task_id, type, created_at
		FROM task_relationships
		WHERE source_task_id = ANY($1) OR target_task_id = ANY($1)`,
		pq.Array(taskIDs))
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", wrapDBError(err))
	}
	return rels, nil
}

func (p *Postgres) DeleteRelationship(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM task_relationships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", wrapDBError(err))
	}
	return requireRow(res, "relationship")
}

// ---------------------------------------------------------------------------
// Executions and waves
// ---------------------------------------------------------------------------

const executionColumns = `id, list_id, run_number, status, total_tasks,
	completed_tasks, failed_tasks, started_at, ended_at`

func (p *Postgres) InsertExecution(ctx context.Context, e *ExecutionRun) error {
	// The partial unique index execution_runs_one_active turns a second
	// active run for the same list into a unique violation.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_runs (id, list_id, run_number, status, total_tasks,
			completed_tasks, failed_tasks, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ListID, e.RunNumber, e.Status, e.TotalTasks,
		e.CompletedTasks, e.FailedTasks, e.StartedAt, e.EndedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) GetExecution(ctx context.Context, id string) (*ExecutionRun, error) {
	var e ExecutionRun
	err := p.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM execution_runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", wrapDBError(err))
	}
	return &e, nil
}

func (p *Postgres) GetActiveExecution(ctx context.Context, listID string) (*ExecutionRun, error) {
	var e ExecutionRun
	err := p.db.GetContext(ctx, &e, `
		SELECT `+executionColumns+` FROM execution_runs
		WHERE list_id = $1 AND status NOT IN ('completed','failed','cancelled')`, listID)
	if err != nil {
		return nil, fmt.Errorf("get active execution: %w", wrapDBError(err))
	}
	return &e, nil
}

func (p *Postgres) UpdateExecution(ctx context.Context, e *ExecutionRun) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE execution_runs SET status=$2, total_tasks=$3, ended_at=$4 WHERE id = $1`,
		e.ID, e.Status, e.TotalTasks, e.EndedAt)
	if err != nil {
		return fmt.Errorf("update execution: %w", wrapDBError(err))
	}
	return requireRow(res, "execution")
}

func (p *Postgres) IncrementExecutionCounters(ctx context.Context, id string, completedDelta, failedDelta int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE execution_runs
		SET completed_tasks = completed_tasks + $2, failed_tasks = failed_tasks + $3
		WHERE id = $1`,
		id, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("increment execution counters: %w", wrapDBError(err))
	}
	return requireRow(res, "execution")
}

// waveRow adapts Wave for the text[] column.
type waveRow struct {
	ID                string         `db:"id"`
	ExecutionID       string         `db:"execution_id"`
	Number            int            `db:"number"`
	TaskIDs           pq.StringArray `db:"task_ids"`
	MaxParallelAgents int            `db:"max_parallel_agents"`
	Status            WaveStatus     `db:"status"`
}

func (p *Postgres) InsertWaves(ctx context.Context, waves []*Wave) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", wrapDBError(err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range waves {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO waves (id, execution_id, number, task_ids, max_parallel_agents, status)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			w.ID, w.ExecutionID, w.Number, pq.Array(w.TaskIDs), w.MaxParallelAgents, w.Status); err != nil {
			return fmt.Errorf("insert wave %d: %w", w.Number, wrapDBError(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) ListWaves(ctx context.Context, executionID string) ([]*Wave, error) {
	var rows []waveRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, execution_id, number, task_ids, max_parallel_agents, status
		FROM waves WHERE execution_id = $1 ORDER BY number`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list waves: %w", wrapDBError(err))
	}
	waves := make([]*Wave, len(rows))
	for i, r := range rows {
		waves[i] = &Wave{
			ID:                r.ID,
			ExecutionID:       r.ExecutionID,
			Number:            r.Number,
			TaskIDs:           []string(r.TaskIDs),
			MaxParallelAgents: r.MaxParallelAgents,
			Status:            r.Status,
		}
	}
	return waves, nil
}

func (p *Postgres) UpdateWaveStatus(ctx context.Context, id string, status WaveStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE waves SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update wave status: %w", wrapDBError(err))
	}
	return requireRow(res, "wave")
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

const agentColumns = `id, type, execution_id, current_wave, current_task_id, status,
	last_heartbeat, tasks_completed, tasks_failed`

func (p *Postgres) InsertAgent(ctx context.Context, a *AgentInstance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_instances (id, type, execution_id, current_wave, current_task_id,
			status, last_heartbeat, tasks_completed, tasks_failed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.Type, a.ExecutionID, a.CurrentWave, a.CurrentTaskID,
		a.Status, a.LastHeartbeat, a.TasksCompleted, a.TasksFailed)
	if err != nil {
		return fmt.Errorf("insert agent: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*AgentInstance, error) {
	var a AgentInstance
	err := p.db.GetContext(ctx, &a,
		`SELECT `+agentColumns+` FROM agent_instances WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", wrapDBError(err))
	}
	return &a, nil
}

func (p *Postgres) UpdateAgent(ctx context.Context, a *AgentInstance) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_instances SET current_wave=$2, current_task_id=$3, status=$4,
			last_heartbeat=$5, tasks_completed=$6, tasks_failed=$7
		WHERE id = $1`,
		a.ID, a.CurrentWave, a.CurrentTaskID, a.Status,
		a.LastHeartbeat, a.TasksCompleted, a.TasksFailed)
	if err != nil {
		return fmt.Errorf("update agent: %w", wrapDBError(err))
	}
	return requireRow(res, "agent")
}

func (p *Postgres) ListAgents(ctx context.Context, f AgentFilter) ([]*AgentInstance, error) {
	query := `SELECT ` + agentColumns + ` FROM agent_instances WHERE 1=1`
	args := []any{}
	if f.ExecutionID != "" {
		args = append(args, f.ExecutionID)
		query += fmt.Sprintf(" AND execution_id = $%d", len(args))
	}
	if f.ActiveOnly {
		args = append(args, AgentTerminated)
		query += fmt.Sprintf(" AND status <> $%d", len(args))
	}
	query += " ORDER BY id"
	var agents []*AgentInstance
	if err := p.db.SelectContext(ctx, &agents, query, args...); err != nil {
		return nil, fmt.Errorf("list agents: %w", wrapDBError(err))
	}
	return agents, nil
}

func (p *Postgres) TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE agent_instances SET last_heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", wrapDBError(err))
	}
	return requireRow(res, "agent")
}

// ---------------------------------------------------------------------------
// Failure records and escalations
// ---------------------------------------------------------------------------

func (p *Postgres) InsertFailure(ctx context.Context, fr *FailureRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO failure_records (id, task_id, agent_id, attempt, class, category,
			message, stdout, stderr, current_step, file_path, stack, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		fr.ID, fr.TaskID, fr.AgentID, fr.Attempt, fr.Class, fr.Category,
		fr.Message, fr.Stdout, fr.Stderr, fr.CurrentStep, fr.FilePath, fr.Stack, fr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) RecentFailures(ctx context.Context, taskID string, limit int) ([]*FailureRecord, error) {
	var records []*FailureRecord
	err := p.db.SelectContext(ctx, &records, `
		SELECT id, task_id, agent_id, attempt, class, category, message, stdout, stderr,
			current_step, file_path, stack, created_at
		FROM failure_records WHERE task_id = $1
		ORDER BY created_at DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", wrapDBError(err))
	}
	return records, nil
}

func (p *Postgres) InsertEscalation(ctx context.Context, e *Escalation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escalations (id, task_id, list_id, reason, context, created_at,
			analyzed_at, analysis_result)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TaskID, e.ListID, e.Reason, e.Context, e.CreatedAt,
		e.AnalyzedAt, e.AnalysisResult)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	var e Escalation
	err := p.db.GetContext(ctx, &e, `
		SELECT id, task_id, list_id, reason, context, created_at, analyzed_at, analysis_result
		FROM escalations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", wrapDBError(err))
	}
	return &e, nil
}

func (p *Postgres) MarkEscalationAnalyzed(ctx context.Context, id string, result string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE escalations SET analyzed_at = $2, analysis_result = $3 WHERE id = $1`,
		id, at, result)
	if err != nil {
		return fmt.Errorf("mark escalation analyzed: %w", wrapDBError(err))
	}
	return requireRow(res, "escalation")
}

// ---------------------------------------------------------------------------
// Grouping suggestions
// ---------------------------------------------------------------------------

type suggestionRow struct {
	ID           string           `db:"id"`
	Status       SuggestionStatus `db:"status"`
	TaskIDs      pq.StringArray   `db:"task_ids"`
	ProposedName string           `db:"proposed_name"`
	Reasons      pq.StringArray   `db:"reasons"`
	Score        float64          `db:"score"`
	ExpiresAt    time.Time        `db:"expires_at"`
	CreatedAt    time.Time        `db:"created_at"`
}

func (r suggestionRow) toSuggestion() *GroupingSuggestion {
	return &GroupingSuggestion{
		ID:           r.ID,
		Status:       r.Status,
		TaskIDs:      []string(r.TaskIDs),
		ProposedName: r.ProposedName,
		Reasons:      []string(r.Reasons),
		Score:        r.Score,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
	}
}

func (p *Postgres) InsertSuggestion(ctx context.Context, s *GroupingSuggestion) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO grouping_suggestions (id, status, task_ids, proposed_name, reasons,
			score, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.Status, pq.Array(s.TaskIDs), s.ProposedName, pq.Array(s.Reasons),
		s.Score, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", wrapDBError(err))
	}
	return nil
}

func (p *Postgres) GetSuggestion(ctx context.Context, id string) (*GroupingSuggestion, error) {
	var r suggestionRow
	err := p.db.GetContext(ctx, &r, `
		SELECT id, status, task_ids, proposed_name, reasons, score, expires_at, created_at
		FROM grouping_suggestions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get suggestion: %w", wrapDBError(err))
	}
	return r.toSuggestion(), nil
}

func (p *Postgres) ListSuggestions(ctx context.Context, status SuggestionStatus) ([]*GroupingSuggestion, error) {
	var rows []suggestionRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, status, task_ids, proposed_name, reasons, score, expires_at, created_at
		FROM grouping_suggestions WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", wrapDBError(err))
	}
	out := make([]*GroupingSuggestion, len(rows))
	for i, r := range rows {
		out[i] = r.toSuggestion()
	}
	return out, nil
}

func (p *Postgres) UpdateSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE grouping_suggestions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", wrapDBError(err))
	}
	return requireRow(res, "suggestion")
}

func (p *Postgres) ExpireSuggestions(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE grouping_suggestions SET status = $1
		WHERE status = $2 AND expires_at < $3`,
		SuggestionExpired, SuggestionPending, now)
	if err != nil {
		return 0, fmt.Errorf("expire suggestions: %w", wrapDBError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Chat log
// ---------------------------------------------------------------------------

func (p *Postgres) InsertChatMessage(ctx context.Context, m *ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, bot_type, chat_id, category, text, task_id,
			list_id, agent_id, upstream_message_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.BotType, m.ChatID, m.Category, m.Text, m.TaskID,
		m.ListID, m.AgentID, m.UpstreamMessageID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", wrapDBError(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Single-writer guard
// ---------------------------------------------------------------------------

// pgGuard holds a session-level advisory lock on a dedicated connection.
type pgGuard struct {
	conn *sqlx.Conn
	key  int64
	done bool
}

func (g *pgGuard) Release(ctx context.Context) error {
	if g.done {
		return nil
	}
	g.done = true
	_, err := g.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, g.key)
	closeErr := g.conn.Close()
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", wrapDBError(err))
	}
	return closeErr
}

// AcquireGuard takes a non-blocking advisory lock keyed by the FNV-64a hash
// of the guard key. The lock lives on a checked-out connection so it survives
// for the duration of the execution run.
func (p *Postgres) AcquireGuard(ctx context.Context, key string) (Guard, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", wrapDBError(err))
	}

	hashed := guardKey(key)
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, hashed); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", wrapDBError(err))
	}
	if !acquired {
		_ = conn.Close()
		return nil, NewConflict("single_writer", fmt.Sprintf("key %q already held", key))
	}
	return &pgGuard{conn: conn, key: hashed}, nil
}

// guardKey maps an arbitrary key to the bigint space of advisory locks.
func guardKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
