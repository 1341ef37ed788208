// Package orchestrator owns the worker pool and drives execution runs
// through their state machine: CREATED, PLANNING, RUNNING (with PAUSED),
// then COMPLETED, FAILED or CANCELLED. Destructive starts are gated behind
// a pending approval with a timeout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/failure"
	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/planner"
	"github.com/foremanworks/foreman/storage"
	"github.com/foremanworks/foreman/worker"
)

// Config tunes the orchestrator.
type Config struct {
	GlobalMaxAgents  int
	AgentType        string
	ApprovalTimeout  time.Duration
	HeartbeatTimeout time.Duration // agent considered stuck past this
	WatchdogInterval time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		GlobalMaxAgents:  10,
		AgentType:        "build",
		ApprovalTimeout:  5 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
		WatchdogInterval: 30 * time.Second,
	}
}

// Orchestrator coordinates executions, agents and the failure controller.
type Orchestrator struct {
	config   Config
	store    storage.Store
	planner  *planner.Planner
	failures *failure.Controller
	analyzer *impact.Analyzer
	emitter  *events.Emitter
	runner   worker.Runner
	logger   *slog.Logger

	pool      *Pool
	approvals *approvals

	// Lifecycle
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup

	execs map[string]*execution // keyed by list id

	// Metrics
	executionsStarted  atomic.Int64
	executionsFinished atomic.Int64
	tasksDispatched    atomic.Int64
	agentsSpawned      atomic.Int64
}

// New creates an orchestrator. OnApprovalExpired may be set before Start.
func New(cfg Config, store storage.Store, pl *planner.Planner, fc *failure.Controller, an *impact.Analyzer, em *events.Emitter, runner worker.Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.GlobalMaxAgents <= 0 {
		cfg.GlobalMaxAgents = d.GlobalMaxAgents
	}
	if cfg.AgentType == "" {
		cfg.AgentType = d.AgentType
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = d.ApprovalTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = d.WatchdogInterval
	}

	o := &Orchestrator{
		config:   cfg,
		store:    store,
		planner:  pl,
		failures: fc,
		analyzer: an,
		emitter:  em,
		runner:   runner,
		logger:   logger,
		pool:     NewPool(cfg.GlobalMaxAgents),
		execs:    make(map[string]*execution),
	}
	o.approvals = newApprovals(cfg.ApprovalTimeout, nil)
	return o
}

// SetApprovalExpiredHook registers the callback fired when a pending
// approval times out. Must be called before Start.
func (o *Orchestrator) SetApprovalExpiredHook(fn func(PendingApproval)) {
	o.approvals.onExpire = fn
}

// Start begins background supervision (heartbeat watchdog).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.baseCtx = runCtx
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go o.watchdog(runCtx)

	o.logger.Info("orchestrator started",
		"global_max_agents", o.config.GlobalMaxAgents,
		"heartbeat_timeout", o.config.HeartbeatTimeout)
	return nil
}

// Stop cancels every execution and waits for workers to unwind.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.approvals.stopAll()
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}

	o.logger.Info("orchestrator stopped",
		"executions_finished", o.executionsFinished.Load())
	return nil
}

// RequestExecution validates the list and parks a pending approval. No
// workers are allocated until the approval callback fires.
func (o *Orchestrator) RequestExecution(ctx context.Context, listID string, chatID int64, botType string) (*PendingApproval, error) {
	list, err := o.store.GetList(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("load list: %w", err)
	}
	if list.TotalTasks == 0 {
		return nil, storage.NewValidation("list", "list has no tasks")
	}
	if active, err := o.store.GetActiveExecution(ctx, listID); err == nil && active != nil {
		return nil, storage.NewConflict("execution",
			fmt.Sprintf("list already has active execution %s", active.ID))
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check active execution: %w", err)
	}

	pa := o.approvals.create(listID, chatID, botType)
	o.logger.Info("execution approval pending", "list_id", listID, "chat_id", chatID)
	return pa, nil
}

// CancelApproval drops a pending approval, from the Cancel button.
func (o *Orchestrator) CancelApproval(listID string) bool {
	_, ok := o.approvals.take(listID)
	return ok
}

// Approve consumes the pending approval and starts the execution. Called by
// the execute:<listId>:start callback.
func (o *Orchestrator) Approve(ctx context.Context, listID string) (*storage.ExecutionRun, error) {
	if _, ok := o.approvals.take(listID); !ok {
		return nil, storage.NewValidation("approval",
			"no pending approval for list; run /execute again")
	}
	return o.startExecution(ctx, listID)
}

// startExecution transitions CREATED -> PLANNING -> RUNNING and launches the
// wave loop.
func (o *Orchestrator) startExecution(ctx context.Context, listID string) (*storage.ExecutionRun, error) {
	o.mu.RLock()
	if !o.running {
		o.mu.RUnlock()
		return nil, fmt.Errorf("orchestrator not running")
	}
	baseCtx := o.baseCtx
	o.mu.RUnlock()

	list, err := o.store.GetList(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("load list: %w", err)
	}

	guard, err := o.store.AcquireGuard(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("acquire list guard: %w", err)
	}

	run := &storage.ExecutionRun{
		ID:         storage.NewID(),
		ListID:     listID,
		Status:     storage.ExecutionPlanning,
		TotalTasks: list.TotalTasks,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.store.InsertExecution(ctx, run); err != nil {
		guard.Release(ctx)
		return nil, fmt.Errorf("create execution: %w", err)
	}

	plan, err := o.planTasks(ctx, list, run)
	if err != nil {
		o.failExecution(ctx, run, list, err.Error())
		guard.Release(ctx)
		return nil, err
	}

	run.Status = storage.ExecutionRunning
	if err := o.store.UpdateExecution(ctx, run); err != nil {
		guard.Release(ctx)
		return nil, fmt.Errorf("mark execution running: %w", err)
	}
	list.Status = storage.ListStatusRunning
	list.WaveCount = len(plan.Waves)
	if err := o.store.UpdateList(ctx, list); err != nil {
		o.logger.Warn("mark list running", "list_id", listID, "error", err)
	}

	ex := newExecution(run, list, plan, guard)
	o.mu.Lock()
	o.execs[listID] = ex
	o.mu.Unlock()

	o.executionsStarted.Add(1)
	o.emitter.Emit(events.ExecutionStarted, events.ExecutionStartedPayload{
		TaskListID:        listID,
		ExecutionID:       run.ID,
		TotalTasks:        list.TotalTasks,
		TotalWaves:        len(plan.Waves),
		MaxParallelAgents: list.MaxParallelAgents,
	})
	o.logger.Info("execution started",
		"execution_id", run.ID, "list_id", listID,
		"tasks", list.TotalTasks, "waves", len(plan.Waves))

	o.wg.Add(1)
	go o.drive(baseCtx, ex)

	return run, nil
}

// planTasks runs the planner and persists the wave rows.
func (o *Orchestrator) planTasks(ctx context.Context, list *storage.TaskList, run *storage.ExecutionRun) (*planner.Plan, error) {
	tasks, err := o.store.ListTasks(ctx, storage.TaskFilter{ListID: list.ID})
	if err != nil {
		return nil, fmt.Errorf("load list tasks: %w", err)
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	edges, err := o.store.ListRelationshipsForTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	impacts := make(map[string][]*storage.FileImpact, len(tasks))
	for _, t := range tasks {
		fis, err := o.store.ListImpactsByTask(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load impacts for %s: %w", t.ID, err)
		}
		impacts[t.ID] = fis
	}

	plan, err := o.planner.PlanList(planner.Input{
		ListID:  list.ID,
		Tasks:   tasks,
		Edges:   edges,
		Impacts: impacts,
		ListCap: list.MaxParallelAgents,
	})
	if err != nil {
		return nil, fmt.Errorf("plan list: %w", err)
	}

	waves := make([]*storage.Wave, len(plan.Waves))
	for i, w := range plan.Waves {
		waves[i] = &storage.Wave{
			ID:                storage.NewID(),
			ExecutionID:       run.ID,
			Number:            w.Number,
			TaskIDs:           w.TaskIDs,
			MaxParallelAgents: w.MaxParallelAgents,
			Status:            storage.WaveStatusPending,
		}
	}
	if err := o.store.InsertWaves(ctx, waves); err != nil {
		return nil, fmt.Errorf("persist waves: %w", err)
	}
	return plan, nil
}

// Pause stops new task dispatch for a list; in-flight tasks finish.
func (o *Orchestrator) Pause(ctx context.Context, listID string) error {
	ex, err := o.activeExecution(listID)
	if err != nil {
		return err
	}
	if !ex.pause() {
		return storage.NewValidation("status", "execution is not running")
	}
	ex.run.Status = storage.ExecutionPaused
	if err := o.store.UpdateExecution(ctx, ex.run); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	o.logger.Info("execution paused", "list_id", listID, "execution_id", ex.run.ID)
	return nil
}

// Resume restores a paused execution to RUNNING.
func (o *Orchestrator) Resume(ctx context.Context, listID string) error {
	ex, err := o.activeExecution(listID)
	if err != nil {
		return err
	}
	if !ex.resume() {
		return storage.NewValidation("status", "execution is not paused")
	}
	ex.run.Status = storage.ExecutionRunning
	if err := o.store.UpdateExecution(ctx, ex.run); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	o.logger.Info("execution resumed", "list_id", listID, "execution_id", ex.run.ID)
	return nil
}

// CancelExecution terminates all agents and marks the run CANCELLED.
func (o *Orchestrator) CancelExecution(ctx context.Context, listID string) error {
	ex, err := o.activeExecution(listID)
	if err != nil {
		return err
	}
	ex.markCancelled()
	ex.cancelAll()
	o.logger.Info("execution cancelled", "list_id", listID, "execution_id", ex.run.ID)
	return nil
}

// Termination reasons recorded against the interrupted task. Records are
// filtered on these tags, so callers pass a constant, not free text.
const (
	TerminationUserRequested    = "user_requested"
	TerminationHeartbeatTimeout = "heartbeat_timeout"
)

// TerminateAgent stops one agent. Its task, if any, goes back to pending
// with retry_count unchanged and a failure record tagged with reason.
func (o *Orchestrator) TerminateAgent(ctx context.Context, agentID, reason string) error {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.Status == storage.AgentTerminated {
		return storage.NewValidation("agent", "agent already terminated")
	}

	o.mu.RLock()
	var ex *execution
	for _, e := range o.execs {
		if e.run.ID == agent.ExecutionID {
			ex = e
			break
		}
	}
	o.mu.RUnlock()
	if ex == nil {
		return storage.NewValidation("agent", "agent's execution is not active")
	}

	if agent.CurrentTaskID != nil {
		ex.markUserStop(agentID)
	}
	ex.cancelAgent(agentID)

	if agent.CurrentTaskID != nil {
		task, err := o.store.GetTask(ctx, *agent.CurrentTaskID)
		if err == nil {
			task.Status = storage.TaskStatusPending
			if err := o.store.UpdateTask(ctx, task); err != nil {
				o.logger.Warn("release task on terminate", "task_id", task.ID, "error", err)
			}
			fr := &storage.FailureRecord{
				ID:        storage.NewID(),
				TaskID:    task.ID,
				AgentID:   agentID,
				Attempt:   task.RetryCount + 1,
				Class:     storage.ClassTransient,
				Category:  storage.CatProcess,
				Message:   reason,
				CreatedAt: time.Now().UTC(),
			}
			if err := o.store.InsertFailure(ctx, fr); err != nil {
				o.logger.Warn("record termination", "task_id", task.ID, "error", err)
			}
		}
	}

	agent.Status = storage.AgentTerminated
	agent.CurrentTaskID = nil
	if err := o.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("mark agent terminated: %w", err)
	}
	o.logger.Info("agent terminated", "agent_id", agentID, "reason", reason)
	return nil
}

// ActiveAgents lists non-terminated agents across executions.
func (o *Orchestrator) ActiveAgents(ctx context.Context) ([]*storage.AgentInstance, error) {
	return o.store.ListAgents(ctx, storage.AgentFilter{ActiveOnly: true})
}

// PoolStatus returns (active, capacity) for the global pool.
func (o *Orchestrator) PoolStatus() (int, int) {
	return o.pool.Active(), o.pool.Capacity()
}

func (o *Orchestrator) activeExecution(listID string) (*execution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ex, ok := o.execs[listID]
	if !ok {
		return nil, storage.NewValidation("list", "no active execution for list")
	}
	return ex, nil
}

// failExecution records a failed run before the wave loop ever starts.
func (o *Orchestrator) failExecution(ctx context.Context, run *storage.ExecutionRun, list *storage.TaskList, reason string) {
	now := time.Now().UTC()
	run.Status = storage.ExecutionFailed
	run.EndedAt = &now
	if err := o.store.UpdateExecution(ctx, run); err != nil {
		o.logger.Error("mark execution failed", "execution_id", run.ID, "error", err)
	}
	list.Status = storage.ListStatusFailed
	if err := o.store.UpdateList(ctx, list); err != nil {
		o.logger.Warn("mark list failed", "list_id", list.ID, "error", err)
	}
	o.emitter.Emit(events.ExecutionFailed, events.ExecutionFinishedPayload{
		TaskListID:  list.ID,
		ExecutionID: run.ID,
		Reason:      reason,
	})
	o.logger.Error("execution failed before start",
		"execution_id", run.ID, "list_id", list.ID, "reason", reason)
}

// watchdog terminates agents whose heartbeat is older than the threshold and
// releases their tasks.
func (o *Orchestrator) watchdog(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepStuckAgents(ctx)
		}
	}
}

func (o *Orchestrator) sweepStuckAgents(ctx context.Context) {
	agents, err := o.store.ListAgents(ctx, storage.AgentFilter{ActiveOnly: true})
	if err != nil {
		o.logger.Warn("watchdog agent scan", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-o.config.HeartbeatTimeout)
	for _, a := range agents {
		if a.Status == storage.AgentBusy && a.LastHeartbeat.Before(cutoff) {
			o.logger.Warn("agent heartbeat stale, terminating",
				"agent_id", a.ID, "last_heartbeat", a.LastHeartbeat)
			if err := o.TerminateAgent(ctx, a.ID, TerminationHeartbeatTimeout); err != nil {
				o.logger.Warn("terminate stuck agent", "agent_id", a.ID, "error", err)
			}
		}
	}
}
