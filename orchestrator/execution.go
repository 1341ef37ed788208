package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/failure"
	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/planner"
	"github.com/foremanworks/foreman/storage"
	"github.com/foremanworks/foreman/worker"
)

// execution is the in-memory controller for one run. All cross-goroutine
// state sits behind mu; the cond wakes the wave loop on resume or cancel.
type execution struct {
	run   *storage.ExecutionRun
	list  *storage.TaskList
	plan  *planner.Plan
	guard storage.Guard

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool

	agentCancels map[string]context.CancelFunc
	userStops    map[string]bool
}

func newExecution(run *storage.ExecutionRun, list *storage.TaskList, plan *planner.Plan, guard storage.Guard) *execution {
	ex := &execution{
		run:          run,
		list:         list,
		plan:         plan,
		guard:        guard,
		agentCancels: make(map[string]context.CancelFunc),
		userStops:    make(map[string]bool),
	}
	ex.cond = sync.NewCond(&ex.mu)
	return ex
}

func (ex *execution) pause() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.paused || ex.cancelled {
		return false
	}
	ex.paused = true
	return true
}

func (ex *execution) resume() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.paused || ex.cancelled {
		return false
	}
	ex.paused = false
	ex.cond.Broadcast()
	return true
}

func (ex *execution) markCancelled() {
	ex.mu.Lock()
	ex.cancelled = true
	ex.cond.Broadcast()
	ex.mu.Unlock()
}

func (ex *execution) isCancelled() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelled
}

// waitWhilePaused blocks until the execution is running, cancelled, or the
// context ends. Returns false when dispatch must stop.
func (ex *execution) waitWhilePaused(ctx context.Context) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for ex.paused && !ex.cancelled && ctx.Err() == nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				ex.cond.Broadcast()
			case <-done:
			}
		}()
		ex.cond.Wait()
		close(done)
	}
	return !ex.cancelled && ctx.Err() == nil
}

func (ex *execution) registerAgent(id string, cancel context.CancelFunc) {
	ex.mu.Lock()
	ex.agentCancels[id] = cancel
	ex.mu.Unlock()
}

func (ex *execution) unregisterAgent(id string) {
	ex.mu.Lock()
	delete(ex.agentCancels, id)
	ex.mu.Unlock()
}

// markUserStop flags the agent's in-flight attempt as deliberately stopped,
// so the cancellation-induced worker failure bypasses the failure controller.
// The flag must be set before the agent's context is cancelled.
func (ex *execution) markUserStop(agentID string) {
	ex.mu.Lock()
	ex.userStops[agentID] = true
	ex.mu.Unlock()
}

// takeUserStop consumes the flag for one attempt.
func (ex *execution) takeUserStop(agentID string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.userStops[agentID] {
		return false
	}
	delete(ex.userStops, agentID)
	return true
}

func (ex *execution) cancelAgent(id string) {
	ex.mu.Lock()
	cancel := ex.agentCancels[id]
	ex.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ex *execution) cancelAll() {
	ex.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(ex.agentCancels))
	for _, c := range ex.agentCancels {
		cancels = append(cancels, c)
	}
	ex.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// drive runs the wave loop for one execution to its terminal state.
func (o *Orchestrator) drive(ctx context.Context, ex *execution) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.execs, ex.list.ID)
		o.mu.Unlock()
		if err := ex.guard.Release(context.Background()); err != nil {
			o.logger.Warn("release list guard", "list_id", ex.list.ID, "error", err)
		}
	}()

	waves, err := o.store.ListWaves(ctx, ex.run.ID)
	if err != nil {
		o.logger.Error("load waves", "execution_id", ex.run.ID, "error", err)
		o.finishExecution(ex, storage.ExecutionFailed, "waves unavailable")
		return
	}

	for _, wave := range waves {
		if !ex.waitWhilePaused(ctx) {
			break
		}
		if err := o.store.UpdateWaveStatus(ctx, wave.ID, storage.WaveStatusRunning); err != nil {
			o.logger.Warn("mark wave running", "wave", wave.Number, "error", err)
		}

		ok := o.runWave(ctx, ex, wave)

		status := storage.WaveStatusCompleted
		if !ok {
			status = storage.WaveStatusFailed
		}
		if err := o.store.UpdateWaveStatus(ctx, wave.ID, status); err != nil {
			o.logger.Warn("mark wave done", "wave", wave.Number, "error", err)
		}
		if ex.isCancelled() || ctx.Err() != nil {
			break
		}
	}

	final, err := o.store.GetExecution(ctx, ex.run.ID)
	if err != nil {
		final = ex.run
	}

	switch {
	case ex.isCancelled():
		o.finishExecution(ex, storage.ExecutionCancelled, "cancelled by user")
	case ctx.Err() != nil:
		o.finishExecution(ex, storage.ExecutionCancelled, "orchestrator shutdown")
	case final.FailedTasks > 0:
		o.finishExecution(ex, storage.ExecutionFailed, "one or more tasks failed")
	default:
		o.finishExecution(ex, storage.ExecutionCompleted, "")
	}
}

// runWave drains one wave: spawn agents, dispatch tasks, consume worker
// events and apply failure decisions until every task is terminal. Returns
// false when any task ended failed, skipped or escalated.
func (o *Orchestrator) runWave(ctx context.Context, ex *execution, wave *storage.Wave) bool {
	log := o.logger.With("execution_id", ex.run.ID, "wave", wave.Number)

	// pending task queue; retries are requeued here
	queue := make(chan *storage.Task, len(wave.TaskIDs))
	outstanding := 0
	for _, id := range wave.TaskIDs {
		task, err := o.store.GetTask(ctx, id)
		if err != nil {
			log.Error("load wave task", "task_id", id, "error", err)
			continue
		}
		if task.Status.IsTerminal() {
			continue
		}
		queue <- task
		outstanding++
	}
	if outstanding == 0 {
		return true
	}

	desired := wave.MaxParallelAgents
	if desired > outstanding {
		desired = outstanding
	}
	granted := o.pool.TryAcquire(desired)
	if granted == 0 {
		// pool exhausted by other executions; run the wave serially
		granted = o.pool.TryAcquire(1)
		for granted == 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
				granted = o.pool.TryAcquire(1)
			}
		}
	}
	defer o.pool.Release(granted)

	results := make(chan taskResult)

	var agentWG sync.WaitGroup
	for i := 0; i < granted; i++ {
		agent := &storage.AgentInstance{
			ID:            storage.NewID(),
			Type:          o.config.AgentType,
			ExecutionID:   ex.run.ID,
			CurrentWave:   wave.Number,
			Status:        storage.AgentIdle,
			LastHeartbeat: time.Now().UTC(),
		}
		if err := o.store.InsertAgent(ctx, agent); err != nil {
			log.Error("spawn agent", "error", err)
			continue
		}
		o.agentsSpawned.Add(1)
		o.emitter.Emit(events.AgentSpawned, events.AgentSpawnedPayload{
			AgentID:    agent.ID,
			TaskListID: ex.list.ID,
			Wave:       wave.Number,
		})

		agentWG.Add(1)
		go o.agentLoop(ctx, ex, agent, queue, results, &agentWG, log)
	}

	// decision loop: one result per attempt; outstanding drops only on a
	// terminal outcome
	waveFailed := false
	for outstanding > 0 {
		var res taskResult
		select {
		case res = <-results:
		case <-ctx.Done():
			outstanding = 0
			continue
		}

		if res.retry {
			continue // task was requeued, still outstanding
		}
		outstanding--
		if res.failed {
			waveFailed = true
		}
	}

	close(queue)
	agentWG.Wait()

	// free the wave's agents
	agents, err := o.store.ListAgents(ctx, storage.AgentFilter{ExecutionID: ex.run.ID, ActiveOnly: true})
	if err == nil {
		for _, a := range agents {
			if a.CurrentWave != wave.Number {
				continue
			}
			a.Status = storage.AgentTerminated
			a.CurrentTaskID = nil
			if err := o.store.UpdateAgent(ctx, a); err != nil {
				log.Warn("retire agent", "agent_id", a.ID, "error", err)
			}
			ex.unregisterAgent(a.ID)
		}
	}

	return !waveFailed
}

// taskResult reports one attempt's outcome from an agent to the wave loop.
// retry means the task went back on the queue and is still outstanding.
type taskResult struct {
	task    *storage.Task
	agentID string
	retry   bool
	failed  bool
}

// agentLoop is one agent pulling tasks from the wave queue until it closes
// or the run stops.
func (o *Orchestrator) agentLoop(ctx context.Context, ex *execution, agent *storage.AgentInstance, queue chan *storage.Task, results chan<- taskResult, wg *sync.WaitGroup, log *slog.Logger) {
	defer wg.Done()

	for {
		if !ex.waitWhilePaused(ctx) {
			return
		}
		var task *storage.Task
		var ok bool
		select {
		case task, ok = <-queue:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		retry, failed := o.runTask(ctx, ex, agent, task, queue, log)
		select {
		case results <- taskResult{task: task, agentID: agent.ID, retry: retry, failed: failed}:
		case <-ctx.Done():
			return
		}
	}
}

// runTask executes one attempt. It returns (retry, failed): retry means the
// task went back on the queue; failed means it ended in a failed-class
// terminal state.
func (o *Orchestrator) runTask(ctx context.Context, ex *execution, agent *storage.AgentInstance, task *storage.Task, queue chan *storage.Task, log *slog.Logger) (bool, bool) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ex.registerAgent(agent.ID, cancel)
	defer ex.unregisterAgent(agent.ID)

	task.Status = storage.TaskStatusRunning
	if err := o.store.UpdateTask(ctx, task); err != nil {
		log.Error("mark task running", "task_id", task.ID, "error", err)
		return false, true
	}
	agent.Status = storage.AgentBusy
	agent.CurrentTaskID = &task.ID
	agent.LastHeartbeat = time.Now().UTC()
	if err := o.store.UpdateAgent(ctx, agent); err != nil {
		log.Warn("mark agent busy", "agent_id", agent.ID, "error", err)
	}
	o.tasksDispatched.Add(1)

	evCh := o.runner.Run(taskCtx, worker.Assignment{
		Task:        task,
		AgentID:     agent.ID,
		AgentType:   agent.Type,
		ExecutionID: ex.run.ID,
		ListID:      ex.list.ID,
		Wave:        agent.CurrentWave,
	})

	var terminal *worker.Event
	for ev := range evCh {
		switch ev.Kind {
		case worker.EventStarted:
			o.emitter.Emit(events.TaskStarted, events.TaskPayload{
				TaskID: task.ID, AgentID: agent.ID, TaskListID: ex.list.ID,
			})
		case worker.EventHeartbeat:
			if err := o.store.TouchAgentHeartbeat(ctx, agent.ID, time.Now().UTC()); err != nil {
				log.Warn("touch heartbeat", "agent_id", agent.ID, "error", err)
			}
		case worker.EventCompleted, worker.EventFailed:
			e := ev
			terminal = &e
		}
	}

	agent.Status = storage.AgentIdle
	agent.CurrentTaskID = nil
	if err := o.store.UpdateAgent(ctx, agent); err != nil {
		log.Warn("mark agent idle", "agent_id", agent.ID, "error", err)
	}

	if terminal == nil {
		// runner vanished without a verdict, treat as a process failure
		terminal = &worker.Event{
			Kind: worker.EventFailed, TaskID: task.ID, AgentID: agent.ID,
			Message: "worker exited without reporting a result", ExitCode: 1,
		}
	}

	stopped := ex.takeUserStop(agent.ID)

	if terminal.Kind == worker.EventCompleted {
		o.completeTask(ctx, ex, agent, task, terminal, log)
		return false, false
	}
	if stopped {
		// TerminateAgent already reset the task and wrote the stop record;
		// requeue the attempt as-is, no retry bump, no backoff
		task.Status = storage.TaskStatusPending
		log.Info("task requeued after agent termination",
			"task_id", task.ID, "agent_id", agent.ID)
		queue <- task
		return true, false
	}
	return o.failTask(ctx, ex, agent, task, terminal, queue, log)
}

func (o *Orchestrator) completeTask(ctx context.Context, ex *execution, agent *storage.AgentInstance, task *storage.Task, ev *worker.Event, log *slog.Logger) {
	task.Status = storage.TaskStatusCompleted
	if err := o.store.UpdateTask(ctx, task); err != nil {
		log.Error("mark task completed", "task_id", task.ID, "error", err)
	}
	if err := o.failures.RecordSuccess(ctx, task.ID); err != nil {
		log.Warn("reset failure counter", "task_id", task.ID, "error", err)
	}
	if err := o.store.IncrementExecutionCounters(ctx, ex.run.ID, 1, 0); err != nil {
		log.Warn("bump execution counters", "error", err)
	}
	if err := o.store.IncrementListCounters(ctx, ex.list.ID, 1, 0); err != nil {
		log.Warn("bump list counters", "error", err)
	}
	agent.TasksCompleted++

	if o.analyzer != nil && len(ev.Touched) > 0 {
		observed := make([]impact.Observed, len(ev.Touched))
		for i, t := range ev.Touched {
			observed[i] = impact.Observed{Path: t.Path, Operation: t.Operation}
		}
		if err := o.analyzer.RecordOutcome(ctx, task, observed); err != nil {
			log.Warn("impact learning", "task_id", task.ID, "error", err)
		}
	}

	o.emitter.Emit(events.TaskCompleted, events.TaskPayload{
		TaskID: task.ID, AgentID: agent.ID, TaskListID: ex.list.ID,
	})
	log.Info("task completed", "task_id", task.ID, "agent_id", agent.ID)
}

// failTask consults the failure controller and applies its decision.
func (o *Orchestrator) failTask(ctx context.Context, ex *execution, agent *storage.AgentInstance, task *storage.Task, ev *worker.Event, queue chan *storage.Task, log *slog.Logger) (retry, failed bool) {
	agent.TasksFailed++

	decision := o.failures.Decide(ctx, task, failure.Report{
		AgentID:     agent.ID,
		Message:     ev.Message,
		ExitCode:    ev.ExitCode,
		Stdout:      ev.Stdout,
		Stderr:      ev.Stderr,
		CurrentStep: ev.CurrentStep,
		FilePath:    ev.FilePath,
	})

	o.emitter.Emit(events.TaskFailed, events.TaskPayload{
		TaskID: task.ID, AgentID: agent.ID, TaskListID: ex.list.ID, Error: ev.Message,
	})

	switch decision.Action {
	case failure.ActionRetry:
		if _, err := o.store.IncrementTaskCounter(ctx, task.ID, storage.CounterRetry, 1); err != nil {
			log.Error("bump retry count", "task_id", task.ID, "error", err)
			return false, o.terminalFailure(ctx, ex, task, storage.TaskStatusFailed, log)
		}
		task.RetryCount++
		task.Status = storage.TaskStatusPending
		if err := o.store.UpdateTask(ctx, task); err != nil {
			log.Error("requeue task", "task_id", task.ID, "error", err)
			return false, o.terminalFailure(ctx, ex, task, storage.TaskStatusFailed, log)
		}

		log.Info("task retry scheduled",
			"task_id", task.ID, "attempt", task.RetryCount, "delay", decision.Delay)
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return false, true
		}
		if ex.isCancelled() {
			return false, true
		}
		queue <- task
		return true, false

	case failure.ActionSkip:
		log.Info("task skipped", "task_id", task.ID, "reason", decision.Reason)
		return false, o.terminalFailure(ctx, ex, task, storage.TaskStatusSkipped, log)

	case failure.ActionEscalate:
		log.Warn("task escalated",
			"task_id", task.ID, "escalation_id", decision.EscalationID)
		return false, o.terminalFailure(ctx, ex, task, storage.TaskStatusEscalated, log)

	default: // abort
		log.Error("aborting execution", "task_id", task.ID, "reason", decision.Reason)
		ex.markCancelled()
		ex.cancelAll()
		return false, o.terminalFailure(ctx, ex, task, storage.TaskStatusFailed, log)
	}
}

// terminalFailure stamps a failed-class terminal status and bumps counters.
// Always returns true.
func (o *Orchestrator) terminalFailure(ctx context.Context, ex *execution, task *storage.Task, status storage.TaskStatus, log *slog.Logger) bool {
	task.Status = status
	if err := o.store.UpdateTask(ctx, task); err != nil {
		log.Error("mark task terminal", "task_id", task.ID, "status", status, "error", err)
	}
	if err := o.store.IncrementExecutionCounters(ctx, ex.run.ID, 0, 1); err != nil {
		log.Warn("bump execution counters", "error", err)
	}
	if err := o.store.IncrementListCounters(ctx, ex.list.ID, 0, 1); err != nil {
		log.Warn("bump list counters", "error", err)
	}
	return true
}

// finishExecution stamps the terminal state and emits the closing event.
func (o *Orchestrator) finishExecution(ex *execution, status storage.ExecutionStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	final, err := o.store.GetExecution(ctx, ex.run.ID)
	if err != nil {
		final = ex.run
	}
	now := time.Now().UTC()
	final.Status = status
	final.EndedAt = &now
	if err := o.store.UpdateExecution(ctx, final); err != nil {
		o.logger.Error("finalise execution", "execution_id", final.ID, "error", err)
	}

	listStatus := storage.ListStatusCompleted
	if status != storage.ExecutionCompleted {
		listStatus = storage.ListStatusFailed
	}
	ex.list.Status = listStatus
	if err := o.store.UpdateList(ctx, ex.list); err != nil {
		o.logger.Warn("finalise list", "list_id", ex.list.ID, "error", err)
	}

	o.executionsFinished.Add(1)
	payload := events.ExecutionFinishedPayload{
		TaskListID:  ex.list.ID,
		ExecutionID: final.ID,
		Completed:   final.CompletedTasks,
		Failed:      final.FailedTasks,
		Duration:    now.Sub(final.StartedAt),
		Reason:      reason,
	}
	if status == storage.ExecutionCompleted {
		o.emitter.Emit(events.ExecutionCompleted, payload)
	} else {
		o.emitter.Emit(events.ExecutionFailed, payload)
	}
	o.logger.Info("execution finished",
		"execution_id", final.ID, "status", status,
		"completed", final.CompletedTasks, "failed", final.FailedTasks)
}
