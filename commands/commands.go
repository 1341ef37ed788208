package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foremanworks/foreman/chat"
	"github.com/foremanworks/foreman/orchestrator"
	"github.com/foremanworks/foreman/storage"
)

// NewTaskCommand creates a task in the evaluation queue and runs impact
// analysis on it.
type NewTaskCommand struct{ deps Deps }

func (c *NewTaskCommand) Name() string { return "newtask" }
func (c *NewTaskCommand) Help() string {
	return "/newtask <text> - create a task in the evaluation queue"
}

func (c *NewTaskCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", storage.NewValidation("text", "usage: /newtask <description>")
	}
	text := strings.Join(args, " ")

	title := text
	description := ""
	if idx := strings.Index(text, ". "); idx > 0 && idx < 120 {
		title = text[:idx]
		description = strings.TrimSpace(text[idx+1:])
	} else if len(title) > 120 {
		title = title[:120]
		description = text
	}

	now := time.Now().UTC()
	task := &storage.Task{
		ID:          storage.NewID(),
		Title:       title,
		Description: description,
		Category:    guessCategory(text),
		Effort:      storage.EffortMedium,
		Status:      storage.TaskStatusPending,
		ProjectID:   c.deps.ProjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.ShortID = storage.ShortID(task.ID)

	if err := c.deps.Store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	predictions := c.deps.Analyzer.Analyze(ctx, task)

	return fmt.Sprintf("📝 Created %s: %s\nCategory: %s, %d predicted file impacts.",
		task.ShortID, task.Title, task.Category, len(predictions)), nil
}

// guessCategory picks a coarse category from the task text.
func guessCategory(text string) storage.TaskCategory {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "fix") || strings.Contains(lower, "bug"):
		return storage.CategoryBug
	case strings.Contains(lower, "test"):
		return storage.CategoryTest
	case strings.Contains(lower, "doc") || strings.Contains(lower, "readme"):
		return storage.CategoryDocumentation
	case strings.Contains(lower, "refactor") || strings.Contains(lower, "clean up"):
		return storage.CategoryRefactor
	case strings.Contains(lower, "deploy") || strings.Contains(lower, "docker") || strings.Contains(lower, "ci"):
		return storage.CategoryInfrastructure
	case strings.Contains(lower, "add") || strings.Contains(lower, "implement") || strings.Contains(lower, "support"):
		return storage.CategoryFeature
	default:
		return storage.CategoryTask
	}
}

// EditCommand opens or closes a field-edit session on the chat.
type EditCommand struct{ router *Router }

func (c *EditCommand) Name() string { return "edit" }
func (c *EditCommand) Help() string {
	return "/edit <taskId> - show a task and edit it with `field: value` messages; /edit done to finish"
}

func (c *EditCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("taskId", "usage: /edit <taskId> or /edit done")
	}
	if args[0] == "done" {
		if c.router.endEdit(cctx.ChatID) {
			return "Edit session closed.", nil
		}
		return "No edit session open.", nil
	}

	task, err := c.router.deps.Store.GetTask(ctx, args[0])
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}
	c.router.beginEdit(cctx.ChatID, task.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "✏️ Editing %s\n", task.ShortID)
	fmt.Fprintf(&b, "title: %s\n", task.Title)
	fmt.Fprintf(&b, "description: %s\n", task.Description)
	fmt.Fprintf(&b, "category: %s\n", task.Category)
	fmt.Fprintf(&b, "effort: %s\n", task.Effort)
	fmt.Fprintf(&b, "priority: %d\n", task.Priority)
	fmt.Fprintf(&b, "status: %s\n", task.Status)
	b.WriteString("Send `field: value` to change a field, /edit done to finish.")
	return b.String(), nil
}

// OverrideCommand declares or removes a user file impact.
type OverrideCommand struct{ deps Deps }

func (c *OverrideCommand) Name() string { return "override" }
func (c *OverrideCommand) Help() string {
	return "/override <taskId> <CREATE|UPDATE|DELETE|READ> <path> - declare a file impact; /override <taskId> REMOVE <path> <OP> removes one"
}

func (c *OverrideCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) < 3 {
		return "", storage.NewValidation("args", "usage: /override <taskId> <OP> <path>")
	}
	taskID := args[0]

	task, err := c.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}

	if strings.EqualFold(args[1], "REMOVE") {
		if len(args) != 4 {
			return "", storage.NewValidation("args", "usage: /override <taskId> REMOVE <path> <OP>")
		}
		op, err := parseOp(args[3])
		if err != nil {
			return "", err
		}
		if err := c.deps.Analyzer.RemoveOverride(ctx, taskID, args[2], op); err != nil {
			return "", fmt.Errorf("remove override: %w", err)
		}
		c.invalidate(task)
		return fmt.Sprintf("Removed %s %s from %s.", args[3], args[2], task.ShortID), nil
	}

	op, err := parseOp(args[1])
	if err != nil {
		return "", err
	}
	if err := c.deps.Analyzer.Override(ctx, taskID, args[2], op); err != nil {
		return "", fmt.Errorf("apply override: %w", err)
	}
	c.invalidate(task)
	return fmt.Sprintf("Declared %s %s on %s.", op, args[2], task.ShortID), nil
}

func (c *OverrideCommand) invalidate(task *storage.Task) {
	if task.ListID != "" {
		c.deps.Planner.Invalidate(task.ListID)
	}
}

func parseOp(s string) (storage.ImpactOperation, error) {
	op := storage.ImpactOperation(strings.ToUpper(s))
	switch op {
	case storage.OpCreate, storage.OpUpdate, storage.OpDelete, storage.OpRead:
		return op, nil
	}
	return "", storage.NewValidation("operation", fmt.Sprintf("unknown operation %q", s))
}

// QueueCommand summarises the evaluation queue.
type QueueCommand struct{ deps Deps }

func (c *QueueCommand) Name() string { return "queue" }
func (c *QueueCommand) Help() string { return "/queue - evaluation queue summary" }

func (c *QueueCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	tasks, err := c.deps.Store.ListTasks(ctx, storage.TaskFilter{
		ProjectID:       c.deps.ProjectID,
		EvaluationQueue: true,
	})
	if err != nil {
		return "", fmt.Errorf("load queue: %w", err)
	}
	if len(tasks) == 0 {
		return "Evaluation queue is empty.", nil
	}

	now := time.Now().UTC()
	var oldest, newest time.Duration
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Evaluation queue: %d tasks\n", len(tasks))
	for i, t := range tasks {
		age := now.Sub(t.CreatedAt)
		if i == 0 || age > oldest {
			oldest = age
		}
		if i == 0 || age < newest {
			newest = age
		}
		if i < 15 {
			fmt.Fprintf(&b, "• %s %s (%s, %s old)\n",
				t.ShortID, t.Title, t.Category, age.Round(time.Minute))
		}
	}
	if len(tasks) > 15 {
		fmt.Fprintf(&b, "… and %d more\n", len(tasks)-15)
	}
	fmt.Fprintf(&b, "Oldest %s, newest %s.", oldest.Round(time.Minute), newest.Round(time.Minute))
	return b.String(), nil
}

// SuggestCommand shows pending suggestions or runs the grouping engine.
type SuggestCommand struct{ deps Deps }

func (c *SuggestCommand) Name() string { return "suggest" }
func (c *SuggestCommand) Help() string {
	return "/suggest - show pending grouping suggestions, or compute new ones"
}

func (c *SuggestCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	pending, err := c.deps.Store.ListSuggestions(ctx, storage.SuggestionPending)
	if err != nil {
		return "", fmt.Errorf("load suggestions: %w", err)
	}
	if len(pending) == 0 {
		pending, err = c.deps.Grouping.Suggest(ctx, c.deps.ProjectID)
		if err != nil {
			return "", fmt.Errorf("run grouping: %w", err)
		}
		if len(pending) == 0 {
			return "No grouping suggestions; the queue has no related tasks.", nil
		}
	}

	for _, s := range pending {
		text := fmt.Sprintf("💡 %s (%d tasks, score %.2f)\nReasons: %s",
			s.ProposedName, len(s.TaskIDs), s.Score, strings.Join(s.Reasons, "; "))
		buttons := [][]chat.InlineButton{{
			{Text: "Accept", CallbackData: fmt.Sprintf("suggest:%s:accept", s.ID)},
			{Text: "Reject", CallbackData: fmt.Sprintf("suggest:%s:reject", s.ID)},
		}}
		c.deps.Dispatcher.Send(ctx, cctx.BotType, cctx.ChatID, text,
			chat.SendOptions{Buttons: buttons})
	}
	return "", nil
}

// AcceptCommand accepts a suggestion without the button.
type AcceptCommand struct{ deps Deps }

func (c *AcceptCommand) Name() string { return "accept" }
func (c *AcceptCommand) Help() string { return "/accept <suggestionId> - accept a grouping suggestion" }

func (c *AcceptCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("suggestionId", "usage: /accept <suggestionId>")
	}
	list, err := c.deps.Grouping.Accept(ctx, args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Created list %q (%s) with %d tasks.",
		list.Name, shortID(list.ID), list.TotalTasks), nil
}

// RejectCommand rejects a suggestion without the button.
type RejectCommand struct{ deps Deps }

func (c *RejectCommand) Name() string { return "reject" }
func (c *RejectCommand) Help() string { return "/reject <suggestionId> - reject a grouping suggestion" }

func (c *RejectCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("suggestionId", "usage: /reject <suggestionId>")
	}
	if err := c.deps.Grouping.Reject(ctx, args[0]); err != nil {
		return "", err
	}
	return "Suggestion rejected.", nil
}

// ExecuteCommand validates a list and parks a pending approval with inline
// Start/Cancel buttons.
type ExecuteCommand struct {
	deps   Deps
	router *Router
}

func (c *ExecuteCommand) Name() string { return "execute" }
func (c *ExecuteCommand) Help() string { return "/execute <listId> - request execution of a list" }

func (c *ExecuteCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("listId", "usage: /execute <listId>")
	}
	listID := args[0]

	pa, err := c.deps.Orchestrator.RequestExecution(ctx, listID, cctx.ChatID, cctx.BotType)
	if err != nil {
		return "", err
	}

	list, err := c.deps.Store.GetList(ctx, listID)
	if err != nil {
		return "", fmt.Errorf("load list: %w", err)
	}

	text := fmt.Sprintf("▶️ Execute %q (%d tasks, cap %d agents)?\nApproval expires in 5 minutes.",
		list.Name, list.TotalTasks, list.MaxParallelAgents)
	buttons := [][]chat.InlineButton{{
		{Text: "Start", CallbackData: fmt.Sprintf("execute:%s:start", pa.ListID)},
		{Text: "Cancel", CallbackData: fmt.Sprintf("execute:%s:cancel", pa.ListID)},
	}}
	c.deps.Dispatcher.SendWithRefs(ctx, cctx.BotType, cctx.ChatID, text,
		chat.SendOptions{Buttons: buttons}, chat.Refs{Category: "approval", ListID: listID})
	return "", nil
}

// PauseCommand pauses an execution.
type PauseCommand struct{ deps Deps }

func (c *PauseCommand) Name() string { return "pause" }
func (c *PauseCommand) Help() string { return "/pause <listId> - pause a running execution" }

func (c *PauseCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("listId", "usage: /pause <listId>")
	}
	if err := c.deps.Orchestrator.Pause(ctx, args[0]); err != nil {
		return "", err
	}
	return "⏸ Paused. In-flight tasks will finish; no new tasks dispatch.", nil
}

// ResumeCommand resumes a paused execution.
type ResumeCommand struct{ deps Deps }

func (c *ResumeCommand) Name() string { return "resume" }
func (c *ResumeCommand) Help() string { return "/resume <listId> - resume a paused execution" }

func (c *ResumeCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("listId", "usage: /resume <listId>")
	}
	if err := c.deps.Orchestrator.Resume(ctx, args[0]); err != nil {
		return "", err
	}
	return "▶️ Resumed.", nil
}

// AgentsCommand lists active agents.
type AgentsCommand struct{ deps Deps }

func (c *AgentsCommand) Name() string { return "agents" }
func (c *AgentsCommand) Help() string { return "/agents - list active agents" }

func (c *AgentsCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	agents, err := c.deps.Orchestrator.ActiveAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("load agents: %w", err)
	}
	if len(agents) == 0 {
		return "No active agents.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Active agents: %d\n", len(agents))
	for _, a := range agents {
		task := "-"
		if a.CurrentTaskID != nil {
			task = shortID(*a.CurrentTaskID)
		}
		fmt.Fprintf(&b, "• %s %s wave %d task %s (%s, done %d, failed %d)\n",
			shortID(a.ID), a.Status, a.CurrentWave, task, a.Type,
			a.TasksCompleted, a.TasksFailed)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// StopCommand terminates one agent.
type StopCommand struct{ deps Deps }

func (c *StopCommand) Name() string { return "stop" }
func (c *StopCommand) Help() string { return "/stop <agentId> - terminate a specific agent" }

func (c *StopCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", storage.NewValidation("agentId", "usage: /stop <agentId>")
	}
	if err := c.deps.Orchestrator.TerminateAgent(ctx, args[0], orchestrator.TerminationUserRequested); err != nil {
		return "", err
	}
	return "🛑 Agent terminated. Its task returned to pending.", nil
}

// StatusCommand summarises orchestrator state.
type StatusCommand struct{ deps Deps }

func (c *StatusCommand) Name() string { return "status" }
func (c *StatusCommand) Help() string { return "/status - orchestrator and pool status" }

func (c *StatusCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	active, capacity := c.deps.Orchestrator.PoolStatus()
	agents, err := c.deps.Orchestrator.ActiveAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("load agents: %w", err)
	}

	lists, err := c.deps.Store.ListLists(ctx, c.deps.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load lists: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Pool %d/%d agents busy, %d spawned\n", active, capacity, len(agents))
	running := 0
	for _, l := range lists {
		if l.Status == storage.ListStatusRunning || l.Status == storage.ListStatusPaused {
			running++
			fmt.Fprintf(&b, "• %s %q %s: %d/%d done, %d failed\n",
				shortID(l.ID), l.Name, l.Status, l.CompletedTasks, l.TotalTasks, l.FailedTasks)
		}
	}
	if running == 0 {
		b.WriteString("No executions in progress.")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// HelpCommand lists the command table.
type HelpCommand struct{ router *Router }

func (c *HelpCommand) Name() string { return "help" }
func (c *HelpCommand) Help() string { return "/help - show available commands" }

func (c *HelpCommand) Execute(ctx context.Context, cctx *Context, args []string) (string, error) {
	return strings.Join(c.router.helpLines(), "\n"), nil
}
