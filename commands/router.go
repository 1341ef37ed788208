// Package commands implements the chat command and approval loop. Slash
// commands are registered per-command; inline-button callbacks mediate
// destructive actions against the orchestrator.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/foremanworks/foreman/chat"
	"github.com/foremanworks/foreman/grouping"
	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/orchestrator"
	"github.com/foremanworks/foreman/planner"
	"github.com/foremanworks/foreman/storage"
)

// Deps bundles everything commands act on.
type Deps struct {
	Store        storage.Store
	Orchestrator *orchestrator.Orchestrator
	Grouping     *grouping.Engine
	Analyzer     *impact.Analyzer
	Planner      *planner.Planner
	Dispatcher   *chat.Dispatcher
	Logger       *slog.Logger

	// PrimaryUserID, when non-zero, restricts commands to that user.
	PrimaryUserID int64
	ProjectID     string
}

// Context carries per-invocation routing info to a command.
type Context struct {
	BotType string
	ChatID  int64
	UserID  int64
}

// Command is one slash command.
type Command interface {
	Name() string
	Help() string
	Execute(ctx context.Context, c *Context, args []string) (string, error)
}

// Router parses inbound messages, runs commands and replies on the
// originating channel. It also owns edit sessions and execution
// notification subscriptions.
type Router struct {
	deps     Deps
	logger   *slog.Logger
	commands map[string]Command

	mu    sync.Mutex
	edits map[int64]string // chatID -> taskID under /edit

	subs *subscriptions
}

// NewRouter builds the router with the full command table.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		deps:     deps,
		logger:   logger,
		commands: make(map[string]Command),
		edits:    make(map[int64]string),
		subs:     newSubscriptions(),
	}

	r.register(&NewTaskCommand{deps: deps})
	r.register(&EditCommand{router: r})
	r.register(&OverrideCommand{deps: deps})
	r.register(&QueueCommand{deps: deps})
	r.register(&SuggestCommand{deps: deps})
	r.register(&AcceptCommand{deps: deps})
	r.register(&RejectCommand{deps: deps})
	r.register(&ExecuteCommand{deps: deps, router: r})
	r.register(&PauseCommand{deps: deps})
	r.register(&ResumeCommand{deps: deps})
	r.register(&AgentsCommand{deps: deps})
	r.register(&StopCommand{deps: deps})
	r.register(&StatusCommand{deps: deps})
	r.register(&HelpCommand{router: r})

	if deps.Orchestrator != nil {
		deps.Orchestrator.SetApprovalExpiredHook(r.onApprovalExpired)
	}
	return r
}

func (r *Router) register(c Command) { r.commands[c.Name()] = c }

// Subscriptions exposes the notification registry for the renderer.
func (r *Router) Subscriptions() *subscriptions { return r.subs }

// HandleMessage implements chat.Handler.
func (r *Router) HandleMessage(ctx context.Context, botType string, chatID, userID int64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !r.authorized(userID) {
		r.logger.Warn("message from unauthorized user", "user_id", userID)
		return
	}

	cctx := &Context{BotType: botType, ChatID: chatID, UserID: userID}

	if !strings.HasPrefix(text, "/") {
		if reply, handled := r.handleEditField(ctx, cctx, text); handled {
			r.reply(ctx, cctx, reply)
		}
		return
	}

	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	// strip @botname suffixes from group chats
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	cmd, ok := r.commands[name]
	if !ok {
		r.reply(ctx, cctx, fmt.Sprintf("Unknown command /%s. Try /help.", name))
		return
	}

	reply, err := cmd.Execute(ctx, cctx, fields[1:])
	if err != nil {
		r.logger.Warn("command failed",
			"command", name, "chat_id", chatID, "error", err)
		r.reply(ctx, cctx, userError(err))
		return
	}
	if reply != "" {
		r.reply(ctx, cctx, reply)
	}
}

// HandleCallback implements chat.Handler for inline-button presses.
// Data shapes: execute:<id>:start|cancel, suggest:<id>:accept|reject.
func (r *Router) HandleCallback(ctx context.Context, botType string, chatID, userID int64, data string) {
	if !r.authorized(userID) {
		r.logger.Warn("callback from unauthorized user", "user_id", userID)
		return
	}
	cctx := &Context{BotType: botType, ChatID: chatID, UserID: userID}

	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		r.logger.Warn("malformed callback data", "data", data)
		return
	}
	kind, id, action := parts[0], parts[1], parts[2]

	switch kind {
	case "execute":
		r.handleExecuteCallback(ctx, cctx, id, action)
	case "suggest":
		r.handleSuggestCallback(ctx, cctx, id, action)
	default:
		r.logger.Warn("unknown callback kind", "data", data)
	}
}

func (r *Router) handleExecuteCallback(ctx context.Context, cctx *Context, listID, action string) {
	switch action {
	case "start":
		// subscribe this channel for the run's lifetime, then start
		r.subs.add(listID, cctx.ChatID, cctx.BotType)
		run, err := r.deps.Orchestrator.Approve(ctx, listID)
		if err != nil {
			r.subs.remove(listID)
			r.reply(ctx, cctx, userError(err))
			return
		}
		r.reply(ctx, cctx, fmt.Sprintf("🚀 Execution %s started.", shortID(run.ID)))
	case "cancel":
		if r.deps.Orchestrator.CancelApproval(listID) {
			r.reply(ctx, cctx, "Execution request cancelled.")
		} else {
			r.reply(ctx, cctx, "Nothing pending for that list.")
		}
	default:
		r.logger.Warn("unknown execute action", "action", action)
	}
}

func (r *Router) handleSuggestCallback(ctx context.Context, cctx *Context, suggestionID, action string) {
	switch action {
	case "accept":
		list, err := r.deps.Grouping.Accept(ctx, suggestionID)
		if err != nil {
			r.reply(ctx, cctx, userError(err))
			return
		}
		r.reply(ctx, cctx, fmt.Sprintf("✅ Created list %q (%s) with %d tasks.",
			list.Name, shortID(list.ID), list.TotalTasks))
	case "reject":
		if err := r.deps.Grouping.Reject(ctx, suggestionID); err != nil {
			r.reply(ctx, cctx, userError(err))
			return
		}
		r.reply(ctx, cctx, "Suggestion rejected.")
	default:
		r.logger.Warn("unknown suggest action", "action", action)
	}
}

// onApprovalExpired notifies the requesting channel that its approval timed
// out.
func (r *Router) onApprovalExpired(pa orchestrator.PendingApproval) {
	ctx := context.Background()
	r.deps.Dispatcher.Send(ctx, pa.BotType, pa.ChatID,
		fmt.Sprintf("⏰ Approval expired for list %s. Run /execute again to retry.", shortID(pa.ListID)),
		chat.SendOptions{})
}

func (r *Router) authorized(userID int64) bool {
	return r.deps.PrimaryUserID == 0 || userID == r.deps.PrimaryUserID
}

func (r *Router) reply(ctx context.Context, cctx *Context, text string) {
	r.deps.Dispatcher.Send(ctx, cctx.BotType, cctx.ChatID, text, chat.SendOptions{})
}

// beginEdit opens an edit session on a chat.
func (r *Router) beginEdit(chatID int64, taskID string) {
	r.mu.Lock()
	r.edits[chatID] = taskID
	r.mu.Unlock()
}

// handleEditField applies a "field: value" line to the chat's edit session.
func (r *Router) handleEditField(ctx context.Context, cctx *Context, text string) (string, bool) {
	r.mu.Lock()
	taskID, active := r.edits[cctx.ChatID]
	r.mu.Unlock()
	if !active {
		return "", false
	}

	idx := strings.Index(text, ":")
	if idx <= 0 {
		return "To edit, send `field: value` (title, description, category, effort, priority). Send /edit done to finish.", true
	}
	field := strings.ToLower(strings.TrimSpace(text[:idx]))
	value := strings.TrimSpace(text[idx+1:])

	task, err := r.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return userError(err), true
	}

	if err := applyField(task, field, value); err != nil {
		return userError(err), true
	}
	if err := r.deps.Store.UpdateTask(ctx, task); err != nil {
		return userError(err), true
	}
	if task.ListID != "" {
		r.deps.Planner.Invalidate(task.ListID)
	}
	return fmt.Sprintf("Updated %s on %s.", field, task.ShortID), true
}

// endEdit closes a chat's edit session.
func (r *Router) endEdit(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.edits[chatID]; !ok {
		return false
	}
	delete(r.edits, chatID)
	return true
}

// applyField mutates one editable task field.
func applyField(task *storage.Task, field, value string) error {
	switch field {
	case "title":
		if value == "" {
			return storage.NewValidation("title", "cannot be empty")
		}
		task.Title = value
	case "description":
		task.Description = value
	case "category":
		cat := storage.TaskCategory(strings.ToLower(value))
		if !cat.IsValid() {
			return storage.NewValidation("category", fmt.Sprintf("unknown category %q", value))
		}
		task.Category = cat
	case "effort":
		eff := storage.Effort(strings.ToLower(value))
		if !eff.IsValid() {
			return storage.NewValidation("effort", fmt.Sprintf("unknown effort %q", value))
		}
		task.Effort = eff
	case "priority":
		var p int
		if _, err := fmt.Sscanf(value, "%d", &p); err != nil {
			return storage.NewValidation("priority", "must be an integer")
		}
		task.Priority = p
	default:
		return storage.NewValidation("field", fmt.Sprintf("unknown field %q", field))
	}
	return nil
}

// userError renders an error for the originating channel.
func userError(err error) string {
	return "⚠️ " + err.Error()
}

// shortID trims a UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// helpLines renders the command table, sorted by name.
func (r *Router) helpLines() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, n := range names {
		lines = append(lines, r.commands[n].Help())
	}
	return lines
}
