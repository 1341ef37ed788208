package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/storage"
)

// Action is what the orchestrator should do with a failed task.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionEscalate Action = "escalate"
	ActionAbort    Action = "abort"
)

// Decision is the controller's verdict. Delay is set for retry,
// EscalationID for escalate.
type Decision struct {
	Action       Action
	Delay        time.Duration
	EscalationID string
	Class        storage.ErrorClass
	Reason       string
}

// Report is what a worker tells us about one failure.
type Report struct {
	AgentID     string
	Message     string
	ExitCode    int
	Stdout      string
	Stderr      string
	CurrentStep string
	FilePath    string
	Stack       string
}

// Publisher hands escalations to the external knowledge-analysis worker.
// Publishing is best-effort; the run never blocks on it.
type Publisher interface {
	PublishEscalation(ctx context.Context, esc *storage.Escalation) error
}

// Controller defaults.
const (
	DefaultMaxRetries         = 3
	DefaultEscalateAfter      = 3 // consecutive failures
	noProgressWindow          = 3 // identical recent messages
	backoffInitial            = 1 * time.Second
	backoffMultiplier         = 2.0
	backoffMax                = 30 * time.Second
	backoffRandomization      = 0.1
	escalationContextMaxTails = 2000 // bytes kept per stream tail
)

// Controller turns worker failures into retry/skip/escalate/abort decisions
// and keeps the per-task failure bookkeeping.
type Controller struct {
	store      storage.Store
	emitter    *events.Emitter
	publisher  Publisher
	logger     *slog.Logger
	maxRetries int
}

// NewController creates a failure controller. publisher may be nil when no
// external analysis worker is configured.
func NewController(store storage.Store, emitter *events.Emitter, publisher Publisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:      store,
		emitter:    emitter,
		publisher:  publisher,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
}

// SetMaxRetries overrides the retry ceiling, used by config.
func (c *Controller) SetMaxRetries(n int) {
	if n > 0 {
		c.maxRetries = n
	}
}

// Delay computes the backoff for a 1-based attempt number: 1s doubling to a
// 30s ceiling with ±10% jitter.
func Delay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.Multiplier = backoffMultiplier
	bo.MaxInterval = backoffMax
	bo.RandomizationFactor = backoffRandomization
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Decide records the failure and returns the orchestrator's next move.
//
// Order of checks: bookkeeping first (record + counters), then escalation
// triggers (consecutive failures, no progress, retries exhausted), then
// class-based retry or skip.
func (c *Controller) Decide(ctx context.Context, task *storage.Task, rep Report) Decision {
	cls := Classify(rep.Message, rep.ExitCode)
	attempt := task.RetryCount + 1

	record := &storage.FailureRecord{
		ID:          storage.NewID(),
		TaskID:      task.ID,
		AgentID:     rep.AgentID,
		Attempt:     attempt,
		Class:       cls.Class,
		Category:    cls.Category,
		Message:     rep.Message,
		Stdout:      tail(rep.Stdout, escalationContextMaxTails),
		Stderr:      tail(rep.Stderr, escalationContextMaxTails),
		CurrentStep: rep.CurrentStep,
		FilePath:    rep.FilePath,
		Stack:       rep.Stack,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.InsertFailure(ctx, record); err != nil {
		c.logger.Error("record failure", "task_id", task.ID, "error", err)
		return Decision{Action: ActionAbort, Class: cls.Class, Reason: "failure bookkeeping unavailable"}
	}

	consecutive, err := c.store.IncrementTaskCounter(ctx, task.ID, storage.CounterConsecutiveFailures, 1)
	if err != nil {
		c.logger.Error("increment consecutive failures", "task_id", task.ID, "error", err)
		return Decision{Action: ActionAbort, Class: cls.Class, Reason: "failure bookkeeping unavailable"}
	}

	task.LastErrorClass = string(cls.Class)
	task.LastErrorMessage = rep.Message
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Warn("stamp last error", "task_id", task.ID, "error", err)
	}

	c.logger.Info("task failure classified",
		"task_id", task.ID, "attempt", attempt, "class", cls.Class,
		"category", cls.Category, "consecutive", consecutive)

	// no-progress wins over the plain consecutive count when both trigger:
	// the repeated message is the more specific diagnosis
	if reason, stuck := c.noProgress(ctx, task.ID); stuck {
		return c.escalate(ctx, task, storage.ReasonNoProgress, reason, consecutive)
	}
	if consecutive >= DefaultEscalateAfter {
		return c.escalate(ctx, task, storage.ReasonRepeatedFail,
			fmt.Sprintf("%d consecutive failures", consecutive), consecutive)
	}

	if !cls.Retryable {
		return Decision{Action: ActionSkip, Class: cls.Class, Reason: "permanent error"}
	}
	if task.RetryCount >= c.maxRetries {
		return c.escalate(ctx, task, storage.ReasonMaxRetries,
			fmt.Sprintf("retry limit %d exhausted", c.maxRetries), consecutive)
	}

	return Decision{
		Action: ActionRetry,
		Delay:  Delay(attempt),
		Class:  cls.Class,
		Reason: fmt.Sprintf("%s error, attempt %d of %d", cls.Class, attempt, c.maxRetries+1),
	}
}

// RecordSuccess resets the consecutive-failure counter after a task
// completes.
func (c *Controller) RecordSuccess(ctx context.Context, taskID string) error {
	if err := c.store.ResetTaskCounter(ctx, taskID, storage.CounterConsecutiveFailures); err != nil {
		return fmt.Errorf("reset consecutive failures: %w", err)
	}
	return nil
}

// noProgress reports whether the three most recent failure records carry the
// same message.
func (c *Controller) noProgress(ctx context.Context, taskID string) (string, bool) {
	recent, err := c.store.RecentFailures(ctx, taskID, noProgressWindow)
	if err != nil {
		c.logger.Warn("recent failures lookup", "task_id", taskID, "error", err)
		return "", false
	}
	if len(recent) < noProgressWindow {
		return "", false
	}
	first := recent[0].Message
	for _, r := range recent[1:] {
		if r.Message != first {
			return "", false
		}
	}
	return fmt.Sprintf("No progress: same error repeated %d times", noProgressWindow), true
}

// escalationContext is the serialised failure context stored on the
// escalation row and shipped to the analysis worker.
type escalationContext struct {
	Attempt      int      `json:"attempt"`
	LastMessages []string `json:"last_messages"`
	CurrentStep  string   `json:"current_step,omitempty"`
	FilePath     string   `json:"file_path,omitempty"`
	Stdout       string   `json:"stdout,omitempty"`
	Stderr       string   `json:"stderr,omitempty"`
}

func (c *Controller) escalate(ctx context.Context, task *storage.Task, reason storage.EscalationReason, detail string, consecutive int) Decision {
	recent, err := c.store.RecentFailures(ctx, task.ID, noProgressWindow)
	if err != nil {
		c.logger.Warn("escalation context lookup", "task_id", task.ID, "error", err)
	}

	ec := escalationContext{Attempt: task.RetryCount + 1}
	for _, r := range recent {
		ec.LastMessages = append(ec.LastMessages, r.Message)
	}
	if len(recent) > 0 {
		ec.CurrentStep = recent[0].CurrentStep
		ec.FilePath = recent[0].FilePath
		ec.Stdout = recent[0].Stdout
		ec.Stderr = recent[0].Stderr
	}
	ctxJSON, err := json.Marshal(ec)
	if err != nil {
		ctxJSON = []byte("{}")
	}

	now := time.Now().UTC()
	esc := &storage.Escalation{
		ID:        storage.NewID(),
		TaskID:    task.ID,
		ListID:    task.ListID,
		Reason:    reason,
		Context:   string(ctxJSON),
		CreatedAt: now,
	}
	if err := c.store.InsertEscalation(ctx, esc); err != nil {
		c.logger.Error("persist escalation", "task_id", task.ID, "error", err)
		return Decision{Action: ActionAbort, Class: storage.ErrorClass(task.LastErrorClass), Reason: "escalation bookkeeping unavailable"}
	}

	task.Escalated = true
	task.EscalatedAt = &now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Warn("stamp escalation on task", "task_id", task.ID, "error", err)
	}

	if c.emitter != nil {
		c.emitter.Emit(events.BuildStuck, events.BuildStuckPayload{
			TaskID:              task.ID,
			TaskListID:          task.ListID,
			ConsecutiveFailures: consecutive,
			LastErrors:          ec.LastMessages,
			NoProgressReason:    detail,
			EscalationID:        esc.ID,
		})
	}

	if c.publisher != nil {
		if err := c.publisher.PublishEscalation(ctx, esc); err != nil {
			c.logger.Warn("publish escalation", "escalation_id", esc.ID, "error", err)
		}
	}

	c.logger.Warn("task escalated",
		"task_id", task.ID, "escalation_id", esc.ID, "reason", reason, "detail", detail)

	return Decision{
		Action:       ActionEscalate,
		EscalationID: esc.ID,
		Class:        storage.ErrorClass(task.LastErrorClass),
		Reason:       detail,
	}
}

// tail keeps the final n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
