package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foremanworks/foreman/chat"
	"github.com/foremanworks/foreman/events"
)

// subscription is one channel registered for a list's execution events.
type subscription struct {
	chatID  int64
	botType string
}

// subscriptions maps listId -> subscribed channel for the lifetime of a run.
type subscriptions struct {
	mu sync.Mutex
	m  map[string]subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{m: make(map[string]subscription)}
}

func (s *subscriptions) add(listID string, chatID int64, botType string) {
	s.mu.Lock()
	s.m[listID] = subscription{chatID: chatID, botType: botType}
	s.mu.Unlock()
}

func (s *subscriptions) remove(listID string) {
	s.mu.Lock()
	delete(s.m, listID)
	s.mu.Unlock()
}

func (s *subscriptions) get(listID string) (subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.m[listID]
	return sub, ok
}

// Notifier renders orchestrator events into chat messages for subscribed
// channels. It owns its emitter subscription.
type Notifier struct {
	dispatcher *chat.Dispatcher
	subs       *subscriptions
	logger     *slog.Logger

	sub    *events.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier wires a notifier onto the router's subscription registry.
func NewNotifier(emitter *events.Emitter, dispatcher *chat.Dispatcher, router *Router, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		dispatcher: dispatcher,
		subs:       router.Subscriptions(),
		logger:     logger,
		sub: emitter.Subscribe(0,
			events.ExecutionStarted,
			events.TaskCompleted,
			events.TaskFailed,
			events.BuildStuck,
			events.ExecutionCompleted,
			events.ExecutionFailed,
			events.AnalysisComplete,
		),
	}
}

// Start consumes events until Stop.
func (n *Notifier) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-n.sub.C:
				if !ok {
					return
				}
				n.render(runCtx, ev)
			}
		}
	}()
}

// Stop detaches from the emitter.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.sub.Close()
	n.wg.Wait()
}

// render formats one event for the list's subscribed channel. Events for
// lists nobody subscribed to are dropped.
func (n *Notifier) render(ctx context.Context, ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.ExecutionStartedPayload:
		n.send(ctx, p.TaskListID, "execution",
			fmt.Sprintf("🚀 Execution started: %d tasks across %d waves, up to %d agents.",
				p.TotalTasks, p.TotalWaves, p.MaxParallelAgents))

	case events.TaskPayload:
		switch ev.Name {
		case events.TaskCompleted:
			n.send(ctx, p.TaskListID, "task",
				fmt.Sprintf("✅ Task %s completed.", shortID(p.TaskID)))
		case events.TaskFailed:
			n.send(ctx, p.TaskListID, "task",
				fmt.Sprintf("❌ Task %s failed: %s", shortID(p.TaskID), truncate(p.Error, 300)))
		}

	case events.BuildStuckPayload:
		msg := fmt.Sprintf("🆘 Task %s is stuck after %d consecutive failures.\n%s\nEscalated for analysis (%s).",
			shortID(p.TaskID), p.ConsecutiveFailures, p.NoProgressReason, shortID(p.EscalationID))
		if len(p.LastErrors) > 0 {
			msg += "\nLast error: " + truncate(p.LastErrors[0], 300)
		}
		n.send(ctx, p.TaskListID, "escalation", msg)

	case events.ExecutionFinishedPayload:
		if ev.Name == events.ExecutionCompleted {
			n.send(ctx, p.TaskListID, "execution",
				fmt.Sprintf("🏁 Execution complete in %s: %d completed, %d failed.",
					p.Duration.Round(time.Second), p.Completed, p.Failed))
		} else {
			n.send(ctx, p.TaskListID, "execution",
				fmt.Sprintf("❌ Execution failed after %s: %d completed, %d failed. %s",
					p.Duration.Round(time.Second), p.Completed, p.Failed, p.Reason))
		}
		n.subs.remove(p.TaskListID)

	case events.AnalysisCompletePayload:
		// analysis results have no list key; route to every subscriber
		n.broadcast(ctx, "analysis",
			fmt.Sprintf("🔍 Analysis ready for task %s: %s",
				shortID(p.TaskID), truncate(p.Result, 500)))
	}
}

func (n *Notifier) send(ctx context.Context, listID, category, text string) {
	sub, ok := n.subs.get(listID)
	if !ok {
		return
	}
	n.dispatcher.SendWithRefs(ctx, sub.botType, sub.chatID, text,
		chat.SendOptions{}, chat.Refs{Category: category, ListID: listID})
}

func (n *Notifier) broadcast(ctx context.Context, category, text string) {
	n.subs.mu.Lock()
	targets := make(map[subscription]bool)
	for _, sub := range n.subs.m {
		targets[sub] = true
	}
	n.subs.mu.Unlock()
	for sub := range targets {
		n.dispatcher.SendWithRefs(ctx, sub.botType, sub.chatID, text,
			chat.SendOptions{}, chat.Refs{Category: category})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
