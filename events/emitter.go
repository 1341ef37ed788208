// Package events provides the in-process event stream that couples the
// orchestrator to its observers (chat notifications, metrics). Delivery is
// fire-and-forget: each subscriber owns a bounded buffer and a slow consumer
// loses its oldest events rather than stalling the emitter.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the orchestrator.
const (
	ExecutionStarted   = "execution.started"
	AgentSpawned       = "agent.spawned"
	TaskStarted        = "task.started"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	BuildStuck         = "build.stuck"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	AnalysisComplete   = "sia.analysis_complete"
)

// Event is one emitted occurrence. Payload shape depends on the name.
type Event struct {
	Name    string
	Payload any
	At      time.Time
}

// Payload types per event name.

// ExecutionStartedPayload accompanies execution.started.
type ExecutionStartedPayload struct {
	TaskListID        string
	ExecutionID       string
	TotalTasks        int
	TotalWaves        int
	MaxParallelAgents int
}

// AgentSpawnedPayload accompanies agent.spawned.
type AgentSpawnedPayload struct {
	AgentID    string
	TaskListID string
	Wave       int
}

// TaskPayload accompanies task.started, task.completed and task.failed.
// Error is empty except on failure.
type TaskPayload struct {
	TaskID     string
	AgentID    string
	TaskListID string
	Error      string
}

// BuildStuckPayload accompanies build.stuck.
type BuildStuckPayload struct {
	TaskID              string
	TaskListID          string
	ConsecutiveFailures int
	LastErrors          []string // at most three, newest first
	NoProgressReason    string
	EscalationID        string
}

// ExecutionFinishedPayload accompanies execution.completed and
// execution.failed.
type ExecutionFinishedPayload struct {
	TaskListID  string
	ExecutionID string
	Completed   int
	Failed      int
	Duration    time.Duration
	Reason      string // set on failure
}

// AnalysisCompletePayload accompanies sia.analysis_complete.
type AnalysisCompletePayload struct {
	EscalationID string
	TaskID       string
	Result       string
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is one subscriber's view of the stream. Read from C; call
// Close when done.
type Subscription struct {
	C chan Event

	emitter *Emitter
	names   map[string]bool // nil means all names
	id      int
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.emitter.unsubscribe(s.id)
}

// Emitter fans events out to subscribers.
type Emitter struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	dropped int64
	closed  bool
}

// NewEmitter creates an emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger, subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer for the given event names; no names means
// every event. The returned channel has a bounded buffer.
func (e *Emitter) Subscribe(buffer int, names ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	var filter map[string]bool
	if len(names) > 0 {
		filter = make(map[string]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub := &Subscription{
		C:       make(chan Event, buffer),
		emitter: e,
		names:   filter,
		id:      e.nextID,
	}
	if !e.closed {
		e.subs[sub.id] = sub
	} else {
		close(sub.C)
	}
	return sub
}

func (e *Emitter) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(sub.C)
	}
}

// Emit delivers an event to every matching subscriber. When a subscriber's
// buffer is full the oldest buffered event is discarded to make room; Emit
// never blocks.
func (e *Emitter) Emit(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, sub := range e.subs {
		if sub.names != nil && !sub.names[name] {
			continue
		}
		for {
			select {
			case sub.C <- ev:
			default:
				select {
				case <-sub.C:
					e.dropped++
					e.logger.Debug("event buffer full, dropped oldest",
						"subscriber", sub.id, "event", name)
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped returns how many events have been discarded across subscribers.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close detaches all subscribers and closes their channels. Subsequent
// Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.C)
	}
}
