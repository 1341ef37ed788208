package storage

import (
	"context"
	"time"
)

// TaskCounter names a task column eligible for atomic increments. Counters
// are incremented server-side so concurrent orchestrator ticks never race a
// read-modify-write.
type TaskCounter string

const (
	CounterRetry               TaskCounter = "retry_count"
	CounterConsecutiveFailures TaskCounter = "consecutive_failures"
)

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	ListID          string
	ProjectID       string
	Status          TaskStatus
	EvaluationQueue bool // only tasks with no list
	Limit           int
	Offset          int
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	ExecutionID string
	ActiveOnly  bool // excludes terminated agents
}

// Guard is a held single-writer advisory lock. Release is idempotent.
type Guard interface {
	Release(ctx context.Context) error
}

// Store is the persistence contract the core depends on. Every mutating
// operation is idempotent given the same row key; constraint violations
// surface as ErrConflict.
type Store interface {
	TaskStore
	ListStore
	ImpactStore
	RelationshipStore
	ExecutionStore
	AgentStore
	FailureStore
	EscalationStore
	SuggestionStore
	ChatLogStore

	// AcquireGuard takes the advisory single-writer lock for the given key
	// (a list or execution id). It returns ErrConflict without blocking when
	// another holder owns the key.
	AcquireGuard(ctx context.Context, key string) (Guard, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}

// TaskStore persists tasks.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	// IncrementTaskCounter atomically adds delta to the named counter and
	// returns the new value.
	IncrementTaskCounter(ctx context.Context, id string, c TaskCounter, delta int) (int, error)
	// ResetTaskCounter atomically zeroes the named counter.
	ResetTaskCounter(ctx context.Context, id string, c TaskCounter) error
}

// ListStore persists task lists.
type ListStore interface {
	GetList(ctx context.Context, id string) (*TaskList, error)
	ListLists(ctx context.Context, projectID string) ([]*TaskList, error)
	InsertList(ctx context.Context, l *TaskList) error
	UpdateList(ctx context.Context, l *TaskList) error
	// IncrementListCounters atomically bumps completed/failed task counts.
	IncrementListCounters(ctx context.Context, id string, completedDelta, failedDelta int) error
}

// ImpactStore persists predicted file impacts and learned patterns.
type ImpactStore interface {
	ListImpactsByTask(ctx context.Context, taskID string) ([]*FileImpact, error)
	// UpsertImpact inserts or replaces the impact keyed by
	// (task_id, path, operation).
	UpsertImpact(ctx context.Context, fi *FileImpact) error
	DeleteImpact(ctx context.Context, taskID, path string, op ImpactOperation) error
	MarkImpactAccuracy(ctx context.Context, id string, accurate bool) error

	ListPatterns(ctx context.Context, category TaskCategory) ([]*ImpactPattern, error)
	UpsertPattern(ctx context.Context, p *ImpactPattern) error
}

// RelationshipStore persists directed task relationships. InsertRelationship
// rejects edges that would close a depends_on cycle.
type RelationshipStore interface {
	InsertRelationship(ctx context.Context, r *TaskRelationship) error
	ListRelationshipsForTasks(ctx context.Context, taskIDs []string) ([]*TaskRelationship, error)
	DeleteRelationship(ctx context.Context, id string) error
}

// ExecutionStore persists execution runs and their waves.
type ExecutionStore interface {
	// InsertExecution creates a run; it returns ErrConflict when the list
	// already has a non-terminal run.
	InsertExecution(ctx context.Context, e *ExecutionRun) error
	GetExecution(ctx context.Context, id string) (*ExecutionRun, error)
	GetActiveExecution(ctx context.Context, listID string) (*ExecutionRun, error)
	UpdateExecution(ctx context.Context, e *ExecutionRun) error
	IncrementExecutionCounters(ctx context.Context, id string, completedDelta, failedDelta int) error

	InsertWaves(ctx context.Context, waves []*Wave) error
	ListWaves(ctx context.Context, executionID string) ([]*Wave, error)
	UpdateWaveStatus(ctx context.Context, id string, status WaveStatus) error
}

// AgentStore persists agent instances.
type AgentStore interface {
	InsertAgent(ctx context.Context, a *AgentInstance) error
	GetAgent(ctx context.Context, id string) (*AgentInstance, error)
	UpdateAgent(ctx context.Context, a *AgentInstance) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*AgentInstance, error)
	TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error
}

// FailureStore appends failure records.
type FailureStore interface {
	InsertFailure(ctx context.Context, fr *FailureRecord) error
	// RecentFailures returns the newest records first, at most limit.
	RecentFailures(ctx context.Context, taskID string, limit int) ([]*FailureRecord, error)
}

// EscalationStore persists escalations.
type EscalationStore interface {
	InsertEscalation(ctx context.Context, e *Escalation) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	MarkEscalationAnalyzed(ctx context.Context, id string, result string, at time.Time) error
}

// SuggestionStore persists grouping suggestions.
type SuggestionStore interface {
	InsertSuggestion(ctx context.Context, s *GroupingSuggestion) error
	GetSuggestion(ctx context.Context, id string) (*GroupingSuggestion, error)
	ListSuggestions(ctx context.Context, status SuggestionStatus) ([]*GroupingSuggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error
	// ExpireSuggestions flips pending suggestions past their expiry to
	// expired and returns how many changed.
	ExpireSuggestions(ctx context.Context, now time.Time) (int, error)
}

// ChatLogStore appends outbound chat messages.
type ChatLogStore interface {
	InsertChatMessage(ctx context.Context, m *ChatMessage) error
}
