// Package storage provides the persistence contract for foreman entities.
// The core consumes the Store interface; Postgres is the production
// implementation and Memory backs tests and degraded operation.
package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusEscalated TaskStatus = "escalated"
)

// IsValid reports whether the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusSkipped, TaskStatusEscalated:
		return true
	}
	return false
}

// IsTerminal reports whether a task in this status is done for the current run.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusEscalated:
		return true
	}
	return false
}

// TaskCategory classifies the kind of work a task represents.
type TaskCategory string

const (
	CategoryFeature        TaskCategory = "feature"
	CategoryBug            TaskCategory = "bug"
	CategoryTask           TaskCategory = "task"
	CategoryDocumentation  TaskCategory = "documentation"
	CategoryTest           TaskCategory = "test"
	CategoryInfrastructure TaskCategory = "infrastructure"
	CategoryRefactor       TaskCategory = "refactor"
)

// IsValid reports whether the category is recognised.
func (c TaskCategory) IsValid() bool {
	switch c {
	case CategoryFeature, CategoryBug, CategoryTask, CategoryDocumentation,
		CategoryTest, CategoryInfrastructure, CategoryRefactor:
		return true
	}
	return false
}

// Effort is a coarse size estimate for a task.
type Effort string

const (
	EffortTrivial Effort = "trivial"
	EffortSmall   Effort = "small"
	EffortMedium  Effort = "medium"
	EffortLarge   Effort = "large"
	EffortEpic    Effort = "epic"
)

// IsValid reports whether the effort is recognised.
func (e Effort) IsValid() bool {
	switch e {
	case EffortTrivial, EffortSmall, EffortMedium, EffortLarge, EffortEpic:
		return true
	}
	return false
}

// Rank returns a comparable ordering for effort (trivial first). Unknown
// efforts sort last so they never win a planner tie-break.
func (e Effort) Rank() int {
	switch e {
	case EffortTrivial:
		return 0
	case EffortSmall:
		return 1
	case EffortMedium:
		return 2
	case EffortLarge:
		return 3
	case EffortEpic:
		return 4
	}
	return 5
}

// Task is the unit of work. A task with an empty ListID sits in the
// evaluation queue; WavePosition is only set while the task is in a list.
type Task struct {
	ID                  string       `db:"id" json:"id"`
	ShortID             string       `db:"short_id" json:"short_id"`
	Title               string       `db:"title" json:"title"`
	Description         string       `db:"description" json:"description"`
	Category            TaskCategory `db:"category" json:"category"`
	Effort              Effort       `db:"effort" json:"effort"`
	Priority            int          `db:"priority" json:"priority"`
	Status              TaskStatus   `db:"status" json:"status"`
	ListID              string       `db:"list_id" json:"list_id,omitempty"`
	WavePosition        *int         `db:"wave_position" json:"wave_position,omitempty"`
	RetryCount          int          `db:"retry_count" json:"retry_count"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutive_failures"`
	LastErrorClass      string       `db:"last_error_class" json:"last_error_class,omitempty"`
	LastErrorMessage    string       `db:"last_error_message" json:"last_error_message,omitempty"`
	Components          pq.StringArray `db:"components" json:"components,omitempty"`
	Escalated           bool         `db:"escalated" json:"escalated"`
	EscalatedAt         *time.Time   `db:"escalated_at" json:"escalated_at,omitempty"`
	ProjectID           string       `db:"project_id" json:"project_id"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updated_at"`
}

// InEvaluationQueue reports whether the task has not yet been placed in a list.
func (t *Task) InEvaluationQueue() bool { return t.ListID == "" }

// ListStatus represents the lifecycle state of a task list.
type ListStatus string

const (
	ListStatusDraft     ListStatus = "draft"
	ListStatusReady     ListStatus = "ready"
	ListStatusRunning   ListStatus = "running"
	ListStatusPaused    ListStatus = "paused"
	ListStatusCompleted ListStatus = "completed"
	ListStatusFailed    ListStatus = "failed"
)

// TaskList is an ordered bag of tasks ready for execution.
type TaskList struct {
	ID                string     `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	ProjectID         string     `db:"project_id" json:"project_id"`
	Status            ListStatus `db:"status" json:"status"`
	TotalTasks        int        `db:"total_tasks" json:"total_tasks"`
	CompletedTasks    int        `db:"completed_tasks" json:"completed_tasks"`
	FailedTasks       int        `db:"failed_tasks" json:"failed_tasks"`
	MaxParallelAgents int        `db:"max_parallel_agents" json:"max_parallel_agents"`
	WaveCount         int        `db:"wave_count" json:"wave_count"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// ImpactOperation is the kind of touch a task is predicted to make on a path.
type ImpactOperation string

const (
	OpCreate ImpactOperation = "CREATE"
	OpUpdate ImpactOperation = "UPDATE"
	OpDelete ImpactOperation = "DELETE"
	OpRead   ImpactOperation = "READ"
)

// IsWrite reports whether the operation mutates the path.
func (op ImpactOperation) IsWrite() bool { return op != OpRead }

// ImpactSource tags where a predicted impact came from. Higher priority
// sources win when merging duplicate (path, operation) predictions.
type ImpactSource string

const (
	SourceUserDeclared ImpactSource = "user_declared"
	SourceValidated    ImpactSource = "validated"
	SourceAIEstimate   ImpactSource = "ai_estimate"
	SourcePatternMatch ImpactSource = "pattern_match"
)

// Priority returns the merge precedence of the source (higher wins).
func (s ImpactSource) Priority() int {
	switch s {
	case SourceUserDeclared:
		return 3
	case SourceValidated:
		return 2
	case SourceAIEstimate:
		return 1
	case SourcePatternMatch:
		return 0
	}
	return -1
}

// FileImpact is a predicted (path, operation) touch for a task. Unique on
// (task_id, path, operation).
type FileImpact struct {
	ID         string          `db:"id" json:"id"`
	TaskID     string          `db:"task_id" json:"task_id"`
	Path       string          `db:"path" json:"path"`
	Operation  ImpactOperation `db:"operation" json:"operation"`
	Confidence float64         `db:"confidence" json:"confidence"`
	Source     ImpactSource    `db:"source" json:"source"`
	Accurate   *bool           `db:"accurate" json:"accurate,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ImpactPattern is a learned (category, glob, operation) prediction pattern
// with a running accuracy average.
type ImpactPattern struct {
	ID        string          `db:"id" json:"id"`
	Category  TaskCategory    `db:"category" json:"category"`
	PathGlob  string          `db:"path_glob" json:"path_glob"`
	Operation ImpactOperation `db:"operation" json:"operation"`
	Accuracy  float64         `db:"accuracy" json:"accuracy"`
	Matches   int             `db:"matches" json:"matches"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// RelationshipType describes a directed task relationship. Only depends_on
// participates in planning.
type RelationshipType string

const (
	RelDependsOn RelationshipType = "depends_on"
	RelRelatesTo RelationshipType = "relates_to"
	RelBlocks    RelationshipType = "blocks"
)

// TaskRelationship is a directed edge from source task to target task.
type TaskRelationship struct {
	ID           string           `db:"id" json:"id"`
	SourceTaskID string           `db:"source_task_id" json:"source_task_id"`
	TargetTaskID string           `db:"target_task_id" json:"target_task_id"`
	Type         RelationshipType `db:"type" json:"type"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

// WaveStatus represents the state of a planned wave.
type WaveStatus string

const (
	WaveStatusPending   WaveStatus = "pending"
	WaveStatusRunning   WaveStatus = "running"
	WaveStatusCompleted WaveStatus = "completed"
	WaveStatusFailed    WaveStatus = "failed"
)

// Wave is a planner artifact: a set of mutually parallelisable tasks.
// Numbers are 1-based and ordered within an execution.
type Wave struct {
	ID                string     `db:"id" json:"id"`
	ExecutionID       string     `db:"execution_id" json:"execution_id"`
	Number            int        `db:"number" json:"number"`
	TaskIDs           []string   `db:"-" json:"task_ids"`
	MaxParallelAgents int        `db:"max_parallel_agents" json:"max_parallel_agents"`
	Status            WaveStatus `db:"status" json:"status"`
}

// ExecutionStatus represents the state machine of an execution run.
type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "created"
	ExecutionPlanning  ExecutionStatus = "planning"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer make progress.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ExecutionRun is one attempt to drain a list's waves. At most one
// non-terminal run exists per list; the store enforces this.
type ExecutionRun struct {
	ID             string          `db:"id" json:"id"`
	ListID         string          `db:"list_id" json:"list_id"`
	RunNumber      int             `db:"run_number" json:"run_number"`
	Status         ExecutionStatus `db:"status" json:"status"`
	TotalTasks     int             `db:"total_tasks" json:"total_tasks"`
	CompletedTasks int             `db:"completed_tasks" json:"completed_tasks"`
	FailedTasks    int             `db:"failed_tasks" json:"failed_tasks"`
	StartedAt      time.Time       `db:"started_at" json:"started_at"`
	EndedAt        *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
}

// AgentStatus represents the state of a worker agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentBlocked    AgentStatus = "blocked"
	AgentTerminated AgentStatus = "terminated"
)

// AgentInstance is an active worker owned by the orchestrator.
type AgentInstance struct {
	ID             string      `db:"id" json:"id"`
	Type           string      `db:"type" json:"type"`
	ExecutionID    string      `db:"execution_id" json:"execution_id"`
	CurrentWave    int         `db:"current_wave" json:"current_wave"`
	CurrentTaskID  *string     `db:"current_task_id" json:"current_task_id,omitempty"`
	Status         AgentStatus `db:"status" json:"status"`
	LastHeartbeat  time.Time   `db:"last_heartbeat" json:"last_heartbeat"`
	TasksCompleted int         `db:"tasks_completed" json:"tasks_completed"`
	TasksFailed    int         `db:"tasks_failed" json:"tasks_failed"`
}

// ErrorClass is the retryability classification of a failure.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

// ErrorCategory tags a failure for analytics. It does not affect retryability.
type ErrorCategory string

const (
	CatNetwork     ErrorCategory = "network"
	CatValidation  ErrorCategory = "validation"
	CatCompilation ErrorCategory = "compilation"
	CatTest        ErrorCategory = "test"
	CatFilesystem  ErrorCategory = "filesystem"
	CatDatabase    ErrorCategory = "database"
	CatTimeout     ErrorCategory = "timeout"
	CatMemory      ErrorCategory = "memory"
	CatProcess     ErrorCategory = "process"
	CatGeneral     ErrorCategory = "general"
)

// FailureRecord is an append-only record of one task failure.
type FailureRecord struct {
	ID          string        `db:"id" json:"id"`
	TaskID      string        `db:"task_id" json:"task_id"`
	AgentID     string        `db:"agent_id" json:"agent_id"`
	Attempt     int           `db:"attempt" json:"attempt"`
	Class       ErrorClass    `db:"class" json:"class"`
	Category    ErrorCategory `db:"category" json:"category"`
	Message     string        `db:"message" json:"message"`
	Stdout      string        `db:"stdout" json:"stdout,omitempty"`
	Stderr      string        `db:"stderr" json:"stderr,omitempty"`
	CurrentStep string        `db:"current_step" json:"current_step,omitempty"`
	FilePath    string        `db:"file_path" json:"file_path,omitempty"`
	Stack       string        `db:"stack" json:"stack,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// EscalationReason codes why a task was escalated.
type EscalationReason string

const (
	ReasonMaxRetries     EscalationReason = "max_retries_exceeded"
	ReasonNoProgress     EscalationReason = "no_progress"
	ReasonRepeatedFail   EscalationReason = "repeated_failure"
	ReasonPermanentError EscalationReason = "permanent_error"
)

// Escalation promotes a stuck task to the offline knowledge-analysis worker.
type Escalation struct {
	ID             string           `db:"id" json:"id"`
	TaskID         string           `db:"task_id" json:"task_id"`
	ListID         string           `db:"list_id" json:"list_id"`
	Reason         EscalationReason `db:"reason" json:"reason"`
	Context        string           `db:"context" json:"context"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	AnalyzedAt     *time.Time       `db:"analyzed_at" json:"analyzed_at,omitempty"`
	AnalysisResult string           `db:"analysis_result" json:"analysis_result,omitempty"`
}

// SuggestionStatus represents the lifecycle of a grouping suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionExpired  SuggestionStatus = "expired"
)

// GroupingSuggestion is a proposed task list. Never applied without
// explicit user acceptance.
type GroupingSuggestion struct {
	ID           string           `db:"id" json:"id"`
	Status       SuggestionStatus `db:"status" json:"status"`
	TaskIDs      []string         `db:"-" json:"task_ids"`
	ProposedName string           `db:"proposed_name" json:"proposed_name"`
	Reasons      []string         `db:"-" json:"reasons"`
	Score        float64          `db:"score" json:"score"`
	ExpiresAt    time.Time        `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

// ChatMessage is an append-only log row for an outbound chat message.
type ChatMessage struct {
	ID                string    `db:"id" json:"id"`
	BotType           string    `db:"bot_type" json:"bot_type"`
	ChatID            int64     `db:"chat_id" json:"chat_id"`
	Category          string    `db:"category" json:"category"`
	Text              string    `db:"text" json:"text"`
	TaskID            *string   `db:"task_id" json:"task_id,omitempty"`
	ListID            *string   `db:"list_id" json:"list_id,omitempty"`
	AgentID           *string   `db:"agent_id" json:"agent_id,omitempty"`
	UpstreamMessageID *int64    `db:"upstream_message_id" json:"upstream_message_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// NewID returns a fresh entity identifier.
func NewID() string { return uuid.New().String() }
