// Package worker defines the contract between the orchestrator and the
// processes that carry out tasks, plus a process-backed runner. A runner
// streams structured events back on a channel; when the channel is full the
// worker blocks rather than losing events.
package worker

import (
	"context"

	"github.com/foremanworks/foreman/storage"
)

// Assignment is one task handed to one agent.
type Assignment struct {
	Task        *storage.Task
	AgentID     string
	AgentType   string
	ExecutionID string
	ListID      string
	Wave        int
}

// EventKind discriminates worker events.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventHeartbeat EventKind = "heartbeat"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// TouchedFile is an actually-modified path reported on completion, fed back
// into impact learning.
type TouchedFile struct {
	Path      string                  `json:"path"`
	Operation storage.ImpactOperation `json:"operation"`
}

// Event is one occurrence in a task's run.
type Event struct {
	Kind    EventKind
	TaskID  string
	AgentID string

	// failure details
	Message     string
	ExitCode    int
	Stdout      string
	Stderr      string
	CurrentStep string
	FilePath    string

	// completion details
	Touched []TouchedFile
}

// Runner executes one assignment and streams events until a terminal
// completed or failed event, after which the channel is closed. Cancelling
// the context stops the work and yields a failed event.
type Runner interface {
	Run(ctx context.Context, a Assignment) <-chan Event
}
