package worker

import (
	"context"
	"sync"
	"time"
)

// Outcome scripts one attempt in a FakeRunner.
type Outcome struct {
	Fail     bool
	Message  string
	ExitCode int
	Touched  []TouchedFile
	Delay    time.Duration
}

// FakeRunner replays scripted outcomes per task, in order; once a task's
// script is exhausted the remaining attempts succeed. Used by orchestrator
// and end-to-end tests.
type FakeRunner struct {
	mu       sync.Mutex
	scripts  map[string][]Outcome
	attempts map[string]int
}

// NewFakeRunner creates an empty fake; all tasks succeed immediately.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts:  make(map[string][]Outcome),
		attempts: make(map[string]int),
	}
}

// Script sets the outcome sequence for a task.
func (f *FakeRunner) Script(taskID string, outcomes ...Outcome) {
	f.mu.Lock()
	f.scripts[taskID] = outcomes
	f.mu.Unlock()
}

// Attempts returns how many times a task has been run.
func (f *FakeRunner) Attempts(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[taskID]
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, a Assignment) <-chan Event {
	out := make(chan Event, 4)
	go func() {
		defer close(out)

		f.mu.Lock()
		n := f.attempts[a.Task.ID]
		f.attempts[a.Task.ID] = n + 1
		var oc Outcome
		if script := f.scripts[a.Task.ID]; n < len(script) {
			oc = script[n]
		}
		f.mu.Unlock()

		out <- Event{Kind: EventStarted, TaskID: a.Task.ID, AgentID: a.AgentID}

		if oc.Delay > 0 {
			select {
			case <-time.After(oc.Delay):
			case <-ctx.Done():
				out <- Event{Kind: EventFailed, TaskID: a.Task.ID, AgentID: a.AgentID,
					Message: "cancelled: " + ctx.Err().Error(), ExitCode: 1}
				return
			}
		}

		if oc.Fail {
			out <- Event{Kind: EventFailed, TaskID: a.Task.ID, AgentID: a.AgentID,
				Message: oc.Message, ExitCode: oc.ExitCode}
			return
		}
		out <- Event{Kind: EventCompleted, TaskID: a.Task.ID, AgentID: a.AgentID,
			Touched: oc.Touched}
	}()
	return out
}
