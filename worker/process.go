package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// tail sizes for captured process output
const outputTailBytes = 4096

// ProcessRunner launches an external worker program per assignment. The
// program receives the task as JSON on stdin and environment variables for
// identifiers; its exit code and stderr drive failure classification. A
// final stdout line of the form `{"touched":[...]}` reports modified files.
type ProcessRunner struct {
	Command           string
	Args              []string
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewProcessRunner creates a runner for the given worker program.
func NewProcessRunner(command string, args []string, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{
		Command:           command,
		Args:              args,
		HeartbeatInterval: 15 * time.Second,
		Logger:            logger,
	}
}

// Run implements Runner.
func (r *ProcessRunner) Run(ctx context.Context, a Assignment) <-chan Event {
	out := make(chan Event, 8)
	go r.run(ctx, a, out)
	return out
}

// completionReport is the optional final stdout payload from the worker.
type completionReport struct {
	Touched []TouchedFile `json:"touched"`
}

func (r *ProcessRunner) run(ctx context.Context, a Assignment, out chan<- Event) {
	defer close(out)

	taskJSON, err := json.Marshal(a.Task)
	if err != nil {
		out <- Event{Kind: EventFailed, TaskID: a.Task.ID, AgentID: a.AgentID,
			Message: fmt.Sprintf("encode task: %v", err), ExitCode: 1}
		return
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = bytes.NewReader(taskJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(cmd.Environ(),
		"FOREMAN_TASK_ID="+a.Task.ID,
		"FOREMAN_AGENT_ID="+a.AgentID,
		"FOREMAN_EXECUTION_ID="+a.ExecutionID,
		fmt.Sprintf("FOREMAN_WAVE=%d", a.Wave),
	)

	if err := cmd.Start(); err != nil {
		out <- Event{Kind: EventFailed, TaskID: a.Task.ID, AgentID: a.AgentID,
			Message: fmt.Sprintf("start worker: %v", err), ExitCode: 1}
		return
	}

	out <- Event{Kind: EventStarted, TaskID: a.Task.ID, AgentID: a.AgentID}
	r.Logger.Debug("worker process started",
		"task_id", a.Task.ID, "agent_id", a.AgentID, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			out <- Event{Kind: EventHeartbeat, TaskID: a.Task.ID, AgentID: a.AgentID}
		case err := <-done:
			r.finish(a, err, stdout.Bytes(), stderr.Bytes(), ctx, out)
			return
		}
	}
}

func (r *ProcessRunner) finish(a Assignment, waitErr error, stdout, stderr []byte, ctx context.Context, out chan<- Event) {
	if waitErr == nil {
		ev := Event{Kind: EventCompleted, TaskID: a.Task.ID, AgentID: a.AgentID}
		if rep := parseReport(stdout); rep != nil {
			ev.Touched = rep.Touched
		}
		out <- ev
		return
	}

	exitCode := 1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
		if exitCode < 0 {
			// killed by signal; -1 from ExitCode, recover the conventional code
			exitCode = 128 + 9
		}
	}

	msg := waitErr.Error()
	if ctx.Err() != nil {
		msg = "cancelled: " + msg
	} else if s := lastLine(stderr); s != "" {
		msg = s
	}

	out <- Event{
		Kind:     EventFailed,
		TaskID:   a.Task.ID,
		AgentID:  a.AgentID,
		Message:  msg,
		ExitCode: exitCode,
		Stdout:   string(tailBytes(stdout, outputTailBytes)),
		Stderr:   string(tailBytes(stderr, outputTailBytes)),
	}
}

// parseReport extracts the completion report from the last stdout line.
func parseReport(stdout []byte) *completionReport {
	line := lastLine(stdout)
	if line == "" {
		return nil
	}
	var rep completionReport
	if err := json.Unmarshal([]byte(line), &rep); err != nil {
		return nil
	}
	return &rep
}

func lastLine(b []byte) string {
	b = bytes.TrimRight(b, "\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(bytes.TrimSpace(b))
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
