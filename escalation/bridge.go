// Package escalation bridges the failure controller to the external
// knowledge-analysis worker over NATS. Escalations are published on
// foreman.escalation.created; analysis results arrive back on
// foreman.escalation.analyzed and are folded into the store and the event
// stream. The bridge is best-effort: a down broker never stalls a run.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/storage"
)

// NATS subjects for the escalation hand-off.
const (
	SubjectCreated  = "foreman.escalation.created"
	SubjectAnalyzed = "foreman.escalation.analyzed"
)

// AnalysisResult is the inbound message shape on SubjectAnalyzed.
type AnalysisResult struct {
	EscalationID string `json:"escalation_id"`
	TaskID       string `json:"task_id"`
	Result       string `json:"result"`
}

// Bridge owns the NATS connection for the escalation round-trip.
type Bridge struct {
	nc      *nats.Conn
	store   storage.EscalationStore
	emitter *events.Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	running bool
}

// New connects to the broker. An empty URL uses the NATS default.
func New(url string, store storage.EscalationStore, emitter *events.Emitter, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("foreman-escalation"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Bridge{nc: nc, store: store, emitter: emitter, logger: logger}, nil
}

// Start subscribes to analysis results.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("escalation bridge already running")
	}

	sub, err := b.nc.Subscribe(SubjectAnalyzed, func(msg *nats.Msg) {
		b.handleAnalyzed(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectAnalyzed, err)
	}
	b.sub = sub
	b.running = true
	b.logger.Info("escalation bridge started", "subject", SubjectAnalyzed)
	return nil
}

// Stop drains the subscription and closes the connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn("drain escalation subscription", "error", err)
		}
	}
	b.nc.Drain()
	b.nc.Close()
	b.running = false
	b.logger.Info("escalation bridge stopped")
}

// PublishEscalation ships an escalation to the analysis worker. Implements
// failure.Publisher.
func (b *Bridge) PublishEscalation(ctx context.Context, esc *storage.Escalation) error {
	data, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	if err := b.nc.Publish(SubjectCreated, data); err != nil {
		return fmt.Errorf("publish escalation: %w", err)
	}
	b.logger.Debug("escalation published",
		"escalation_id", esc.ID, "task_id", esc.TaskID, "reason", esc.Reason)
	return nil
}

func (b *Bridge) handleAnalyzed(ctx context.Context, data []byte) {
	var res AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		b.logger.Warn("malformed analysis result", "error", err)
		return
	}
	if res.EscalationID == "" {
		b.logger.Warn("analysis result without escalation id")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := b.store.MarkEscalationAnalyzed(opCtx, res.EscalationID, res.Result, time.Now().UTC()); err != nil {
		b.logger.Error("record analysis result",
			"escalation_id", res.EscalationID, "error", err)
		return
	}

	if b.emitter != nil {
		b.emitter.Emit(events.AnalysisComplete, events.AnalysisCompletePayload{
			EscalationID: res.EscalationID,
			TaskID:       res.TaskID,
			Result:       res.Result,
		})
	}
	b.logger.Info("escalation analyzed", "escalation_id", res.EscalationID)
}
