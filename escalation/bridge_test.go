package escalation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/storage"
)

func seedEscalation(t *testing.T, store storage.Store) *storage.Escalation {
	t.Helper()
	esc := &storage.Escalation{
		ID:        storage.NewID(),
		TaskID:    "t1",
		Reason:    storage.ReasonMaxRetries,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertEscalation(context.Background(), esc))
	return esc
}

func TestHandleAnalyzedRecordsResult(t *testing.T) {
	store := storage.NewMemory()
	emitter := events.NewEmitter(nil)
	defer emitter.Close()
	sub := emitter.Subscribe(4, events.AnalysisComplete)
	defer sub.Close()

	b := &Bridge{store: store, emitter: emitter, logger: slog.Default()}
	esc := seedEscalation(t, store)

	payload := `{"escalation_id":"` + esc.ID + `","task_id":"t1","result":"missing env var DATABASE_URL in the worker image"}`
	b.handleAnalyzed(context.Background(), []byte(payload))

	got, err := store.GetEscalation(context.Background(), esc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AnalyzedAt)
	assert.Contains(t, got.AnalysisResult, "DATABASE_URL")

	select {
	case ev := <-sub.C:
		p, ok := ev.Payload.(events.AnalysisCompletePayload)
		require.True(t, ok)
		assert.Equal(t, esc.ID, p.EscalationID)
		assert.Equal(t, "t1", p.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected analysis-complete event")
	}
}

func TestHandleAnalyzedRejectsBadInput(t *testing.T) {
	store := storage.NewMemory()
	emitter := events.NewEmitter(nil)
	defer emitter.Close()
	sub := emitter.Subscribe(4, events.AnalysisComplete)
	defer sub.Close()

	b := &Bridge{store: store, emitter: emitter, logger: slog.Default()}
	esc := seedEscalation(t, store)

	b.handleAnalyzed(context.Background(), []byte(`{not json`))
	b.handleAnalyzed(context.Background(), []byte(`{"task_id":"t1","result":"no id"}`))
	b.handleAnalyzed(context.Background(), []byte(`{"escalation_id":"ghost","result":"unknown id"}`))

	got, err := store.GetEscalation(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AnalyzedAt, "bad input must not mark anything analyzed")

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}
