package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeAPI stands in for the Bot API server.
func fakeAPI(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"username":"testbot"}}`)
			return
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42}}`)
	}))
}

func newTestDispatcher(t *testing.T, calls *atomic.Int64) *Dispatcher {
	t.Helper()
	srv := fakeAPI(t, calls)
	t.Cleanup(srv.Close)

	trans := NewTransport(nil)
	trans.SetBase(srv.URL)

	registry := NewRegistry(trans, nil)
	registry.AddBot(BotSystem, "token-system")
	registry.AddBot(BotBuild, "token-build")

	return NewDispatcher(registry, trans, nil, nil)
}

func TestSendDelivers(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)

	if !d.Send(context.Background(), BotBuild, 100, "wave 1 started", SendOptions{}) {
		t.Fatal("expected delivery")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call, got %d", calls.Load())
	}
}

func TestSendFallsBackToSystemBot(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)

	// monitor bot is not configured; the send still goes out via system
	if !d.Send(context.Background(), BotMonitor, 100, "agents idle", SendOptions{}) {
		t.Fatal("expected fallback delivery")
	}
}

func TestSendNoBots(t *testing.T) {
	trans := NewTransport(nil)
	registry := NewRegistry(trans, nil)
	d := NewDispatcher(registry, trans, nil, nil)

	if d.Send(context.Background(), BotBuild, 100, "hello", SendOptions{}) {
		t.Error("expected drop with no bots configured")
	}
}

func TestSendSuppressesDuplicates(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)
	ctx := context.Background()

	if !d.Send(ctx, BotSystem, 100, "task t1 failed: timeout", SendOptions{}) {
		t.Fatal("first send should deliver")
	}
	if d.Send(ctx, BotSystem, 100, "task t1 failed: timeout", SendOptions{}) {
		t.Error("identical text within the window should be suppressed")
	}

	dup, rate := d.Suppressed()
	if dup != 1 || rate != 0 {
		t.Errorf("expected (1,0) suppressed, got (%d,%d)", dup, rate)
	}
	if calls.Load() != 1 {
		t.Errorf("suppressed send must not hit the API, got %d calls", calls.Load())
	}

	// a different chat id is a different dedup key
	if !d.Send(ctx, BotSystem, 200, "task t1 failed: timeout", SendOptions{}) {
		t.Error("other chats should not be affected")
	}
}

func TestSendDedupKeyIsPrefix(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)
	ctx := context.Background()

	long := strings.Repeat("x", dedupPrefixLen)
	if !d.Send(ctx, BotSystem, 100, long+" first tail", SendOptions{}) {
		t.Fatal("first send should deliver")
	}
	// same 100-char prefix, different tail: still a duplicate
	if d.Send(ctx, BotSystem, 100, long+" second tail", SendOptions{}) {
		t.Error("same prefix should be treated as duplicate")
	}
}

func TestSendRateLimit(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)
	d.SetMessagesPerMinute(3)
	ctx := context.Background()

	delivered := 0
	for i := range 5 {
		if d.Send(ctx, BotSystem, 100, fmt.Sprintf("distinct message %d", i), SendOptions{}) {
			delivered++
		}
	}
	if delivered != 3 {
		t.Errorf("expected 3 delivered, got %d", delivered)
	}
	_, rate := d.Suppressed()
	if rate != 2 {
		t.Errorf("expected 2 rate-suppressed, got %d", rate)
	}
}

func TestChunkShortTextUntouched(t *testing.T) {
	parts := Chunk("hello", 4000)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("short text must pass through, got %v", parts)
	}

	exactly := strings.Repeat("a", 4000)
	parts = Chunk(exactly, 4000)
	if len(parts) != 1 {
		t.Errorf("text at the limit must not split, got %d parts", len(parts))
	}
}

func TestChunkSplitsLongText(t *testing.T) {
	text := strings.Repeat("a", 4001)
	parts := Chunk(text, 4000)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if !strings.HasPrefix(parts[0], "[1/2] ") {
		t.Errorf("expected [1/2] prefix, got %q", parts[0][:12])
	}
	if !strings.HasPrefix(parts[1], "[2/2] ") {
		t.Errorf("expected [2/2] prefix, got %q", parts[1][:12])
	}
	for i, p := range parts {
		if len(p) > 4000 {
			t.Errorf("part %d exceeds the limit: %d chars", i+1, len(p))
		}
	}
}

func TestChunkBreaksOnNewline(t *testing.T) {
	// a newline in the second half of the window should become the cut point
	line := strings.Repeat("b", 3000) + "\n"
	text := line + strings.Repeat("c", 2000)
	parts := Chunk(text, 4000)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	body := strings.TrimPrefix(parts[0], "[1/2] ")
	if strings.ContainsRune(body, 'c') {
		t.Error("first chunk should end at the newline boundary")
	}
}

func TestChunkedSendDeliversAllParts(t *testing.T) {
	var calls atomic.Int64
	d := newTestDispatcher(t, &calls)

	text := strings.Repeat("line of output\n", 600) // ~9000 chars
	if !d.Send(context.Background(), BotSystem, 100, text, SendOptions{}) {
		t.Fatal("expected delivery")
	}
	if calls.Load() < 2 {
		t.Errorf("expected multiple chunk sends, got %d", calls.Load())
	}
}
