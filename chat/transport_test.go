package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLongPollClientHasNoGlobalTimeout(t *testing.T) {
	trans := NewTransport(nil)

	if trans.client.Timeout != transportTimeout {
		t.Errorf("send client timeout = %s, want %s", trans.client.Timeout, transportTimeout)
	}
	// an idle long poll sits on the wire for the whole poll window; the
	// per-call context deadline bounds it instead of the client timeout
	if trans.pollClient.Timeout != 0 {
		t.Errorf("poll client timeout = %s, want none", trans.pollClient.Timeout)
	}
}

func TestGetUpdatesSurvivesIdlePoll(t *testing.T) {
	var gotTimeout float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotTimeout, _ = body["timeout"].(float64)
		// hold the request beyond the send client's budget before answering
		time.Sleep(120 * time.Millisecond)
		fmt.Fprint(w, `{"ok":true,"result":[{"update_id":3,"message":{"message_id":1,"text":"hi","chat":{"id":100}}}]}`)
	}))
	defer srv.Close()

	trans := NewTransport(nil)
	trans.SetBase(srv.URL)
	trans.client.Timeout = 50 * time.Millisecond

	updates, err := trans.GetUpdates(context.Background(), "token", 0, 30)
	if err != nil {
		t.Fatalf("long poll must not inherit the send timeout: %v", err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 3 {
		t.Fatalf("unexpected updates %+v", updates)
	}
	if gotTimeout != 30 {
		t.Errorf("poll window sent = %v, want 30", gotTimeout)
	}
}

func TestGetUpdatesHonoursCallerContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	trans := NewTransport(nil)
	trans.SetBase(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := trans.GetUpdates(ctx, "token", 0, 30); err == nil {
		t.Fatal("expected context deadline to cancel the poll")
	}
}
