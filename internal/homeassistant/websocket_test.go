package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHAWebSocket runs the Home Assistant auth handshake and acks every
// subscribe_events command, counting them in subscribes.
func fakeHAWebSocket(t *testing.T, subscribes *atomic.Int32) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{"type": "auth_required"}); err != nil {
			return
		}
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "auth_ok"}); err != nil {
			return
		}

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "subscribe_events" {
				subscribes.Add(1)
				if err := conn.WriteJSON(map[string]any{
					"id":      msg["id"],
					"type":    "result",
					"success": true,
				}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSClient_ConnectAndSubscribe(t *testing.T) {
	var subscribes atomic.Int32
	srv := fakeHAWebSocket(t, &subscribes)

	c := NewWSClient(srv.URL, "token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatal(err)
	}
	if got := subscribes.Load(); got != 1 {
		t.Errorf("subscribe count = %d, want 1", got)
	}
}

// Reconnect must complete while subscriptions are tracked: the restore
// pass sends subscribe commands over the fresh connection, so it cannot
// run under the same lock the write path takes.
func TestWSClient_ReconnectRestoresSubscriptions(t *testing.T) {
	var subscribes atomic.Int32
	srv := fakeHAWebSocket(t, &subscribes)

	c := NewWSClient(srv.URL, "token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Reconnect(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Reconnect did not complete")
	}

	if got := subscribes.Load(); got != 2 {
		t.Errorf("subscribe count after reconnect = %d, want 2", got)
	}
}

// A second reconnect must still carry exactly one tracked subscription;
// the restore pass clears the list before re-adding.
func TestWSClient_ReconnectDoesNotDuplicateSubscriptions(t *testing.T) {
	var subscribes atomic.Int32
	srv := fakeHAWebSocket(t, &subscribes)

	c := NewWSClient(srv.URL, "token", nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Reconnect(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// 1 initial + 1 per reconnect.
	if got := subscribes.Load(); got != 3 {
		t.Errorf("subscribe count = %d, want 3", got)
	}
}

func TestWSClient_ConnectAuthInvalid(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "auth_required"})
		var auth map[string]any
		_ = conn.ReadJSON(&auth)
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid"})
	}))
	defer srv.Close()

	c := NewWSClient(srv.URL, "bad-token", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected authentication error")
	}
}
