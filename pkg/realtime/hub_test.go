package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T, h *Hub, userID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, userID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, h *Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !h.Connected(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("user %s never registered", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubPushReachesConnectedUser(t *testing.T) {
	h := NewHub("", nil)
	srv := newHubServer(t, h, "client-1")
	conn := dial(t, srv)
	waitConnected(t, h, "client-1")

	h.Push("client-1", Event{Type: "notification", Data: map[string]string{"title": "New message"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "notification" {
		t.Fatalf("event type = %q, want notification", got.Type)
	}
}

func TestHubPushToOtherUserIsSilent(t *testing.T) {
	h := NewHub("", nil)
	srv := newHubServer(t, h, "client-1")
	conn := dial(t, srv)
	waitConnected(t, h, "client-1")

	h.Push("client-2", Event{Type: "notification"})

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no event for a different user")
	}
}

func TestHubDisconnectUnregisters(t *testing.T) {
	h := NewHub("", nil)
	srv := newHubServer(t, h, "client-1")
	conn := dial(t, srv)
	waitConnected(t, h, "client-1")

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Connected("client-1") {
		if time.Now().After(deadline) {
			t.Fatal("user still registered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Pushing to a gone user must not panic.
	h.Push("client-1", Event{Type: "notification"})
}

func TestHubMultipleTabsAllReceive(t *testing.T) {
	h := NewHub("", nil)
	srv := newHubServer(t, h, "client-1")
	first := dial(t, srv)
	second := dial(t, srv)
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.RLock()
		n := len(h.clients["client-1"])
		h.mu.RUnlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 connections, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Push("client-1", Event{Type: "message"})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := NewHub("https://app.example.com", nil)
	srv := newHubServer(t, h, "client-1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected upgrade to fail for foreign origin")
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}
