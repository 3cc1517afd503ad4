package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docsync/internal/logging"
	"docsync/internal/model"
)

func startFeed(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, func(*http.Request) (any, error) {
		return map[string]string{"t1/docs": "idle"}, nil
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/sync"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsTaskEvents(t *testing.T) {
	hub, server := startFeed(t)
	conn := dial(t, server)
	waitForClients(t, hub, 1)

	hub.TaskFinished(context.Background(), model.TaskEvent{
		Kind: model.TaskSync, TenantID: "t1", RunID: "run-1", Processed: 3, ChunksCreated: 9,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %q: %v", data, err)
	}
	if msg.Type != "task_finished" || msg.Event.RunID != "run-1" || msg.Event.ChunksCreated != 9 {
		t.Errorf("message = %+v", msg)
	}
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub, server := startFeed(t)
	conn := dial(t, server)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	var buf bytes.Buffer
	hub := NewHub(logging.NewLogger("progress", logging.DEBUG, &buf))

	// Run is not started: the buffer fills and later messages are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.TaskStarted(context.Background(), model.TaskEvent{Kind: model.TaskFile})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with a full buffer")
	}
	if !strings.Contains(buf.String(), "message dropped") {
		t.Error("dropped messages should be logged")
	}
}

func TestHubRunStopsOnCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRejectsForeignOrigin(t *testing.T) {
	_, server := startFeed(t)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/sync"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("Dial() with foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestStatusAndHealthRoutes(t *testing.T) {
	_, server := startFeed(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["t1/docs"] != "idle" {
		t.Errorf("/api/status = %v", got)
	}

	resp, err = http.Post(server.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d, want 405", resp.StatusCode)
	}
}

func TestStatusError(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHub(nil), func(*http.Request) (any, error) {
		return nil, errors.New("db closed")
	})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
