package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docsync/internal/logging"
	"docsync/internal/model"
)

const writeWait = 5 * time.Second

// Message is the JSON envelope sent to feed clients
type Message struct {
	Type  string          `json:"type"`
	Event model.TaskEvent `json:"event"`
}

// Hub fans task events out to connected WebSocket clients
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *logging.Logger
}

// NewHub creates a hub. Call Run to start delivering messages.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run delivers messages until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all clients. It never blocks: when the
// buffer is full the message is dropped.
func (h *Hub) Broadcast(msgType string, event model.TaskEvent) {
	data, err := json.Marshal(Message{Type: msgType, Event: event})
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode feed message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.WithContext("type", msgType).Warn("feed buffer full, message dropped")
	}
}

// TaskStarted implements the sync reporter
func (h *Hub) TaskStarted(_ context.Context, ev model.TaskEvent) {
	h.Broadcast("task_started", ev)
}

// TaskFinished implements the sync reporter
func (h *Hub) TaskFinished(_ context.Context, ev model.TaskEvent) {
	h.Broadcast("task_finished", ev)
}
