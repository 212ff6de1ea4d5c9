// Package stream serves the /ws event channel.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ErrNoConnection is returned by Send when the client has no open socket.
var ErrNoConnection = errors.New("no stream connection for client")

// Event types sent to clients.
const (
	EventAck      = "ack"
	EventResponse = "response"
	EventError    = "error"
)

// Event is an outbound message. Responses carry Content; errors carry Message.
type Event struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Hub tracks open connections by client id. A client opening a second socket
// replaces the first.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]*websocket.Conn),
		logger: logger,
	}
}

// Register adds conn for clientID.
func (h *Hub) Register(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	existing, ok := h.active[clientID]
	h.active[clientID] = conn
	h.mu.Unlock()

	if ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.logger.Info("Stream client registered", "client_id", clientID)
}

// Unregister removes conn if it is still the client's current connection.
func (h *Hub) Unregister(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.active[clientID]; ok && current == conn {
		delete(h.active, clientID)
		h.logger.Info("Stream client unregistered", "client_id", clientID)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Send writes ev to the client's socket.
func (h *Hub) Send(ctx context.Context, clientID string, ev Event) error {
	h.mu.RLock()
	conn, ok := h.active[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}
	return writeEvent(ctx, conn, ev)
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.active
	h.active = make(map[string]*websocket.Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseNow()
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
