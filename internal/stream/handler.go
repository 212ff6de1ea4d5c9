package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/metrics"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

type inbound struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// Handler upgrades /ws requests.
type Handler struct {
	hub          *Hub
	metrics      *metrics.Metrics
	pingInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPingInterval overrides the 30s heartbeat.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithMetrics tracks open connections in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates the websocket endpoint.
func NewHandler(hub *Hub, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		hub:          hub,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientID(r)

	// Origin is enforced by the CORS middleware ahead of this handler.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	h.hub.Register(clientID, ws)
	defer h.hub.Unregister(clientID, ws)
	if h.metrics != nil {
		h.metrics.StreamConnections.Inc()
		defer h.metrics.StreamConnections.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.heartbeat(ctx, cancel, ws, clientID)
	h.readLoop(ctx, ws, clientID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, clientID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "client_id", clientID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, ws, clientID, Event{Type: EventError, Message: "Invalid message format"})
			continue
		}
		if msg.Type == "chat" {
			h.reply(ctx, ws, clientID, Event{Type: EventAck, MessageID: msg.MessageID})
		}
	}
}

func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, clientID string, ev Event) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := writeEvent(wctx, ws, ev); err != nil {
		h.logger.Debug("Failed to write stream event", "error", err, "client_id", clientID, "type", ev.Type)
	}
}

// heartbeat pings the client; a missed pong ends the connection.
func (h *Handler) heartbeat(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, clientID string) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, h.pingInterval)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Info("WebSocket heartbeat failed, closing", "client_id", clientID, "error", err)
				}
				cancel()
				return
			}
		}
	}
}
