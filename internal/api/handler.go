// Package api provides the HTTP handlers and router for the site API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/myopenclawagent/internal/abuse"
	"github.com/ashureev/myopenclawagent/internal/agent"
	"github.com/ashureev/myopenclawagent/internal/cache"
	"github.com/ashureev/myopenclawagent/internal/config"
	"github.com/ashureev/myopenclawagent/internal/contact"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/ratelimit"
	"github.com/ashureev/myopenclawagent/internal/session"
	"github.com/ashureev/myopenclawagent/internal/stream"
	"github.com/ashureev/myopenclawagent/internal/tasks"
	"github.com/ashureev/myopenclawagent/internal/traffic"
)

// Version is reported by the status endpoint. Overridden at build time.
var Version = "1.0.0"

// Deps are the services the HTTP layer is built from. Sessions, Agents,
// Contact and Config are required.
type Deps struct {
	Config   *config.Config
	Sessions *session.Store
	Agents   *agent.Registry
	Contact  *contact.Service
	Cache    *cache.Accessor
	Abuse    *abuse.Detector
	Traffic  *traffic.Logger
	Limiter  *ratelimit.Limiter
	Queue    *tasks.Queue
	Hub      *stream.Hub
	Metrics  *metrics.Metrics
	Static   http.Handler
	Logger   *slog.Logger
}

// Handler holds the dependencies shared by all route handlers.
type Handler struct {
	Deps
	started time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Cache == nil {
		d.Cache = cache.New("", 0, d.Logger)
	}
	if d.Abuse == nil {
		d.Abuse = abuse.NewDetector(d.Cache, d.Logger)
	}
	if d.Traffic == nil {
		d.Traffic = traffic.NewLogger(d.Cache)
	}
	if d.Hub == nil {
		d.Hub = stream.NewHub(d.Logger)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &Handler{Deps: d, started: time.Now()}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON object body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &HTTPError{Status: http.StatusRequestEntityTooLarge, Message: "Request entity too large", Err: err}
	}
	return &HTTPError{Status: http.StatusBadRequest, Message: "Invalid JSON body", Err: err}
}
