package deploy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Path is the only route the webhook serves.
const Path = "/webhook/github-sync"

const maxDeliveryBytes = 25 << 20

// Trigger starts a deploy.
type Trigger interface {
	Trigger() bool
}

// Handler receives GitHub push deliveries.
type Handler struct {
	secret   string
	deployer Trigger
	logger   *slog.Logger
}

// NewHandler creates the webhook endpoint.
func NewHandler(secret string, deployer Trigger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{secret: secret, deployer: deployer, logger: logger}
}

// Router serves POST Path and answers everything else with 404.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Post(Path, h.ServeHTTP)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	text(w, http.StatusNotFound, "Not found")
}

func text(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP handles one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeliveryBytes))
	if err != nil {
		text(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("Webhook signature mismatch", "ip", r.RemoteAddr)
		text(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	ev, err := ParsePushEvent(body)
	switch {
	case errors.Is(err, ErrInvalidPayload):
		text(w, http.StatusBadRequest, "Invalid payload")
		return
	case err != nil:
		text(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if ev.Ref != MainRef {
		ref := ev.Ref
		if ref == "" {
			ref = "?"
		}
		h.logger.Info("Ignoring push", "ref", ref)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": "not main"})
		return
	}

	h.logger.Info("Push to main received, scheduling deploy", "after", ev.After)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pulled": "scheduled"})
	h.deployer.Trigger()
}
