package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/myopenclawagent/internal/identity"
)

// RegisterAdminRoutes mounts /admin. Every route requires the admin key.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/sessions", h.AdminSessions)
		r.Get("/stats", h.AdminStats)
		r.Get("/blocklist", h.AdminBlocklist)
		r.Post("/blocklist", h.AdminBlock)
		r.Delete("/blocklist/{ip}", h.AdminUnblock)
		r.Get("/abuse-log", h.AdminAbuseLog)
		r.Get("/contacts", h.AdminContacts)
		r.NotFound(h.notFound)
		r.MethodNotAllowed(h.notFound)
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity.IsAdmin(r.Context()) {
			h.fail(w, r, ErrForbidden())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

type sessionSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	ClientIP     string    `json:"clientIp,omitempty"`
}

// AdminSessions pages over live sessions.
func (h *Handler) AdminSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.Sessions.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.Sessions.Count(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: len(s.Messages),
			ClientIP:     s.ClientIP,
		})
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// AdminStats aggregates session, agent, traffic and task statistics.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.Sessions.Stats(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := map[string]any{
		"sessions": sessions,
		"agents":   h.Agents.Stats(),
		"stream":   map[string]int{"connections": h.Hub.Count()},
	}
	if h.Queue != nil {
		resp["tasks"] = map[string]int64{"dropped": h.Queue.Dropped(), "failed": h.Queue.Failed()}
	}
	if h.Traffic.Enabled() {
		if snap, err := h.Traffic.Snapshot(ctx); err == nil {
			resp["traffic"] = snap
		} else {
			h.Logger.Warn("Failed to read traffic counters", "error", err)
		}
	}
	JSON(w, http.StatusOK, resp)
}

// AdminBlocklist lists blocked IPs.
func (h *Handler) AdminBlocklist(w http.ResponseWriter, r *http.Request) {
	ips, err := h.Abuse.Blocked(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ips": ips, "total": len(ips)})
}

type blockRequest struct {
	IP string `json:"ip"`
}

// AdminBlock adds an IP to the blocklist.
func (h *Handler) AdminBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		h.fail(w, r, ErrValidation(FieldError{Field: "ip", Message: "Valid IP address is required"}))
		return
	}
	if err := h.Abuse.Block(r.Context(), ip); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "ip": ip})
}

// AdminUnblock removes an IP from the blocklist.
func (h *Handler) AdminUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		h.fail(w, r, ErrValidation(FieldError{Field: "ip", Message: "Valid IP address is required"}))
		return
	}
	if err := h.Abuse.Unblock(r.Context(), ip); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "ip": ip})
}

// AdminAbuseLog returns the newest abuse log entries.
func (h *Handler) AdminAbuseLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Abuse.RecentLog(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}

// AdminContacts returns archived contact submissions, newest first.
func (h *Handler) AdminContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.Contact.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"contacts": contacts, "total": len(contacts)})
}
