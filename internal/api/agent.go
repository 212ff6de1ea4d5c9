package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/myopenclawagent/internal/agent"
	"github.com/ashureev/myopenclawagent/internal/domain"
	"github.com/ashureev/myopenclawagent/internal/identity"
)

type spawnRequest struct {
	Type   *string         `json:"type"`
	Config json.RawMessage `json:"config"`
}

type agentSummary struct {
	AgentID      string             `json:"agentId"`
	Type         domain.AgentType   `json:"type"`
	Status       domain.AgentStatus `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity *time.Time         `json:"lastActivity,omitempty"`
	ClientIP     string             `json:"clientIp,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// RegisterAgentRoutes mounts /api/v1/agent.
func (h *Handler) RegisterAgentRoutes(r chi.Router) {
	r.Route("/v1/agent", func(r chi.Router) {
		r.Get("/", h.ListAgents)
		r.Get("/types", h.AgentTypes)
		r.Post("/spawn", h.SpawnAgent)
		r.Get("/{id}", h.GetAgent)
		r.Delete("/{id}", h.TerminateAgent)
	})
}

// AgentTypes lists the spawnable agent types.
func (h *Handler) AgentTypes(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"types": agent.Types()})
}

// SpawnAgent creates and initializes an agent. Initialization failures are
// reported through the agent's status, not the response code.
func (h *Handler) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	agentType := domain.AgentTypeChat
	var details []FieldError
	if req.Type != nil {
		agentType = domain.AgentType(*req.Type)
		if !agentType.Valid() {
			details = append(details, FieldError{Field: "type", Message: "Invalid agent type"})
		}
	}
	var cfg map[string]any
	if raw := bytes.TrimSpace(req.Config); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' || json.Unmarshal(raw, &cfg) != nil {
			details = append(details, FieldError{Field: "config", Message: "Config must be an object"})
		}
	}
	if len(details) > 0 {
		h.fail(w, r, ErrValidation(details...))
		return
	}

	a := h.Agents.Spawn(r.Context(), agent.SpawnRequest{
		Type:     agentType,
		Config:   cfg,
		ClientIP: identity.IPFromRequest(r),
	})
	JSON(w, http.StatusCreated, map[string]any{
		"agentId":   a.ID,
		"type":      a.Type,
		"status":    a.Status,
		"createdAt": a.CreatedAt,
	})
}

// GetAgent returns an agent's status and marks it active.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		h.fail(w, r, ErrNotFound("Agent not found"))
		return
	}
	if err != nil {
		h.fail(w, r, ErrInternal("Failed to get agent status", err))
		return
	}
	JSON(w, http.StatusOK, agentSummary{
		AgentID:      a.ID,
		Type:         a.Type,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
		LastActivity: &a.LastActivity,
		Error:        a.Error,
	})
}

// TerminateAgent releases and removes an agent.
func (h *Handler) TerminateAgent(w http.ResponseWriter, r *http.Request) {
	err := h.Agents.Terminate(chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		h.fail(w, r, ErrNotFound("Agent not found"))
		return
	}
	if err != nil {
		h.fail(w, r, ErrInternal("Failed to terminate agent", err))
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Agent terminated"})
}

// ListAgents returns every agent to admin callers and only a count to others.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	if !identity.IsAdmin(r.Context()) {
		JSON(w, http.StatusOK, map[string]any{
			"count":   h.Agents.Count(),
			"message": "Provide admin key for details",
		})
		return
	}

	agents := h.Agents.List(agent.Filter{})
	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentSummary{
			AgentID:   a.ID,
			Type:      a.Type,
			Status:    a.Status,
			CreatedAt: a.CreatedAt,
			ClientIP:  a.ClientIP,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"agents": out, "total": len(out)})
}
