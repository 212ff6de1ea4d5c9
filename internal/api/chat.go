package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/myopenclawagent/internal/domain"
	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/stream"
)

const maxChatMessageLen = 10000

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type chatResponse struct {
	SessionID string         `json:"sessionId"`
	Message   domain.Message `json:"message"`
	Session   chatSession    `json:"session"`
}

type chatSession struct {
	ID           string `json:"id"`
	MessageCount int    `json:"messageCount"`
}

// RegisterChatRoutes mounts /api/v1/chat.
func (h *Handler) RegisterChatRoutes(r chi.Router) {
	r.Route("/v1/chat", func(r chi.Router) {
		r.Post("/", h.Chat)
		r.Get("/stream/{sessionId}", h.ChatStream)
		r.Get("/history/{sessionId}", h.ChatHistory)
		r.Delete("/session/{sessionId}", h.DeleteSession)
	})
}

// validSessionID reports whether id is a canonical version 4 UUID.
func validSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4 && len(id) == 36
}

func placeholderReply(message string) string {
	return fmt.Sprintf("Received your message: \"%s\". This is a placeholder response. "+
		"The OpenClaw integration would process your message here.", message)
}

// Chat appends a user message and a placeholder reply to the session,
// creating the session when none is given or the given one has expired.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	var details []FieldError
	switch {
	case req.Message == "":
		details = append(details, FieldError{Field: "message", Message: "Message is required"})
	case utf8.RuneCountInString(req.Message) > maxChatMessageLen:
		details = append(details, FieldError{Field: "message", Message: "Message too long"})
	}
	if req.SessionID != "" && !validSessionID(req.SessionID) {
		details = append(details, FieldError{Field: "sessionId", Message: "Invalid session ID"})
	}
	if len(details) > 0 {
		h.fail(w, r, ErrValidation(details...))
		return
	}

	ctx := r.Context()
	id := req.SessionID
	if id != "" {
		if _, err := h.Sessions.Get(ctx, id); errors.Is(err, domain.ErrNotFound) {
			id = ""
		} else if err != nil {
			h.fail(w, r, ErrInternal("Failed to process message", err))
			return
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	userMsg := domain.Message{ID: uuid.NewString(), Role: domain.RoleUser, Content: req.Message, Timestamp: now}
	reply := domain.Message{ID: uuid.NewString(), Role: domain.RoleAssistant, Content: placeholderReply(req.Message), Timestamp: now}

	sess, err := h.Sessions.AppendTurn(ctx, id, identity.IPFromRequest(r), userMsg, reply)
	if err != nil {
		h.fail(w, r, ErrInternal("Failed to process message", err))
		return
	}

	h.push(r, sess.ID, reply)
	JSON(w, http.StatusOK, chatResponse{
		SessionID: sess.ID,
		Message:   reply,
		Session:   chatSession{ID: sess.ID, MessageCount: len(sess.Messages)},
	})
}

// push mirrors the reply onto the caller's /ws connection when the request
// names one with X-Client-ID.
func (h *Handler) push(r *http.Request, sessionID string, reply domain.Message) {
	if r.Header.Get(identity.ClientIDHeader) == "" {
		return
	}
	clientID := identity.ClientID(r)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()

	err := h.Hub.Send(ctx, clientID, stream.Event{Type: stream.EventResponse, SessionID: sessionID, Content: reply.Content})
	if err != nil && !errors.Is(err, stream.ErrNoConnection) {
		h.Logger.Debug("Failed to push chat reply", "client_id", clientID, "error", err)
	}
}

// ChatStream points callers at the websocket channel.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	if !validSessionID(chi.URLParam(r, "sessionId")) {
		h.fail(w, r, ErrValidation(FieldError{Field: "sessionId", Message: "Invalid session ID"}))
		return
	}
	Error(w, http.StatusBadRequest, "Use WebSocket connection at /ws for streaming")
}

// ChatHistory returns the full message list of a session.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if !validSessionID(id) {
		h.fail(w, r, ErrValidation(FieldError{Field: "sessionId", Message: "Invalid session ID"}))
		return
	}

	sess, err := h.Sessions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.fail(w, r, ErrNotFound("Session not found"))
		return
	}
	if err != nil {
		h.fail(w, r, ErrInternal("Failed to retrieve history", err))
		return
	}

	messages := sess.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"messages":  messages,
		"createdAt": sess.CreatedAt,
		"updatedAt": sess.UpdatedAt,
	})
}

// DeleteSession removes a session. Deleting an unknown session succeeds.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if !validSessionID(id) {
		h.fail(w, r, ErrValidation(FieldError{Field: "sessionId", Message: "Invalid session ID"}))
		return
	}
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		h.fail(w, r, ErrInternal("Failed to delete session", err))
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session deleted"})
}
