package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/myopenclawagent/internal/abuse"
	"github.com/ashureev/myopenclawagent/internal/contact"
	"github.com/ashureev/myopenclawagent/internal/identity"
)

// RegisterContactRoutes mounts /api/v1/contact. The /contact/contact alias
// keeps older site builds working.
func (h *Handler) RegisterContactRoutes(r chi.Router) {
	r.Route("/v1/contact", func(r chi.Router) {
		r.Post("/", h.SubmitContact)
		r.Post("/contact", h.SubmitContact)
	})
}

// SubmitContact validates a submission and queues the email. It answers before the
// email is sent.
func (h *Handler) SubmitContact(w http.ResponseWriter, r *http.Request) {
	var sub contact.Submission
	if err := decodeJSON(r, &sub); err != nil {
		h.fail(w, r, err)
		return
	}

	ip := identity.IPFromRequest(r)
	if res, ok := abuse.ResultFromContext(r.Context()); ok && res.Suspicious() {
		h.Logger.Warn("Contact submission from suspicious client", "ip", ip, "score", res.Score, "signals", res.Signals)
	}

	_, err := h.Contact.Submit(r.Context(), sub, ip)
	var ve *contact.ValidationError
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Message sent successfully!"})
	case errors.As(err, &ve):
		details := make([]FieldError, 0, len(ve.Fields))
		for _, f := range ve.Fields {
			details = append(details, FieldError{Field: f.Field, Message: f.Message})
		}
		JSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Validation failed",
			"details": details,
		})
	case errors.Is(err, contact.ErrNotConfigured):
		h.Logger.Error("Contact form used without SMTP credentials")
		JSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "Email service not configured"})
	default:
		h.Logger.Error("Contact submission failed", "error", err, "ip", ip)
		JSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to send message. Please try again.",
		})
	}
}
