package api

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/ashureev/myopenclawagent/internal/cache"
	"github.com/ashureev/myopenclawagent/internal/contact"
	"github.com/ashureev/myopenclawagent/internal/domain"
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HTTPError is an error with a client-facing status and message.
type HTTPError struct {
	Status     int
	Message    string
	Details    []FieldError
	RetryAfter int
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return strconv.Itoa(e.Status) + " " + e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// ErrValidation is a 400 listing the invalid fields.
func ErrValidation(details ...FieldError) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Message: "Validation failed", Details: details}
}

// ErrNotFound is a 404 with msg.
func ErrNotFound(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Message: msg}
}

// ErrForbidden is a 403.
func ErrForbidden() *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Message: "Forbidden"}
}

// ErrUnavailable is a 503 with msg.
func ErrUnavailable(msg string, err error) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Message: msg, Err: err}
}

// ErrRateLimited is a 429 carrying the retry delay in seconds.
func ErrRateLimited(msg string, retryAfter int) *HTTPError {
	return &HTTPError{Status: http.StatusTooManyRequests, Message: msg, RetryAfter: retryAfter}
}

// ErrInternal is a 500 whose client message is msg regardless of environment.
func ErrInternal(msg string, err error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Message: msg, Err: err}
}

type errorBody struct {
	Error      string       `json:"error"`
	Details    []FieldError `json:"details,omitempty"`
	RetryAfter int          `json:"retryAfter,omitempty"`
	Stack      string       `json:"stack,omitempty"`
}

// fail maps err onto the error taxonomy and writes the response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		he *HTTPError
		ve *contact.ValidationError
	)
	switch {
	case errors.As(err, &he):
	case errors.As(err, &ve):
		details := make([]FieldError, 0, len(ve.Fields))
		for _, f := range ve.Fields {
			details = append(details, FieldError{Field: f.Field, Message: f.Message})
		}
		he = ErrValidation(details...)
	case errors.Is(err, domain.ErrNotFound):
		he = ErrNotFound("Not found")
	case errors.Is(err, cache.ErrUnavailable):
		he = ErrUnavailable("Cache unavailable", err)
	case errors.Is(err, contact.ErrNotConfigured):
		he = ErrUnavailable("Email service not configured", err)
	default:
		h.internal(w, r, err)
		return
	}

	if he.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", he.Status, "error", he)
	}
	if he.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(he.RetryAfter))
	}
	JSON(w, he.Status, errorBody{Error: he.Message, Details: he.Details, RetryAfter: he.RetryAfter})
}

// internal writes a 500 for an unexpected error. Production responses carry a
// generic message; other environments include the error text and a stack.
func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.Error("Unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
	if h.Config.IsProduction() {
		JSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
		return
	}
	JSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Stack: string(debug.Stack())})
}

func (h *Handler) notFound(w http.ResponseWriter, _ *http.Request) {
	Error(w, http.StatusNotFound, "Not found")
}
