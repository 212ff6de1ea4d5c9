// Package contact validates contact form submissions and relays them by email.
package contact

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// Field length caps.
const (
	MaxNameLen    = 100
	MaxEmailLen   = 100
	MaxMessageLen = 250
)

// ErrTooLong is returned when a field exceeds its cap. It is reported to the
// client as a generic delivery failure.
var ErrTooLong = errors.New("contact field exceeds length limit")

// Submission is a contact form post.
type Submission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists invalid fields.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func sanitize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// Validate cleans the submission and checks it. Missing or malformed fields
// yield a *ValidationError; over-long fields yield ErrTooLong.
func Validate(in Submission) (Submission, error) {
	out := Submission{
		Name:    sanitize(in.Name),
		Email:   sanitize(in.Email),
		Message: sanitize(in.Message),
	}

	var fields []FieldError
	if out.Name == "" {
		fields = append(fields, FieldError{Field: "name", Message: "Name is required"})
	}
	if !validEmail(out.Email) {
		fields = append(fields, FieldError{Field: "email", Message: "Valid email is required"})
	}
	if out.Message == "" {
		fields = append(fields, FieldError{Field: "message", Message: "Message is required"})
	}
	if len(fields) > 0 {
		return Submission{}, &ValidationError{Fields: fields}
	}

	switch {
	case utf8.RuneCountInString(out.Name) > MaxNameLen:
		return Submission{}, fmt.Errorf("%w: name", ErrTooLong)
	case utf8.RuneCountInString(out.Email) > MaxEmailLen:
		return Submission{}, fmt.Errorf("%w: email", ErrTooLong)
	case utf8.RuneCountInString(out.Message) > MaxMessageLen:
		return Submission{}, fmt.Errorf("%w: message", ErrTooLong)
	}
	return out, nil
}

// validEmail accepts a bare address with a dotted domain.
func validEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return false
	}
	_, domain, ok := strings.Cut(addr.Address, "@")
	return ok && strings.Contains(domain, ".") && !strings.HasSuffix(domain, ".")
}
