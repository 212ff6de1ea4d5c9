package domain

import "time"

// ContactStatus tracks delivery of an archived contact submission.
type ContactStatus string

const (
	ContactPending ContactStatus = "pending"
	ContactSent    ContactStatus = "sent"
	ContactFailed  ContactStatus = "failed"
)

// ContactSubmission is a contact form message kept for audit.
type ContactSubmission struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Message   string        `json:"message"`
	ClientIP  string        `json:"clientIp,omitempty"`
	Status    ContactStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
