// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

// SessionBackend persists chat sessions. Implementations return
// domain.ErrNotFound from Load when the session does not exist or has expired.
type SessionBackend interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Load retrieves a session by id.
	Load(ctx context.Context, id string) (*domain.Session, error)

	// Save writes the session wholesale and (re)starts its expiry.
	Save(ctx context.Context, s *domain.Session, ttl time.Duration) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// IDs returns all live session ids in backend enumeration order.
	IDs(ctx context.Context) ([]string, error)

	// Len returns the number of live sessions.
	Len(ctx context.Context) (int, error)
}

// Sweeper is implemented by backends without native expiry.
type Sweeper interface {
	// SweepIdle deletes sessions last updated before the cutoff and returns
	// how many were removed.
	SweepIdle(ctx context.Context, before time.Time) (int, error)
}

// ContactArchive records contact submissions and their delivery outcome.
type ContactArchive interface {
	// SaveContact inserts a new submission.
	SaveContact(ctx context.Context, c *domain.ContactSubmission) error

	// MarkContact updates the delivery status of a submission.
	MarkContact(ctx context.Context, id string, status domain.ContactStatus, errText string) error

	// RecentContacts returns the most recent submissions, newest first.
	RecentContacts(ctx context.Context, limit int) ([]*domain.ContactSubmission, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
