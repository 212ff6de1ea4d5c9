package contact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/myopenclawagent/internal/domain"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/store"
	"github.com/ashureev/myopenclawagent/internal/tasks"
)

// Service accepts submissions and delivers them in the background.
type Service struct {
	sender  Sender
	queue   *tasks.Queue
	limiter *rate.Limiter
	archive store.ContactArchive
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Options are optional collaborators of Service.
type Options struct {
	// SendsPerMinute throttles outgoing mail. Zero means 30.
	SendsPerMinute int
	Archive        store.ContactArchive
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// NewService creates the relay. sender may be nil when email is not configured.
func NewService(sender Sender, q *tasks.Queue, opts Options) *Service {
	perMinute := opts.SendsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sender:  sender,
		queue:   q,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		archive: opts.Archive,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Configured reports whether email delivery is possible.
func (s *Service) Configured() bool { return s.sender != nil }

// Submit validates sub and schedules delivery. It returns once delivery is
// queued; send failures are logged and archived, never returned.
func (s *Service) Submit(ctx context.Context, sub Submission, clientIP string) (string, error) {
	clean, err := Validate(sub)
	if err != nil {
		return "", err
	}
	if s.sender == nil {
		return "", ErrNotConfigured
	}

	now := s.now()
	rec := &domain.ContactSubmission{
		ID:        uuid.NewString(),
		Name:      clean.Name,
		Email:     clean.Email,
		Message:   clean.Message,
		ClientIP:  clientIP,
		Status:    domain.ContactPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.archive != nil {
		if err := s.archive.SaveContact(ctx, rec); err != nil {
			s.logger.Error("Failed to archive contact submission", "contact_id", rec.ID, "error", err)
		}
	}

	if err := s.queue.Submit("contact-email", func(ctx context.Context) error {
		return s.deliver(ctx, rec.ID, clean)
	}); err != nil {
		return "", fmt.Errorf("queue contact email: %w", err)
	}
	s.logger.Info("Contact submission accepted", "contact_id", rec.ID, "ip", clientIP)
	return rec.ID, nil
}

func (s *Service) deliver(ctx context.Context, id string, sub Submission) error {
	err := s.limiter.Wait(ctx)
	if err == nil {
		err = s.sender.Send(ctx, sub)
	}

	status, errText := domain.ContactSent, ""
	if err != nil {
		status, errText = domain.ContactFailed, err.Error()
	}
	if s.metrics != nil {
		label := metrics.DeliverySent
		if err != nil {
			label = metrics.DeliveryFailed
		}
		s.metrics.ContactDeliveries.WithLabelValues(label).Inc()
	}
	if s.archive != nil {
		if markErr := s.archive.MarkContact(ctx, id, status, errText); markErr != nil {
			s.logger.Warn("Failed to update contact archive", "contact_id", id, "error", markErr)
		}
	}
	if err != nil {
		return fmt.Errorf("deliver contact %s: %w", id, err)
	}
	s.logger.Info("Contact email sent", "contact_id", id)
	return nil
}

// Recent returns archived submissions, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*domain.ContactSubmission, error) {
	if s.archive == nil {
		return []*domain.ContactSubmission{}, nil
	}
	return s.archive.RecentContacts(ctx, limit)
}
