package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/myopenclawagent/internal/domain"
	"github.com/ashureev/myopenclawagent/internal/shared"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// Compile-time interface check.
var _ ContactArchive = (*SQLiteStore)(nil)

// SQLiteStore implements ContactArchive using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite opens (and creates if needed) the archive database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS contact_submissions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		message TEXT NOT NULL,
		client_ip TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contact_created ON contact_submissions(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveContact inserts a new submission.
func (s *SQLiteStore) SaveContact(ctx context.Context, c *domain.ContactSubmission) error {
	query := `
		INSERT INTO contact_submissions
			(id, name, email, message, client_ip, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withRetry(ctx, "save contact", func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, c.Name, c.Email, c.Message, nullString(c.ClientIP),
			string(c.Status), nullString(c.Error),
			c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
		)
		return err
	})
}

// MarkContact updates the delivery status of a submission.
func (s *SQLiteStore) MarkContact(ctx context.Context, id string, status domain.ContactStatus, errText string) error {
	query := `UPDATE contact_submissions SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	var rows int64
	err := s.withRetry(ctx, "mark contact", func() error {
		res, err := s.db.ExecContext(ctx, query, string(status), nullString(errText), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecentContacts returns the most recent submissions, newest first.
func (s *SQLiteStore) RecentContacts(ctx context.Context, limit int) ([]*domain.ContactSubmission, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, name, email, message, client_ip, status, error, created_at, updated_at
		FROM contact_submissions ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close contact rows", "error", closeErr)
		}
	}()

	var out []*domain.ContactSubmission
	for rows.Next() {
		var c domain.ContactSubmission
		var clientIP, errText sql.NullString
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Email, &c.Message, &clientIP,
			&status, &errText, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		c.ClientIP = clientIP.String
		c.Status = domain.ContactStatus(status)
		c.Error = errText.String
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// withRetry runs a write under the writer lock, retrying SQLite lock
// conflicts with exponential backoff (100ms, 200ms).
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	attempt := 0
	err := shared.Backoff(ctx, writeRetries, writeBaseDelay, shared.IsSQLiteConflict, func() error {
		attempt++
		err := fn()
		if shared.IsSQLiteConflict(err) {
			slog.Debug("SQLite write conflict", "op", op, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
