// Package domain contains core domain types for the site API.
package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message. Messages are never edited once appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a chat conversation with a sliding expiration.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
	ClientIP  string    `json:"clientIp,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	return &c
}

// Append adds messages to the end of the conversation.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// IdleSince returns how long the session has been inactive at now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	last := s.UpdatedAt
	if last.IsZero() {
		last = s.CreatedAt
	}
	return now.Sub(last)
}

// SessionStats summarizes the live session set.
type SessionStats struct {
	Total          int `json:"total"`
	ActiveLastHour int `json:"activeLastHour"`
	TotalMessages  int `json:"totalMessages"`
}
