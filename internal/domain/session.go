// Package domain contains core domain types for the gene analysis backend.
package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a chat session with its ordered message history.
type Session struct {
	ID        string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry of a session history. Messages are never modified after
// they are appended.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	FullLog   string    `json:"full_log,omitempty"` // raw agent transcript, assistant only
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}

// Expired reports whether the session has been idle longer than ttl.
// A zero ttl never expires.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	last := s.UpdatedAt
	if last.IsZero() {
		last = s.CreatedAt
	}
	return now.Sub(last) > ttl
}
