package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	maxSessions int
	now         func() time.Time
}

// NewMemory creates an in-memory repository. When maxSessions > 0 the least
// recently updated session is evicted to make room for a new one.
func NewMemory(maxSessions int) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.Session),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// Create starts a new empty session.
func (m *MemoryStore) Create(_ context.Context) (*domain.Session, error) {
	now := m.now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.evictOldestLocked()
	}
	m.sessions[sess.ID] = sess
	slog.Info("Session created", "session_id", sess.ID)
	return sess.Clone(), nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Append adds msg to the session history.
func (m *MemoryStore) Append(_ context.Context, id string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = m.now()
	return nil
}

// Delete removes the session.
func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	slog.Info("Session deleted", "session_id", id)
	return true, nil
}

// Count returns the number of sessions.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// DeleteExpired removes sessions idle for longer than ttl.
func (m *MemoryStore) DeleteExpired(_ context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, sess := range m.sessions {
		if sess.Expired(ttl, now) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// evictOldestLocked must be called with mu held.
func (m *MemoryStore) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, sess := range m.sessions {
		if oldestID == "" || sess.UpdatedAt.Before(oldest) {
			oldestID, oldest = id, sess.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		slog.Warn("Session cap reached, evicted oldest session", "session_id", oldestID, "max_sessions", m.maxSessions)
	}
}
