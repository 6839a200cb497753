// Package store provides chat session persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for persisting chat sessions.
type Repository interface {
	// Create starts a new empty session with a random UUID.
	Create(ctx context.Context) (*domain.Session, error)

	// Get returns a copy of the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Append adds a message to the end of the session history.
	// Returns ErrSessionNotFound if the session does not exist.
	Append(ctx context.Context, id string, msg domain.Message) error

	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)

	// DeleteExpired removes sessions idle for longer than ttl.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
