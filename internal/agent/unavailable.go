package agent

import "context"

// Unavailable is the backend used when no agent is configured. Every call fails
// with ErrUnavailable so chat turns end with an error event instead of hanging.
type Unavailable struct{}

// Configure always fails.
func (Unavailable) Configure(context.Context, Settings) error { return ErrUnavailable }

// Go always fails.
func (Unavailable) Go(context.Context, Request) (*Transcript, error) { return nil, ErrUnavailable }

// Health always fails.
func (Unavailable) Health(context.Context) error { return ErrUnavailable }

// Close is a no-op.
func (Unavailable) Close() {}
