package agent

import (
	"context"
)

// Processor is a backend able to run the research agent.
// Implementations are not required to be safe for concurrent Go calls;
// Service serializes them.
type Processor interface {
	// Configure performs one-time agent initialization.
	Configure(ctx context.Context, s Settings) error

	// Go runs the agent on a message and blocks until it finishes.
	Go(ctx context.Context, req Request) (*Transcript, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources.
	Close()
}

// Ensure backends implement Processor.
var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = (*DockerRunner)(nil)
	_ Processor = Unavailable{}
)
