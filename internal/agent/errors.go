package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult is returned when the agent finishes without any answer text.
	ErrEmptyResult = errors.New("agent returned empty result")

	// ErrUnavailable is returned by the backend used when no agent is installed.
	ErrUnavailable = errors.New("agent is not installed")
)

// RemoteError is an exception raised inside the agent process.
type RemoteError struct {
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// InvocationError wraps any failure of the underlying agent call. Stack is for
// server-side logs only and is never sent to clients.
type InvocationError struct {
	Err   error
	Stack string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent error: %v", e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
