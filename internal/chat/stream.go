package chat

import (
	"log/slog"

	"github.com/ashureev/gene-analysis/internal/domain"
)

// stream enforces the per-turn emission rules: at most one terminal event and
// nothing after it, and silence once the client has gone away.
type stream struct {
	em        Emitter
	logger    *slog.Logger
	sessionID string

	gone       bool
	terminated bool
}

func (s *stream) emit(event string, data any) {
	if s.terminated || s.gone {
		return
	}
	if err := s.em.Emit(event, data); err != nil {
		s.gone = true
		s.logger.Info("Client disconnected, dropping remaining events", "session_id", s.sessionID, "event", event, "error", err)
	}
}

func (s *stream) chunk(c domain.StreamChunk) {
	s.emit(EventMessage, c)
}

func (s *stream) done(status string) {
	s.emit(EventDone, StatusEvent{Status: status, Timestamp: now()})
	s.terminated = true
}

func (s *stream) fail(msg string) {
	s.emit(EventError, ErrorEvent{Error: msg, Timestamp: now()})
	s.terminated = true
}

// closed reports whether further events would be dropped.
func (s *stream) closed() bool {
	return s.terminated || s.gone
}
