package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/gene-analysis/internal/chat"
)

const defaultMaxRequestBodySize = 1 << 20

var errStreamClosed = errors.New("stream closed")

// sseEmitter writes chat events as Server-Sent Events. Writes are serialized
// with the keepalive ticker and stop once the handler has returned.
type sseEmitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func (e *sseEmitter) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errStreamClosed
	}
	if err := writeSSE(e.w, event, string(payload)); err != nil {
		e.closed = true
		return err
	}
	e.flusher.Flush()
	return nil
}

// keepalive writes an SSE comment, which clients ignore.
func (e *sseEmitter) keepalive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errStreamClosed
	}
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		e.closed = true
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// SendMessage runs a chat turn and streams its events over SSE.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := h.sse.MaxRequestBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateChatRequest(req); msg != "" {
		Error(w, http.StatusBadRequest, msg)
		return
	}
	req.Channel = "chat_sse"

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	em := &sseEmitter{w: w, flusher: flusher}
	defer em.close()

	h.runTurn(r, req, em, em.keepalive)
}

// runTurn starts the turn in its own goroutine and blocks until it finishes
// or the client goes away. Unless CancelOnDisconnect is set the turn keeps
// running after a disconnect and its remaining events are dropped.
func (h *Handler) runTurn(r *http.Request, req chat.Request, em chat.Emitter, keepalive func() error) {
	defer h.metrics.StreamStarted()()

	turnCtx := context.WithoutCancel(r.Context())
	if h.sse.CancelOnDisconnect {
		turnCtx = r.Context()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.chat.Run(turnCtx, req, em)
	}()

	interval := h.sse.KeepaliveInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			h.logger.Info("Chat stream disconnected", "session_id", req.SessionID, "cancel_turn", h.sse.CancelOnDisconnect)
			return
		case <-ticker.C:
			if keepalive == nil {
				continue
			}
			if err := keepalive(); err != nil {
				h.logger.Debug("Keepalive failed", "session_id", req.SessionID, "error", err)
			}
		}
	}
}

func validateChatRequest(req chat.Request) string {
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		return "session_id is required"
	case strings.TrimSpace(req.Message) == "":
		return "message is required"
	case strings.TrimSpace(req.UserAddress) == "":
		return "user_address is required"
	}
	return ""
}
