package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/gene-analysis/internal/chat"
	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/coder/websocket"
)

const (
	wsReadTimeout  = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsFrame is one chat event on the WebSocket transport.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsEmitter adapts a websocket.Conn to chat.Emitter.
type wsEmitter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (e *wsEmitter) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wsFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errStreamClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := e.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		e.closed = true
		return err
	}
	return nil
}

func (e *wsEmitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// ChatWebSocket runs one chat turn over a WebSocket. The first text frame is
// the chat request; every event is sent back as {"event": ..., "data": ...}.
func (h *Handler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "turn complete"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	maxBodySize := h.sse.MaxRequestBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	ws.SetReadLimit(maxBodySize)

	readCtx, cancel := context.WithTimeout(r.Context(), wsReadTimeout)
	_, message, err := ws.Read(readCtx)
	cancel()
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			h.logger.Debug("WebSocket closed by client before request")
		} else {
			h.logger.Warn("WebSocket read error", "error", err)
		}
		return
	}

	em := &wsEmitter{conn: ws}
	defer em.close()

	var req chat.Request
	if err := json.Unmarshal(message, &req); err != nil {
		_ = em.Emit(chat.EventError, chat.ErrorEvent{Error: "invalid request body", Timestamp: domain.Timestamp(time.Now())})
		return
	}
	if msg := validateChatRequest(req); msg != "" {
		_ = em.Emit(chat.EventError, chat.ErrorEvent{Error: msg, Timestamp: domain.Timestamp(time.Now())})
		return
	}
	req.Channel = "chat_ws"

	// CloseRead handles control frames and cancels when the peer goes away.
	connCtx := ws.CloseRead(r.Context())
	h.runTurn(r.WithContext(connCtx), req, em, nil)
}
