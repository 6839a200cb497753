//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gene-analysis/internal/chain"
	"github.com/ashureev/gene-analysis/internal/chat"
	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/ashureev/gene-analysis/internal/metrics"
	"github.com/ashureev/gene-analysis/internal/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

// scriptedChat emits a fixed sequence of events for every turn.
type scriptedChat struct {
	mu       sync.Mutex
	requests []chat.Request
	delay    time.Duration
}

func (s *scriptedChat) Run(ctx context.Context, req chat.Request, em chat.Emitter) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	_ = em.Emit(chat.EventMessage, domain.NewChunk(domain.ChunkStart, "start"))
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	_ = em.Emit(chat.EventMessage, domain.NewChunk(domain.ChunkResult, "done"))
	_ = em.Emit(chat.EventDone, chat.StatusEvent{Status: chat.StatusCompleted, Timestamp: "t"})
}

func (s *scriptedChat) seen() []chat.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Request(nil), s.requests...)
}

type fakeResearch struct {
	connected bool
	records   map[uint64]*domain.ResearchRecord
	count     uint64
	err       error
}

func (f *fakeResearch) IsConnected(context.Context) bool { return f.connected }

func (f *fakeResearch) GetResearch(_ context.Context, _ string, id uint64) (*domain.ResearchRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return rec, nil
}

func (f *fakeResearch) GetResearchCount(context.Context, string) (uint64, error) {
	return f.count, f.err
}

type failingPing struct {
	store.Repository
}

func (failingPing) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	sessions store.Repository
	chat     *scriptedChat
	research *fakeResearch
	router   http.Handler
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: store.NewMemory(0),
		chat:     &scriptedChat{},
		research: &fakeResearch{connected: true, records: map[uint64]*domain.ResearchRecord{}},
	}
	d := Deps{
		Sessions: env.sessions,
		Chat:     env.chat,
		Research: env.research,
		Metrics:  metrics.New(),
		SSE: config.SSEConfig{
			KeepaliveInterval:  time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	if mutate != nil {
		mutate(&d)
	}
	env.sessions = d.Sessions
	env.router = NewRouter(NewHandler(d), d.AllowedOrigins)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// sseEvents returns the event names of an SSE body in order.
func sseEvents(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/chat/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	created := decode(t, w)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, created["created_at"])

	w = env.do(t, http.MethodGet, "/api/chat/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, id, sess.ID)
	assert.Empty(t, sess.Messages)

	w = env.do(t, http.MethodDelete, "/api/chat/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "deleted", "session_id": id}, decode(t, w))

	w = env.do(t, http.MethodGet, "/api/chat/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Session not found", decode(t, w)["error"])

	w = env.do(t, http.MethodDelete, "/api/chat/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageStreamsEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"session_id":"s1","message":"test","user_address":"0xabc","config":{"llm":"claude-sonnet-4","timeout_seconds":60}}`
	w := env.do(t, http.MethodPost, "/api/chat/send", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, []string{"message", "message", "done"}, sseEvents(w.Body.String()))
	assert.Contains(t, w.Body.String(), `"type":"start"`)

	reqs := env.chat.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "s1", reqs[0].SessionID)
	assert.Equal(t, "0xabc", reqs[0].UserAddress)
	assert.Equal(t, "chat_sse", reqs[0].Channel)
	require.NotNil(t, reqs[0].Config)
	assert.Equal(t, "claude-sonnet-4", reqs[0].Config.LLM)
}

func TestSendMessageKeepalive(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.SSE.KeepaliveInterval = 10 * time.Millisecond
	})
	env.chat.delay = 100 * time.Millisecond

	w := env.do(t, http.MethodPost, "/api/chat/send", `{"session_id":"s1","message":"m","user_address":"0xabc"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ": keepalive\n\n")
	assert.Equal(t, []string{"message", "message", "done"}, sseEvents(w.Body.String()))
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"session_id":`, "invalid request body"},
		{"missing session", `{"message":"m","user_address":"0x1"}`, "session_id is required"},
		{"blank message", `{"session_id":"s","message":"  ","user_address":"0x1"}`, "message is required"},
		{"missing address", `{"session_id":"s","message":"m"}`, "user_address is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/chat/send", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.want, decode(t, w)["error"])
		})
	}
	assert.Empty(t, env.chat.seen())
}

func TestSendMessageBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.SSE.MaxRequestBodySize = 32
	})

	body := `{"session_id":"s1","message":"` + strings.Repeat("x", 100) + `","user_address":"0x1"}`
	w := env.do(t, http.MethodPost, "/api/chat/send", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, env.chat.seen())
}

func TestSendMessageRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, func(d *Deps) {
		d.RateLimiter = NewRateLimiter(ctx, 1, time.Minute)
	})

	body := `{"session_id":"s1","message":"m","user_address":"0x1"}`
	first := env.do(t, http.MethodPost, "/api/chat/send", body)
	second := env.do(t, http.MethodPost, "/api/chat/send", body)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Len(t, env.chat.seen(), 1)
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	req := `{"session_id":"s1","message":"m","user_address":"0x1"}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(req)))

	var names []string
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame wsFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		names = append(names, frame.Event)
		if frame.Event == chat.EventDone {
			break
		}
	}

	assert.Equal(t, []string{"message", "message", "done"}, names)
	reqs := env.chat.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "chat_ws", reqs[0].Channel)
}

func TestChatWebSocketInvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"m"}`)))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame struct {
		Event string          `json:"event"`
		Data  chat.ErrorEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, chat.EventError, frame.Event)
	assert.Equal(t, "session_id is required", frame.Data.Error)
	assert.Empty(t, env.chat.seen())
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Gene Analysis Backend API", decode(t, w)["message"])

	w = env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["blockchain_connected"])
	assert.NotEmpty(t, body["timestamp"])

	w = env.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/chat/send")
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Sessions = failingPing{Repository: store.NewMemory(0)}
		d.Research = nil
	})

	w := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["blockchain_connected"])
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.research.connected = false
	for i := 0; i < 2; i++ {
		_, err := env.sessions.Create(context.Background())
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["active_sessions"])
	assert.Equal(t, false, body["blockchain_connected"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/chat/sessions", "")

	w := env.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gene_analysis_active_sessions 1")
}

func TestResearchLookups(t *testing.T) {
	const addr = "0x52908400098527886E0F7030069857D2E4169EE7"
	env := newTestEnv(t, nil)
	env.research.records[3] = &domain.ResearchRecord{
		Researcher: addr,
		ResultData: "BRCA1 variant summary",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		SessionID:  "s1",
	}
	env.research.count = 4

	w := env.do(t, http.MethodGet, "/api/research/"+addr+"/3", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec domain.ResearchRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "BRCA1 variant summary", rec.ResultData)
	assert.Equal(t, "s1", rec.SessionID)

	w = env.do(t, http.MethodGet, "/api/research/"+addr+"/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decode(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/research/"+addr+"/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/research/"+addr+"/9", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestResearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid address", chain.ErrInvalidAddress, http.StatusBadRequest},
		{"not configured", chain.ErrNotConfigured, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.research.err = tt.err

			w := env.do(t, http.MethodGet, "/api/research/nope/count", "")
			assert.Equal(t, tt.status, w.Code)
		})
	}

	env := newTestEnv(t, func(d *Deps) { d.Research = nil })
	w := env.do(t, http.MethodGet, "/api/research/0x1/1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:3000", "https://app.example.com/", "*"})
	assert.Equal(t, []string{"localhost:3000", "app.example.com", "*"}, got)
}
