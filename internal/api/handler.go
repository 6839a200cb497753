// Package api provides HTTP handlers for the gene analysis API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/gene-analysis/internal/chat"
	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/ashureev/gene-analysis/internal/metrics"
	"github.com/ashureev/gene-analysis/internal/store"
)

// ChatRunner runs one chat turn against an emitter.
type ChatRunner interface {
	Run(ctx context.Context, req chat.Request, em chat.Emitter)
}

// Research is the read side of the research registry.
type Research interface {
	IsConnected(ctx context.Context) bool
	GetResearch(ctx context.Context, researcher string, id uint64) (*domain.ResearchRecord, error)
	GetResearchCount(ctx context.Context, researcher string) (uint64, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	sessions    store.Repository
	chat        ChatRunner
	research    Research
	agent       HealthChecker
	metrics     *metrics.Metrics
	sse         config.SSEConfig
	rateLimiter *RateLimiter
	logger      *slog.Logger

	originPatterns []string
}

// Deps groups the collaborators of Handler. Research, Agent and Metrics may be nil.
type Deps struct {
	Sessions    store.Repository
	Chat        ChatRunner
	Research    Research
	Agent       HealthChecker
	Metrics     *metrics.Metrics
	SSE         config.SSEConfig
	RateLimiter *RateLimiter
	Logger      *slog.Logger

	// AllowedOrigins are CORS origins; they also gate WebSocket upgrades.
	AllowedOrigins []string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		sessions:    d.Sessions,
		chat:        d.Chat,
		research:    d.Research,
		agent:       d.Agent,
		metrics:     d.Metrics,
		sse:         d.SSE,
		rateLimiter: d.RateLimiter,
		logger:      d.Logger,

		originPatterns: originPatterns(d.AllowedOrigins),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// allow applies the per-client rate limit.
func (h *Handler) allow(r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	return h.rateLimiter.Allow(clientKey(r))
}

// originPatterns turns CORS origins into host patterns for websocket.Accept.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		if o = strings.TrimSuffix(o, "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// clientKey identifies the caller. RealIP has already rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
