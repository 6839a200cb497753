package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/gene-analysis/internal/domain"
)

const healthCheckTimeout = 5 * time.Second

// Version is reported by the root endpoint.
const Version = "1.0.0"

// Root describes the API.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"message": "Gene Analysis Backend API",
		"version": Version,
		"docs":    "/docs",
	})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.sessions.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["sessions"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["sessions"] = "ok"
	}

	if h.agent != nil {
		if err := h.agent.Health(ctx); err != nil {
			h.logger.Warn("Agent health check failed", "error", err)
			checks["agent"] = "unavailable"
		} else {
			checks["agent"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]any{
		"status":               status,
		"blockchain_connected": h.blockchainConnected(ctx),
		"checks":               checks,
		"timestamp":            domain.Timestamp(time.Now()),
	})
}

// Stats reports active sessions and blockchain connectivity.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	count, err := h.sessions.Count(r.Context())
	if err != nil {
		h.logger.Error("Failed to count sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}
	h.metrics.SetActiveSessions(count)

	JSON(w, http.StatusOK, map[string]any{
		"active_sessions":      count,
		"blockchain_connected": h.blockchainConnected(r.Context()),
		"timestamp":            domain.Timestamp(time.Now()),
	})
}

func (h *Handler) blockchainConnected(ctx context.Context) bool {
	if h.research == nil {
		return false
	}
	return h.research.IsConnected(ctx)
}
