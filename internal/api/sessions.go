package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/gene-analysis/internal/store"
	"github.com/go-chi/chi/v5"
)

// CreateSession starts a new chat session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	h.refreshSessionGauge(r)

	JSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
	})
}

// GetSession returns a session with its messages.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession removes a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	existed, err := h.sessions.Delete(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to delete session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !existed {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	h.refreshSessionGauge(r)

	JSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"session_id": id,
	})
}

func (h *Handler) refreshSessionGauge(r *http.Request) {
	if h.metrics == nil {
		return
	}
	if n, err := h.sessions.Count(r.Context()); err == nil {
		h.metrics.SetActiveSessions(n)
	}
}
