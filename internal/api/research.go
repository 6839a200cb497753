package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/gene-analysis/internal/chain"
	"github.com/go-chi/chi/v5"
)

// GetResearch reads one research entry from the registry.
func (h *Handler) GetResearch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "researchID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid research id")
		return
	}
	if h.research == nil {
		Error(w, http.StatusServiceUnavailable, chain.ErrNotConfigured.Error())
		return
	}

	record, err := h.research.GetResearch(r.Context(), chi.URLParam(r, "address"), id)
	if err != nil {
		h.researchError(w, err)
		return
	}
	JSON(w, http.StatusOK, record)
}

// GetResearchCount returns the number of entries stored for an address.
func (h *Handler) GetResearchCount(w http.ResponseWriter, r *http.Request) {
	if h.research == nil {
		Error(w, http.StatusServiceUnavailable, chain.ErrNotConfigured.Error())
		return
	}
	address := chi.URLParam(r, "address")
	count, err := h.research.GetResearchCount(r.Context(), address)
	if err != nil {
		h.researchError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"researcher": address,
		"count":      count,
	})
}

func (h *Handler) researchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chain.ErrInvalidAddress):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chain.ErrNotConfigured):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Registry call failed", "error", err)
		Error(w, http.StatusBadGateway, "registry call failed")
	}
}
