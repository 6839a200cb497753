package api

import (
	"net/http"

	"github.com/ashureev/gene-analysis/internal/middleware"
	"github.com/ashureev/gene-analysis/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP routes.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/metrics", h.metrics.Handler().ServeHTTP)
	r.Mount("/docs", http.StripPrefix("/docs", web.DocsHandler()))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/send", h.SendMessage)
			r.Get("/ws", h.ChatWebSocket)
			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions/{sessionID}", h.GetSession)
			r.Delete("/sessions/{sessionID}", h.DeleteSession)
		})

		r.Route("/research/{address}", func(r chi.Router) {
			r.Get("/count", h.GetResearchCount)
			r.Get("/{researchID}", h.GetResearch)
		})
	})

	return r
}
