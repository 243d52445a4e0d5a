package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
)

// NewRouter creates the router with all routes and middleware. hub may be
// nil, in which case /ws is not served.
func NewRouter(eng *engine.Engine, cfg *config.Config, hub *WebSocketHub) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(securityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	limiter := NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	r.Use(func(next http.Handler) http.Handler {
		return RateLimitMiddleware(next, limiter)
	})

	api := NewAPIHandlers(eng)

	// Unauthenticated routes
	r.Get("/health", api.Health)
	if hub != nil {
		// Origin validation guards the event stream.
		r.Handle("/ws", hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return RequireAuth(next, cfg)
		})

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", api.CreateMemory)
			r.Get("/{id}", api.GetMemory)
		})

		r.Post("/search", api.Search)

		r.Route("/categories/{category}", func(r chi.Router) {
			r.Post("/evolve", api.EvolveCategory)
			r.Post("/decay", api.DecayCategory)
			r.Get("/snapshots", api.ListSnapshots)
			r.Get("/subcategories", api.ListSubcategories)
		})

		r.Post("/interactions", api.RecordInteraction)
		r.Get("/users/{user}/recommendations", api.Recommend)
		r.Get("/recommendations/popular", api.Popular)

		r.Route("/cache", func(r chi.Router) {
			r.Delete("/", api.InvalidateCache)
			r.Get("/stats", api.CacheStats)
		})
	})

	return r
}
