package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/sync/push", h.SyncPush)
			r.Get("/sync/pull", h.SyncPull)
			r.Post("/workspaces", h.CreateWorkspace)
			r.Post("/workspaces/{workspaceID}/invites", h.CreateInvite)
			r.Get("/workspaces/{workspaceID}/members", h.ListMembers)
			r.Post("/invites/{token}/accept", h.AcceptInvite)
		})
	})

	return r
}
