package api

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
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/records/{entityType}", func(r chi.Router) {
				r.Get("/", h.ListRecords)
				r.Post("/", h.CreateRecord)
				r.Get("/{id}", h.GetRecord)
				r.Put("/{id}", h.UpdateRecord)
				r.Delete("/{id}", h.DeleteRecord)
			})

			r.Get("/sync/status", h.SyncStatus)
			r.Post("/sync/trigger", h.TriggerSync)
			r.Get("/sync/pending", h.ListPending)

			r.Get("/queue", h.ListQueue)
			r.Get("/queue/stats", h.QueueStats)

			r.Route("/cache", func(r chi.Router) {
				r.Get("/stats", h.CacheStats)
				r.Get("/files", h.ListCachedFiles)
				r.Delete("/files", h.ClearCache)
				r.Post("/files/{documentID}", h.DownloadDocument)
				r.Delete("/files/{documentID}", h.EvictDocument)
			})

			r.Get("/watch", h.Watch)
		})
	})

	return r
}
