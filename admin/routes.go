package admin

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers the queue admin API under /admin
func RegisterRoutes(r chi.Router, handlers *AdminHandlers, secret Secret) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", handlers.handleQueueStats)
			r.Get("/dead", handlers.handleListDead)
			r.Post("/dead/{id}/requeue", handlers.handleRequeueDead)
		})
	})

	log.Info().Msg("Admin endpoints enabled at /admin/queue/*")
}
