package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/seriusokhatsky/image-optimization/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/api/optimize", func(r chi.Router) {
		r.Post("/submit", h.Submit)
		r.Get("/status/{taskID}", h.Status)
		r.Get("/download/{taskID}", h.Download)
		r.Get("/download/{taskID}/webp", h.DownloadWebP)

		r.Get("/quota", h.Quota)
		r.Post("/refresh-quota", h.RefreshQuota)
		r.Post("/reset-usage", h.ResetUsage)
	})

	return r
}
