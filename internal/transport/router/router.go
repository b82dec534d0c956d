package router

import (
	"github.com/Darmau/koktohay-api/internal/transport/handler"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/images", func(r chi.Router) {
			r.Post("/", h.UploadImage)
			r.Get("/latest", h.Latest)
			r.Get("/{id}", h.GetImage)
			r.Get("/{id}/urls", h.GetURLs)
			r.Post("/{id}/retry", h.Retry)
			r.Put("/{id}/raw", h.ReplaceRaw)
			r.Patch("/{id}", h.UpdateMeta)
			r.Delete("/{id}", h.Delete)
		})
	})

	return r
}
