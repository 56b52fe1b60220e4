package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts all public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/checks", h.HandleSubmitCheck)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.HandleSubmitJob)
			r.Get("/", h.HandleListJobs)
			r.Get("/{job_id}", h.HandleGetJob)
			r.Post("/{job_id}/cancel", h.HandleCancelJob)
		})
		r.Get("/subscribe", h.HandleSubscribe)
	})
	return r
}
