package ingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterOptions struct {
	// Admin is mounted under /v1 when set.
	Admin           *Admin
	AdminMiddleware func(http.Handler) http.Handler
	Health          http.Handler
	Metrics         http.Handler
}

// NewRouter builds the ingest process's HTTP surface.
func NewRouter(intake *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	intake.Mount(r)
	if opts.Admin != nil {
		opts.Admin.Mount(r, opts.AdminMiddleware)
	}
	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}
