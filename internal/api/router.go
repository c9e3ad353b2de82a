package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional pieces mounted next to the API
type RouterOptions struct {
	AllowedOrigins []string
	Events         http.Handler
	Metrics        http.Handler
	Recorder       RequestRecorder
}

// NewRouter wires every route onto a chi router
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Logger, opts.Recorder))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Events != nil {
		r.Method(http.MethodGet, "/ws", opts.Events)
	}

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/assets", h.ListAssets)
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/paged", h.ListOrdersPaged)
		r.Delete("/orders/{id}", h.CancelOrder)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Post("/admin/orders/{id}/match", h.MatchOrder)
		})
	})

	return r
}
