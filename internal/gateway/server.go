package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	if g.metrics != nil {
		r.Use(g.metrics.middleware)
	}
	if len(g.config.CORS.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: g.config.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         g.config.CORS.MaxAge,
		}).Handler)
	}

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	if g.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.gather, promhttp.HandlerOpts{}))
	}

	// Webhooks carry their own HMAC auth per source.
	r.Post("/webhooks/{source}", g.handleWebhook())

	// API endpoints, auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth, g.audit, g.limiter))
			r.Get("/status", g.handleStatus())
			r.Route("/api", func(r chi.Router) {
				r.Get("/modules", g.handleGetAllModules())
				r.Route("/snaps", func(r chi.Router) {
					r.Get("/", g.handleListSnaps())
					r.Post("/", g.handleInstallSnap())
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", g.handleGetSnap())
						r.Delete("/", g.handleRemoveSnap())
						r.Get("/permissions", g.handleSnapPermissions())
						r.Post("/request", g.handleSnapRequest())
						r.Post("/start", g.handleStartSnap())
						r.Post("/stop", g.handleStopSnap())
						r.Post("/enable", g.handleEnableSnap())
						r.Post("/disable", g.handleDisableSnap())
					})
				})
				r.Get("/cronjobs", g.handleListCronjobs())
				r.Get("/execution/jobs", g.handleListJobs())
				r.Post("/execution/terminate-all", g.handleTerminateAll())
			})
		})
	} else {
		g.logger.Warn("gateway: no auth configured, /api endpoints are disabled")
	}

	return r
}
