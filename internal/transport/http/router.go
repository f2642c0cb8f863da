package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bastion/internal/admin"
	"bastion/internal/platform/health"
	"bastion/internal/platform/middleware"
	"bastion/pkg/platform/requesttime"
)

// RouterConfig carries the dependencies the router mounts.
type RouterConfig struct {
	Handler   *Handler
	Admin     *admin.Handler
	AdminAuth func(http.Handler) http.Handler
	Health    *health.Handler
	Metadata  middleware.MetadataConfig
	Logger    *slog.Logger
}

// NewRouter wires all endpoints with the middleware stack. Probe and
// metrics endpoints sit outside the metadata and logging middleware so
// scrapes stay out of the request logs.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", cfg.Health.Liveness)
	r.Get("/readyz", cfg.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(cfg.Logger))
		r.Use(middleware.RequestID)
		r.Use(requesttime.Middleware)
		r.Use(middleware.Metadata(cfg.Metadata))
		r.Use(middleware.Logger(cfg.Logger))
		r.Use(middleware.Timeout(10 * time.Second))

		r.Route("/api", func(r chi.Router) {
			r.Post("/views/{resourceID}", cfg.Handler.handleView)
			r.Post("/shares/{resourceID}", cfg.Handler.handleShare)
			r.Post("/contact", cfg.Handler.handleContact)
			r.Post("/csp-report", cfg.Handler.handleCSPReport)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.AdminAuth)
			r.Mount("/", cfg.Admin.Routes())
		})
	})

	return r
}
