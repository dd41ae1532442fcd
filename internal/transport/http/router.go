package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/exporter"
	"desklicense/internal/infrastructure"
	"desklicense/internal/middleware"
	"desklicense/internal/services"
)

// RouterConfig wires the admin API.
type RouterConfig struct {
	Licenses services.LicenseService
	Health   *services.HealthService
	Exporter *exporter.Exporter
	Logger   *slog.Logger

	// AdminToken guards /api. Empty disables authentication.
	AdminToken string
	// RateLimit is nil when rate limiting is disabled.
	RateLimit *middleware.RateLimiter
	// Telemetry instruments every request when set.
	Telemetry *middleware.OTelMiddleware
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the chi router for the admin API.
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := licenseErrors.NewErrorHandler(logger, infrastructure.GetTraceID)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Telemetry != nil {
		r.Use(cfg.Telemetry.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	if cfg.Health != nil {
		r.Get("/healthz", NewHealthHandler(cfg.Health).Check)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.Handler)
		}
		r.Use(middleware.AdminToken(cfg.AdminToken, logger))

		r.Mount("/keys", NewKeyHandler(cfg.Licenses, errs, logger).Routes())
		r.Mount("/licenses", NewLicenseHandler(cfg.Licenses, cfg.Exporter, errs, logger).Routes())
	})

	return r
}
