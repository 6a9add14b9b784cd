// Package httpapi is the thin HTTP surface of the pipeline: usage ingestion,
// read-only price quotes, dead-letter inspection and replay, health and
// Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmonetize/openmonetize-sub001/internal/auth"
	"github.com/openmonetize/openmonetize-sub001/internal/deadletter"
	"github.com/openmonetize/openmonetize-sub001/internal/ingest"
	"github.com/openmonetize/openmonetize-sub001/internal/middleware"
	"github.com/openmonetize/openmonetize-sub001/internal/processor"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// defaultMaxBodyBytes caps request bodies when no limit is configured
const defaultMaxBodyBytes = 5 << 20

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Ingest       *ingest.Service
	Pricer       processor.Pricer
	DeadLetter   *deadletter.Manager
	HealthChecks map[string]HealthCheck
	JWTSecret    []byte
	MaxBodyBytes int64
	Logger       *utils.Logger
}

// Handler serves every route of the HTTP surface
type Handler struct {
	deps   Dependencies
	logger *utils.Logger
}

// NewRouter creates the chi router with all routes wired up
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = utils.NopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogging(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.OperatorJWT(deps.JWTSecret, auth.RoleService))
		r.Post("/usage/events", h.SubmitUsageEvents)
		r.Post("/pricing/quote", h.Quote)
	})

	r.Route("/admin/dead-letter", func(r chi.Router) {
		r.With(middleware.OperatorJWT(deps.JWTSecret, auth.RoleViewer)).Get("/", h.ListDeadLetters)
		r.With(middleware.OperatorJWT(deps.JWTSecret, auth.RoleViewer)).Get("/{id}", h.GetDeadLetter)
		r.With(middleware.OperatorJWT(deps.JWTSecret, auth.RoleAdmin)).Post("/replay", h.ReplayDeadLetters)
	})

	return r
}
