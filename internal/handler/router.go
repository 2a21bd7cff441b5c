// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/olegiv/beacon/internal/cache"
	"github.com/olegiv/beacon/internal/geoip"
	"github.com/olegiv/beacon/internal/middleware"
	"github.com/olegiv/beacon/internal/store"
	"github.com/olegiv/beacon/internal/telemetry"
)

// RouterConfig wires the ingestion service routes.
type RouterConfig struct {
	Store     *store.Store
	Cache     cache.Cache
	CacheInfo cache.Info
	Geo       geoip.Resolver
	Archiver  Archiver
	Logger    *slog.Logger
	Version   string

	Events         EventsConfig
	IngestRPS      float64
	IngestBurst    int
	RequestTimeout time.Duration
	IsDevelopment  bool

	// Tracker, when set, records the service's own panics and errors.
	Tracker *telemetry.Tracker
}

// NewRouter builds the chi router for the ingestion service.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Tracker != nil {
		r.Use(cfg.Tracker.Middleware(telemetry.MiddlewareConfig{}))
	}
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig(cfg.IsDevelopment)))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	health := NewHealthHandler(cfg.Store, cfg.Cache, cfg.CacheInfo, cfg.Version)
	r.Get("/health", health.Health)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	events := NewEventsHandler(cfg.Store, cfg.Cache, cfg.Geo, cfg.Archiver, cfg.Events, cfg.Logger)
	stats := NewStatsHandler(cfg.Store, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.IngestAuth(cfg.Store, cfg.Logger))
		if cfg.IngestRPS > 0 {
			r.Use(middleware.IngestRateLimit(cfg.IngestRPS, cfg.IngestBurst))
		}
		r.Post("/events", events.Ingest)
		r.Get("/stats", stats.Stats)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteAPIError(w, http.StatusNotFound, "not_found", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})

	return r
}
