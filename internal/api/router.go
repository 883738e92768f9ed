// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package api provides HTTP routing using Chi router: the websocket upgrade
// endpoint, socket-token issuance, negotiation REST surface, and the
// operational endpoints (health, metrics).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwhite-dev/dealroom/internal/auth"
	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/middleware"
	"github.com/mwhite-dev/dealroom/internal/registry"
	"github.com/mwhite-dev/dealroom/internal/server"
	"github.com/mwhite-dev/dealroom/internal/storage"
)

// Router wires HTTP handlers to their dependencies.
type Router struct {
	ws        *server.Handler
	tokens    *auth.TokenManager
	store     storage.Store
	registry  *registry.Registry
	cfg       *config.Config
	startTime time.Time
}

// NewRouter creates a router over the given components.
func NewRouter(ws *server.Handler, tokens *auth.TokenManager, store storage.Store, reg *registry.Registry, cfg *config.Config) *Router {
	return &Router{
		ws:        ws,
		tokens:    tokens,
		store:     store,
		registry:  reg,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Name"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Health endpoints get a permissive per-IP limit so monitoring can poll
	// freely without opening an abuse vector.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/", router.Health)
		r.Get("/live", router.HealthLive)
		r.Get("/ready", router.HealthReady)
	})

	// Token issuance is the brute-force surface; it gets the strictest limit.
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(10, time.Minute))
		r.Post("/socket-token", router.SocketToken)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			router.cfg.Security.RateLimitReqs,
			router.cfg.Security.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))

		r.Get("/ws", router.ws.ServeWS)

		r.Post("/negotiations", router.CreateNegotiation)
		r.Get("/negotiations/{id}", router.GetNegotiation)
		r.Get("/negotiations/{id}/messages", router.ListMessages)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
