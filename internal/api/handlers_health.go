// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package api

import (
	"net/http"
	"time"
)

type healthStatus struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Connections int     `json:"connections"`
	Uptime      float64 `json:"uptime_seconds"`
}

// Health reports overall service health plus a connection count snapshot.
func (router *Router) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthStatus{
		Status:      "healthy",
		Version:     "1.0.0",
		Connections: router.registry.ConnectionCount(),
		Uptime:      time.Since(router.startTime).Seconds(),
	})
}

// HealthLive is the liveness probe: 200 whenever the process is up.
func (router *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(router.startTime).Seconds(),
	})
}

// HealthReady is the readiness probe: 200 once storage and the registry are
// wired, 503 otherwise.
func (router *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	if router.store == nil || router.registry == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies not initialized")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}
