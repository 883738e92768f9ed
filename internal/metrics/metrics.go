// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package metrics exposes Prometheus instrumentation for the negotiation
// layer: connection and room gauges, frame throughput, transition outcomes,
// storage latency, and circuit breaker state. Collectors are package-level
// promauto vars registered on the default registry and served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive is the number of live authenticated connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealroom_connections_active",
			Help: "Current number of live websocket connections",
		},
	)

	// RoomsActive is the number of negotiation rooms with >=1 subscriber.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealroom_rooms_active",
			Help: "Current number of non-empty negotiation rooms",
		},
	)

	// FramesTotal counts inbound frames by kind and outcome.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_frames_total",
			Help: "Total inbound frames processed",
		},
		[]string{"kind", "outcome"}, // outcome: ok, invalid, denied, not_found, storage_error
	)

	// BroadcastsTotal counts room/user broadcasts by frame type.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_broadcasts_total",
			Help: "Total outbound broadcasts emitted",
		},
		[]string{"frame_type"},
	)

	// PresenceEdgesTotal counts 0→1 and 1→0 presence transitions.
	PresenceEdgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_presence_edges_total",
			Help: "Total presence online/offline edges announced",
		},
		[]string{"edge"}, // online, offline
	)

	// AuthFailuresTotal counts refused handshakes by reason.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_auth_failures_total",
			Help: "Total websocket handshakes refused",
		},
		[]string{"reason"}, // missing_token, invalid_token
	)

	// StorageOpDuration observes storage collaborator latency.
	StorageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealroom_storage_op_duration_seconds",
			Help:    "Duration of storage collaborator operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// StorageOpErrors counts storage collaborator failures.
	StorageOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_storage_op_errors_total",
			Help: "Total storage collaborator errors",
		},
		[]string{"operation"},
	)

	// CircuitBreakerState tracks breaker state per dependency
	// (0 = closed, 1 = half-open, 2 = open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealroom_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTPRequestsTotal counts API requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_http_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes API request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealroom_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentCapturesTotal counts capture attempts by outcome.
	PaymentCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealroom_payment_captures_total",
			Help: "Total payment capture attempts",
		},
		[]string{"outcome"}, // captured, pending_retry, rejected
	)
)

// RecordHTTPRequest records one API request's count and latency.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveStorageOp records one storage call's duration and outcome.
func ObserveStorageOp(operation string, start time.Time, err error) {
	StorageOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StorageOpErrors.WithLabelValues(operation).Inc()
	}
}
