// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package payments wraps the external payment-capture service. The
// negotiation layer invokes it exactly once when a negotiation completes and
// only ever reports the resulting status; money movement stays on the other
// side of this boundary. The HTTP client sits behind a circuit breaker so a
// degraded payment service cannot cascade into the socket handlers, plus an
// outbound rate limiter.
package payments

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/models"
)

// CaptureClient calls the external capture endpoint.
type CaptureClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker[models.PaymentStatus]
	limiter  *rate.Limiter
	name     string
}

// captureRequest is the body sent to the capture endpoint.
type captureRequest struct {
	NegotiationID string  `json:"negotiation_id"`
	ProductID     string  `json:"product_id"`
	BuyerID       string  `json:"buyer_id"`
	SellerID      string  `json:"seller_id"`
	Amount        float64 `json:"amount"`
}

// NewCaptureClient builds the capture collaborator. Breaker settings: open
// after a 60% failure rate over at least 10 requests, recover after 2
// minutes, 3 probes in half-open.
func NewCaptureClient(cfg *config.PaymentsConfig) *CaptureClient {
	cbName := "payment-capture"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[models.PaymentStatus](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &CaptureClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		name:     cbName,
	}
}

// Capture requests payment capture for a completed negotiation at its
// current offer. Returns the resulting status; on any failure the caller
// records pending_retry and moves on.
func (c *CaptureClient) Capture(ctx context.Context, neg *models.Negotiation) (models.PaymentStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.PaymentPendingRetry, fmt.Errorf("rate limiter: %w", err)
	}

	status, err := c.cb.Execute(func() (models.PaymentStatus, error) {
		return c.doCapture(ctx, neg)
	})
	if err != nil {
		metrics.PaymentCapturesTotal.WithLabelValues("pending_retry").Inc()
		return models.PaymentPendingRetry, err
	}

	metrics.PaymentCapturesTotal.WithLabelValues(string(status)).Inc()
	return status, nil
}

func (c *CaptureClient) doCapture(ctx context.Context, neg *models.Negotiation) (models.PaymentStatus, error) {
	body, err := json.Marshal(captureRequest{
		NegotiationID: neg.ID.String(),
		ProductID:     neg.ProductID.String(),
		BuyerID:       neg.BuyerID.String(),
		SellerID:      neg.SellerID.String(),
		Amount:        neg.CurrentOffer,
	})
	if err != nil {
		return models.PaymentPendingRetry, fmt.Errorf("marshal capture request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.PaymentPendingRetry, fmt.Errorf("build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.PaymentPendingRetry, fmt.Errorf("capture request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return models.PaymentPendingRetry, fmt.Errorf("capture service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// A definitive rejection is not a breaker failure; the service
		// answered and said no.
		metrics.PaymentCapturesTotal.WithLabelValues("rejected").Inc()
		return models.PaymentPendingRetry, nil
	}
	return models.PaymentCaptured, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
