// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Dealroom is a real-time negotiation server for marketplace haggling:
// buyers and sellers exchange chat, offers, and counter-offers over a
// websocket, with presence tracking and durable message history.
//
// # Quick Start
//
//	DEALROOM_SECURITY_JWT_SECRET=$(openssl rand -hex 32) \
//	DEALROOM_STORAGE_PATH=/var/lib/dealroom \
//	dealroom-server
//
// Configuration layers: struct defaults, then an optional YAML file
// (DEALROOM_CONFIG_FILE), then DEALROOM_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwhite-dev/dealroom/internal/api"
	"github.com/mwhite-dev/dealroom/internal/auth"
	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/payments"
	"github.com/mwhite-dev/dealroom/internal/presence"
	"github.com/mwhite-dev/dealroom/internal/registry"
	"github.com/mwhite-dev/dealroom/internal/server"
	"github.com/mwhite-dev/dealroom/internal/storage"
	"github.com/mwhite-dev/dealroom/internal/supervisor"
	"github.com/mwhite-dev/dealroom/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("storage_path", cfg.Storage.Path).
		Bool("payments_enabled", cfg.Payments.Enabled).
		Msg("Configuration loaded")

	store, err := storage.NewBadgerStore(&cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	reg := registry.New()
	tracker := presence.NewTracker(store, reg)

	tokens, err := auth.NewTokenManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token manager")
	}

	// The capture client stays nil when payments are disabled; the accept
	// flow then completes without a capture attempt.
	var capturer server.PaymentCapturer
	if cfg.Payments.Enabled {
		capturer = payments.NewCaptureClient(&cfg.Payments)
		logging.Info().Str("endpoint", cfg.Payments.Endpoint).Msg("Payment capture enabled")
	}

	wsHandler := server.NewHandler(reg, store, tracker, tokens, capturer, cfg.WebSocket)
	router := api.NewRouter(wsHandler, tokens, store, reg, cfg)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(services.NewRegistryService(reg))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
