// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package config loads and validates Dealroom configuration from layered
// sources: struct defaults, an optional YAML file, then environment
// variables (highest priority), via Koanf v2.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the server and the client manager.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Security  SecurityConfig  `koanf:"security"`
	Storage   StorageConfig   `koanf:"storage"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Client    ClientConfig    `koanf:"client"`
	Payments  PaymentsConfig  `koanf:"payments"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// SecurityConfig holds token signing and perimeter settings. The socket
// token is deliberately short-lived: it is the only mechanism binding a
// websocket to an identity, and clients re-mint it through the token
// endpoint rather than holding long-lived credentials.
type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`

	// TokenTTL is the socket-token validity window. Minutes-scale.
	TokenTTL time.Duration `koanf:"token_ttl"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// StorageConfig holds the BadgerDB-backed storage collaborator settings.
type StorageConfig struct {
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. Tests and CI only.
	InMemory bool `koanf:"in_memory"`
}

// WebSocketConfig holds transport-level tuning for server connections.
type WebSocketConfig struct {
	WriteWait      time.Duration `koanf:"write_wait"`
	PongWait       time.Duration `koanf:"pong_wait"`
	MaxMessageSize int64         `koanf:"max_message_size"`
	SendBuffer     int           `koanf:"send_buffer"`
}

// PingPeriod derives the server ping interval from the pong wait so probes
// always fire before the read deadline expires.
func (c WebSocketConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// ClientConfig holds the client session manager's reconnection policy.
type ClientConfig struct {
	// BackoffBase is the first retry delay; attempt n waits base × 2^n.
	BackoffBase time.Duration `koanf:"backoff_base"`

	// BackoffCeiling caps the exponential growth.
	BackoffCeiling time.Duration `koanf:"backoff_ceiling"`

	// RefreshMargin is how long before token expiry a proactive refresh runs.
	RefreshMargin time.Duration `koanf:"refresh_margin"`
}

// PaymentsConfig holds the external payment-capture collaborator settings.
type PaymentsConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Endpoint string        `koanf:"endpoint"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`

	// RequestsPerSecond throttles outbound capture calls.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// minJWTSecretLen is the minimum secret length accepted outside development.
const minJWTSecretLen = 32

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if len(c.Security.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("security.jwt_secret must be at least %d characters", minJWTSecretLen)
	}
	if c.Security.TokenTTL < time.Minute || c.Security.TokenTTL > time.Hour {
		return fmt.Errorf("security.token_ttl must be between 1m and 1h, got %s", c.Security.TokenTTL)
	}
	if c.Client.RefreshMargin >= c.Security.TokenTTL {
		return fmt.Errorf("client.refresh_margin (%s) must be shorter than security.token_ttl (%s)",
			c.Client.RefreshMargin, c.Security.TokenTTL)
	}
	if c.WebSocket.PongWait <= c.WebSocket.WriteWait {
		return fmt.Errorf("websocket.pong_wait (%s) must exceed websocket.write_wait (%s)",
			c.WebSocket.PongWait, c.WebSocket.WriteWait)
	}
	if c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.Payments.Enabled && c.Payments.Endpoint == "" {
		return fmt.Errorf("payments.endpoint is required when payments.enabled is set")
	}
	return nil
}
