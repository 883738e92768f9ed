// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package services

import (
	"context"
)

// ContextRegistry matches *registry.Registry's Serve method without
// importing the registry package.
type ContextRegistry interface {
	Serve(ctx context.Context) error
}

// RegistryService wraps the connection registry as a supervised service.
type RegistryService struct {
	registry ContextRegistry
	name     string
}

// NewRegistryService creates the wrapper.
func NewRegistryService(reg ContextRegistry) *RegistryService {
	return &RegistryService{
		registry: reg,
		name:     "connection-registry",
	}
}

// Serve implements suture.Service; it delegates to the registry, which
// blocks until the context is canceled and then closes every connection.
func (s *RegistryService) Serve(ctx context.Context) error {
	return s.registry.Serve(ctx)
}

// String implements fmt.Stringer for suture's event log.
func (s *RegistryService) String() string {
	return s.name
}
