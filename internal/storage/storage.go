// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package storage defines the storage collaborator consumed by the protocol
// layer, plus the BadgerDB implementation used in single-process
// deployments. The protocol handler never touches persistence directly;
// everything flows through the Store interface so the collaborator stays
// swappable.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/models"
)

// ErrNotFound indicates the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the storage collaborator interface consumed by the protocol
// handler and the presence tracker. Calls may block; callers must not hold
// registry locks across them.
type Store interface {
	// Negotiations.
	CreateNegotiation(ctx context.Context, neg *models.Negotiation) error
	GetNegotiation(ctx context.Context, id uuid.UUID) (*models.Negotiation, error)
	UpdateNegotiationStatus(ctx context.Context, id uuid.UUID, status models.NegotiationStatus) error
	UpdateNegotiationOffer(ctx context.Context, id uuid.UUID, amount float64) error
	UpdateNegotiationPaymentStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus) error

	// Append-only message log.
	CreateMessage(ctx context.Context, msg *models.NegotiationMessage) error
	ListMessages(ctx context.Context, negotiationID uuid.UUID) ([]models.NegotiationMessage, error)

	// Users and presence.
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserOnlineStatus(ctx context.Context, id uuid.UUID, online bool) error
	SetUserLastSeen(ctx context.Context, id uuid.UUID) error
	GetUsersOnlineStatus(ctx context.Context, ids []uuid.UUID) ([]models.PresenceRecord, error)

	Close() error
}
