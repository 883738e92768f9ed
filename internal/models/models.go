// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package models defines the core data types shared between the protocol
// layer, the storage collaborator, and the wire envelope.
package models

import (
	"time"

	"github.com/google/uuid"
)

// NegotiationStatus is the lifecycle state of a negotiation.
type NegotiationStatus string

const (
	NegotiationActive    NegotiationStatus = "active"
	NegotiationAccepted  NegotiationStatus = "accepted"
	NegotiationRejected  NegotiationStatus = "rejected"
	NegotiationCompleted NegotiationStatus = "completed"
	NegotiationCancelled NegotiationStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further offer-mutating
// transitions. Message rows of kind "status" or "chat" may still be recorded
// for audit against a terminal negotiation.
func (s NegotiationStatus) IsTerminal() bool {
	return s == NegotiationCompleted || s == NegotiationCancelled
}

// Valid reports whether s is one of the known lifecycle states.
func (s NegotiationStatus) Valid() bool {
	switch s {
	case NegotiationActive, NegotiationAccepted, NegotiationRejected,
		NegotiationCompleted, NegotiationCancelled:
		return true
	}
	return false
}

// PaymentStatus tracks the external capture flow. The negotiation layer only
// reports it; money movement happens in the payments collaborator.
type PaymentStatus string

const (
	PaymentNone         PaymentStatus = ""
	PaymentCaptured     PaymentStatus = "captured"
	PaymentPendingRetry PaymentStatus = "pending_retry"
)

// Negotiation is the authoritative record of one buyer/seller negotiation.
// Owned by the storage collaborator; the protocol layer reads it for
// authorization and writes status/current_offer as transition side effects.
type Negotiation struct {
	ID            uuid.UUID         `json:"id"`
	ProductID     uuid.UUID         `json:"product_id"`
	BuyerID       uuid.UUID         `json:"buyer_id"`
	SellerID      uuid.UUID         `json:"seller_id"`
	Status        NegotiationStatus `json:"status"`
	CurrentOffer  float64           `json:"current_offer"`
	PaymentStatus PaymentStatus     `json:"payment_status,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (n *Negotiation) IsParticipant(userID uuid.UUID) bool {
	return n.BuyerID == userID || n.SellerID == userID
}

// MessageKind classifies entries in the append-only negotiation log.
type MessageKind string

const (
	MessageChat    MessageKind = "chat"
	MessageOffer   MessageKind = "offer"
	MessageCounter MessageKind = "counter"
	MessageAccept  MessageKind = "accept"
	MessageReject  MessageKind = "reject"
	MessageStatus  MessageKind = "status"
)

// NegotiationMessage is one immutable entry in a negotiation's conversation
// log. IDs are ULIDs so the log sorts lexically by creation time.
type NegotiationMessage struct {
	ID            string      `json:"id"`
	NegotiationID uuid.UUID   `json:"negotiation_id"`
	SenderID      uuid.UUID   `json:"sender_id"`
	SenderName    string      `json:"sender_name,omitempty"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content,omitempty"`
	Amount        *float64    `json:"amount,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// User is the slice of the account record the negotiation layer needs:
// identity for authorization and display, presence for the tracker.
type User struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// PresenceRecord is the persisted online/offline view of one user.
type PresenceRecord struct {
	UserID     uuid.UUID `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
