// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package negotiation holds the pure decision logic of the negotiation state
// machine. Given the current negotiation, the acting user, and an inbound
// frame, Transition decides whether the move is legal and what changes. It is
// side-effect free: the protocol handler persists and broadcasts only after a
// non-rejected result.
package negotiation

import (
	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// Refusal reasons surfaced in access_denied error frames.
const (
	ReasonNotParticipant = "not a participant"
	ReasonTerminal       = "terminal negotiation"
	ReasonNotActive      = "negotiation is not active"
	ReasonBuyerOnly      = "only the buyer can make an offer"
	ReasonSellerOnly     = "only the seller can counter"
)

// Result describes the outcome of a legal transition: the message row to
// append and the negotiation fields to update.
type Result struct {
	Kind    models.MessageKind
	Content string
	Amount  *float64

	// Status is the negotiation status after the transition.
	Status        models.NegotiationStatus
	StatusChanged bool

	// OfferChanged is set when CurrentOffer must be written to *Amount.
	OfferChanged bool
}

// Transition applies one negotiation-mutating frame against the current
// negotiation state. It returns the resulting mutation description, or a
// protocol error (access_denied or invalid_frame) when the move is illegal.
func Transition(neg *models.Negotiation, actorID uuid.UUID, frame protocol.Inbound) (*Result, *protocol.Error) {
	if !neg.IsParticipant(actorID) {
		return nil, protocol.AccessDenied(ReasonNotParticipant)
	}

	switch f := frame.(type) {
	case protocol.Chat:
		// Chat is recorded for audit even against a terminal negotiation.
		return &Result{Kind: models.MessageChat, Content: f.Content, Status: neg.Status}, nil

	case protocol.Offer:
		if err := requireActive(neg); err != nil {
			return nil, err
		}
		if actorID != neg.BuyerID {
			return nil, protocol.AccessDenied(ReasonBuyerOnly)
		}
		amount := f.Amount
		return &Result{
			Kind:         models.MessageOffer,
			Content:      f.Message,
			Amount:       &amount,
			Status:       neg.Status,
			OfferChanged: true,
		}, nil

	case protocol.Counter:
		if err := requireActive(neg); err != nil {
			return nil, err
		}
		if actorID != neg.SellerID {
			return nil, protocol.AccessDenied(ReasonSellerOnly)
		}
		amount := f.Amount
		return &Result{
			Kind:         models.MessageCounter,
			Content:      f.Message,
			Amount:       &amount,
			Status:       neg.Status,
			OfferChanged: true,
		}, nil

	case protocol.Accept:
		if err := requireActive(neg); err != nil {
			return nil, err
		}
		return &Result{
			Kind:          models.MessageAccept,
			Status:        models.NegotiationCompleted,
			StatusChanged: true,
		}, nil

	case protocol.Reject:
		if err := requireActive(neg); err != nil {
			return nil, err
		}
		// Reference behavior: reject records the refusal but leaves the
		// negotiation active. An explicit status_change to "rejected" is the
		// path that ends it.
		return &Result{Kind: models.MessageReject, Content: f.Message, Status: neg.Status}, nil

	case protocol.StatusChange:
		if neg.Status.IsTerminal() {
			return nil, protocol.AccessDenied(ReasonTerminal)
		}
		if !f.Status.Valid() {
			return nil, protocol.InvalidFrame("unknown status: %s", f.Status)
		}
		return &Result{
			Kind:          models.MessageStatus,
			Content:       string(f.Status),
			Status:        f.Status,
			StatusChanged: f.Status != neg.Status,
		}, nil
	}

	return nil, protocol.InvalidFrame("frame kind does not mutate a negotiation")
}

// requireActive refuses offer/counter/accept/reject against anything but an
// active negotiation, distinguishing terminal refusals for the error message.
func requireActive(neg *models.Negotiation) *protocol.Error {
	if neg.Status.IsTerminal() {
		return protocol.AccessDenied(ReasonTerminal)
	}
	if neg.Status != models.NegotiationActive {
		return protocol.AccessDenied(ReasonNotActive)
	}
	return nil
}
