// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package protocol defines the wire envelope for the negotiation socket: a
// closed tagged union of inbound frames, the outbound frame constructors, and
// the typed error taxonomy. Frames are self-describing JSON text messages
// decoded exactly once; unknown types are a typed error, never a crash.
package protocol

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/models"
)

// Inbound frame types.
const (
	TypeJoinNegotiation  = "join_negotiation"
	TypeLeaveNegotiation = "leave_negotiation"
	TypeChat             = "chat"
	TypeOffer            = "offer"
	TypeCounter          = "counter"
	TypeAccept           = "accept"
	TypeReject           = "reject"
	TypeStatusChange     = "status_change"
	TypePresenceUpdate   = "presence_update"
	TypePresenceRequest  = "presence_request"
	TypePing             = "ping"
)

// Outbound frame types.
const (
	TypeConnectionConfirmed     = "connection_confirmed"
	TypeNegotiationUpdate       = "negotiation_update"
	TypeNegotiationStatusUpdate = "negotiation_status_update"
	TypePresenceData            = "presence_data"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// MaxContentLength bounds chat/offer message content. Actual sanitization is
// delegated to the content-safety collaborator upstream of this layer.
const MaxContentLength = 2000

// envelope is the outer shape of every frame on the wire.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound is the closed set of client-to-server frames. Exactly one concrete
// payload type implements it per wire type; handlers switch exhaustively.
type Inbound interface {
	inbound()
}

// Join subscribes the connection to a negotiation's room.
type Join struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
}

// Leave unsubscribes the connection from a negotiation's room.
type Leave struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
}

// Chat carries a free-text message within a negotiation.
type Chat struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
	Content       string    `json:"content" validate:"required,max=2000"`
}

// Offer is the buyer's price proposal.
type Offer struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
	Amount        float64   `json:"amount" validate:"required,gt=0"`
	Message       string    `json:"message,omitempty" validate:"max=2000"`
}

// Counter is the seller's price counter-proposal.
type Counter struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
	Amount        float64   `json:"amount" validate:"required,gt=0"`
	Message       string    `json:"message,omitempty" validate:"max=2000"`
}

// Accept closes the negotiation at the current offer.
type Accept struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
}

// Reject declines the current offer without terminating the negotiation.
type Reject struct {
	NegotiationID uuid.UUID `json:"negotiation_id" validate:"required"`
	Message       string    `json:"message,omitempty" validate:"max=2000"`
}

// StatusChange requests an explicit lifecycle transition.
type StatusChange struct {
	NegotiationID uuid.UUID                `json:"negotiation_id" validate:"required"`
	Status        models.NegotiationStatus `json:"status" validate:"required,oneof=active accepted rejected completed cancelled"`
}

// PresenceUpdate is a client-driven online/offline hint.
type PresenceUpdate struct {
	IsOnline bool `json:"is_online"`
}

// PresenceRequest asks for the persisted presence of the given users, or of
// every currently connected user when the list is omitted.
type PresenceRequest struct {
	UserIDs []uuid.UUID `json:"user_ids,omitempty"`
}

// Ping is an application-level liveness probe; the server answers with pong.
type Ping struct{}

func (Join) inbound()            {}
func (Leave) inbound()           {}
func (Chat) inbound()            {}
func (Offer) inbound()           {}
func (Counter) inbound()         {}
func (Accept) inbound()          {}
func (Reject) inbound()          {}
func (StatusChange) inbound()    {}
func (PresenceUpdate) inbound()  {}
func (PresenceRequest) inbound() {}
func (Ping) inbound()            {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeInbound parses one raw text message into its typed inbound frame.
// The returned error is always a *Error with code invalid_frame; callers
// reply with an error frame and keep the connection open.
func DecodeInbound(raw []byte) (Inbound, *Error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, InvalidFrame("malformed frame: %v", err)
	}
	if env.Type == "" {
		return nil, InvalidFrame("missing frame type")
	}

	frame, ok := newPayload(env.Type)
	if !ok {
		return nil, InvalidFrame("Unknown message type: %s", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, frame); err != nil {
			return nil, InvalidFrame("malformed %s payload: %v", env.Type, err)
		}
	}

	if err := validate.Struct(frame); err != nil {
		return nil, InvalidFrame("invalid %s payload: %v", env.Type, err)
	}

	return deref(frame), nil
}

// newPayload returns a pointer to the zero payload for a wire type.
func newPayload(wireType string) (interface{}, bool) {
	switch wireType {
	case TypeJoinNegotiation:
		return &Join{}, true
	case TypeLeaveNegotiation:
		return &Leave{}, true
	case TypeChat:
		return &Chat{}, true
	case TypeOffer:
		return &Offer{}, true
	case TypeCounter:
		return &Counter{}, true
	case TypeAccept:
		return &Accept{}, true
	case TypeReject:
		return &Reject{}, true
	case TypeStatusChange:
		return &StatusChange{}, true
	case TypePresenceUpdate:
		return &PresenceUpdate{}, true
	case TypePresenceRequest:
		return &PresenceRequest{}, true
	case TypePing:
		return &Ping{}, true
	}
	return nil, false
}

// deref converts the decoded *T back to its value form so type switches on
// Inbound match the value types.
func deref(frame interface{}) Inbound {
	switch f := frame.(type) {
	case *Join:
		return *f
	case *Leave:
		return *f
	case *Chat:
		return *f
	case *Offer:
		return *f
	case *Counter:
		return *f
	case *Accept:
		return *f
	case *Reject:
		return *f
	case *StatusChange:
		return *f
	case *PresenceUpdate:
		return *f
	case *PresenceRequest:
		return *f
	case *Ping:
		return *f
	}
	return nil
}

// Outbound is one server-to-client frame ready for encoding.
type Outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Marshal encodes the frame as a single JSON text message.
func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// Encode builds the wire form of one client-to-server frame.
func Encode(frameType string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(envelope{Type: frameType, Data: data})
}

// ConnectionConfirmedData accompanies the post-handshake confirmation.
type ConnectionConfirmedData struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

// NegotiationUpdateData carries one persisted message plus the negotiation
// snapshot it produced. Broadcast to every connection in the room.
type NegotiationUpdateData struct {
	NegotiationID uuid.UUID                  `json:"negotiation_id"`
	Message       *models.NegotiationMessage `json:"message"`
	Negotiation   *models.Negotiation        `json:"negotiation,omitempty"`
}

// NegotiationStatusData announces a lifecycle transition.
type NegotiationStatusData struct {
	NegotiationID uuid.UUID                `json:"negotiation_id"`
	Status        models.NegotiationStatus `json:"status"`
	PaymentStatus models.PaymentStatus     `json:"payment_status,omitempty"`
}

// PresenceEventData announces one user's online/offline edge.
type PresenceEventData struct {
	UserID     uuid.UUID `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// PresenceDataPayload answers a presence_request, requester only.
type PresenceDataPayload struct {
	Users []models.PresenceRecord `json:"users"`
}

// NewConnectionConfirmed builds the frame sent once authentication succeeds.
func NewConnectionConfirmed(userID uuid.UUID, username string) Outbound {
	return Outbound{Type: TypeConnectionConfirmed, Data: ConnectionConfirmedData{
		UserID:   userID,
		Username: username,
		At:       time.Now().UTC(),
	}}
}

// NewNegotiationUpdate builds the room broadcast for one persisted message.
func NewNegotiationUpdate(msg *models.NegotiationMessage, neg *models.Negotiation) Outbound {
	return Outbound{Type: TypeNegotiationUpdate, Data: NegotiationUpdateData{
		NegotiationID: msg.NegotiationID,
		Message:       msg,
		Negotiation:   neg,
	}}
}

// NewNegotiationStatusUpdate builds the room broadcast for a status change.
func NewNegotiationStatusUpdate(neg *models.Negotiation) Outbound {
	return Outbound{Type: TypeNegotiationStatusUpdate, Data: NegotiationStatusData{
		NegotiationID: neg.ID,
		Status:        neg.Status,
		PaymentStatus: neg.PaymentStatus,
	}}
}

// NewPresenceUpdate builds the broadcast for one presence edge.
func NewPresenceUpdate(rec models.PresenceRecord) Outbound {
	return Outbound{Type: TypePresenceUpdate, Data: PresenceEventData{
		UserID:     rec.UserID,
		IsOnline:   rec.IsOnline,
		LastSeenAt: rec.LastSeenAt,
	}}
}

// NewPresenceData builds the requester-only answer to a presence_request.
func NewPresenceData(users []models.PresenceRecord) Outbound {
	return Outbound{Type: TypePresenceData, Data: PresenceDataPayload{Users: users}}
}

// NewPong answers an application-level ping.
func NewPong() Outbound {
	return Outbound{Type: TypePong}
}

// NewErrorFrame wraps a protocol error for delivery to the sender.
func NewErrorFrame(err *Error) Outbound {
	return Outbound{Type: TypeError, Data: err}
}
