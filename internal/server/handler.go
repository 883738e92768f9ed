// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package server is the protocol handler: it authenticates incoming
// websocket handshakes, walks each connection through
// Connecting → Authenticating → Open → Closed, validates every inbound
// frame, invokes the negotiation state machine, persists results through the
// storage collaborator, and fans broadcasts out through the registry.
//
// Persistence always happens before broadcast. If the storage collaborator
// fails, the sender alone receives an error frame and nothing is broadcast;
// the two are never transactionally coupled.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mwhite-dev/dealroom/internal/auth"
	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/negotiation"
	"github.com/mwhite-dev/dealroom/internal/presence"
	"github.com/mwhite-dev/dealroom/internal/protocol"
	"github.com/mwhite-dev/dealroom/internal/registry"
	"github.com/mwhite-dev/dealroom/internal/storage"
)

// storageTimeout bounds each storage collaborator call made on behalf of a
// single frame.
const storageTimeout = 5 * time.Second

// TokenValidator verifies a socket token and yields the claims it carries.
// Satisfied by auth.TokenManager.
type TokenValidator interface {
	Validate(token string) (*auth.SocketClaims, error)
}

// PaymentCapturer is the external capture collaborator, invoked once when a
// negotiation completes. It reports status only; money movement is outside
// this layer.
type PaymentCapturer interface {
	Capture(ctx context.Context, neg *models.Negotiation) (models.PaymentStatus, error)
}

// Handler dispatches the negotiation socket protocol.
type Handler struct {
	reg      *registry.Registry
	store    storage.Store
	presence *presence.Tracker
	tokens   TokenValidator
	payments PaymentCapturer // nil when the capture flow is disabled
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler wires the protocol handler over its collaborators.
func NewHandler(reg *registry.Registry, store storage.Store, tracker *presence.Tracker,
	tokens TokenValidator, payments PaymentCapturer, wsCfg config.WebSocketConfig) *Handler {
	return &Handler{
		reg:      reg,
		store:    store,
		presence: tracker,
		tokens:   tokens,
		payments: payments,
		wsCfg:    wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens in the CORS middleware upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the connection and runs the handshake state machine.
// The token travels as a query parameter because browser websocket clients
// cannot set headers on the upgrade request.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Err(err).Msg("websocket upgrade failed")
		return
	}

	// Connecting → Authenticating. A missing token is refused before any
	// other work; an invalid one after verification only.
	token := r.URL.Query().Get("token")
	if token == "" {
		metrics.AuthFailuresTotal.WithLabelValues("missing_token").Inc()
		closeWithCode(ws, protocol.CloseAuthRequired, "authentication required")
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_token").Inc()
		logging.Warn().Err(err).Msg("websocket authentication failed")
		closeWithCode(ws, protocol.CloseAuthFailed, "authentication failed")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_token").Inc()
		closeWithCode(ws, protocol.CloseAuthFailed, "authentication failed")
		return
	}
	username := claims.Username

	// Authenticating → Open: attach the identity, register, confirm.
	conn := newConn(ws, h, h.wsCfg)
	conn.userID = userID
	conn.username = username

	first := h.reg.Register(userID, conn)
	conn.start()
	conn.Enqueue(protocol.NewConnectionConfirmed(userID, username))

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		h.presence.HandleOnline(ctx, userID)
	}

	logging.Info().
		Str("user_id", userID.String()).
		Uint64("conn_id", conn.ID()).
		Msg("websocket connection open")
}

// connectionClosed is the guaranteed cleanup path, invoked from the read
// pump's deferred block on every termination: unregister (which also leaves
// every room) and, on the user's last connection, announce offline.
func (h *Handler) connectionClosed(c *Conn) {
	last := h.reg.Unregister(c)
	if last {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		h.presence.HandleOffline(ctx, c.UserID())
	}
	logging.Info().
		Str("user_id", c.UserID().String()).
		Uint64("conn_id", c.ID()).
		Msg("websocket connection closed")
}

// dispatch decodes one inbound frame and routes it. Decode and validation
// failures answer with an error frame; the connection stays open for every
// recoverable error.
func (h *Handler) dispatch(c *Conn, raw []byte) {
	frame, perr := protocol.DecodeInbound(raw)
	if perr != nil {
		metrics.FramesTotal.WithLabelValues("unknown", "invalid").Inc()
		c.Enqueue(protocol.NewErrorFrame(perr))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	switch f := frame.(type) {
	case protocol.Ping:
		// An application-level ping doubles as a heartbeat: refresh the
		// persisted last-seen without touching the online flag.
		if err := h.store.SetUserLastSeen(ctx, c.UserID()); err != nil {
			logging.Warn().Err(err).Str("user_id", c.UserID().String()).Msg("failed to refresh last seen")
		}
		c.Enqueue(protocol.NewPong())

	case protocol.Join:
		h.finish(c, protocol.TypeJoinNegotiation, h.handleJoin(ctx, c, f))

	case protocol.Leave:
		h.reg.LeaveRoom(f.NegotiationID, c)
		metrics.FramesTotal.WithLabelValues(protocol.TypeLeaveNegotiation, "ok").Inc()

	case protocol.PresenceUpdate:
		h.presence.HandleExplicitUpdate(ctx, c.UserID(), f.IsOnline)
		metrics.FramesTotal.WithLabelValues(protocol.TypePresenceUpdate, "ok").Inc()

	case protocol.PresenceRequest:
		answer, perr := h.presence.HandleRequest(ctx, c.UserID(), f.UserIDs)
		if perr != nil {
			h.finish(c, protocol.TypePresenceRequest, perr)
			return
		}
		c.Enqueue(answer)
		metrics.FramesTotal.WithLabelValues(protocol.TypePresenceRequest, "ok").Inc()

	case protocol.Chat:
		h.finish(c, protocol.TypeChat, h.handleMutation(ctx, c, f.NegotiationID, f))
	case protocol.Offer:
		h.finish(c, protocol.TypeOffer, h.handleMutation(ctx, c, f.NegotiationID, f))
	case protocol.Counter:
		h.finish(c, protocol.TypeCounter, h.handleMutation(ctx, c, f.NegotiationID, f))
	case protocol.Accept:
		h.finish(c, protocol.TypeAccept, h.handleMutation(ctx, c, f.NegotiationID, f))
	case protocol.Reject:
		h.finish(c, protocol.TypeReject, h.handleMutation(ctx, c, f.NegotiationID, f))
	case protocol.StatusChange:
		h.finish(c, protocol.TypeStatusChange, h.handleMutation(ctx, c, f.NegotiationID, f))
	}
}

// finish records the frame outcome and delivers the error frame, if any.
func (h *Handler) finish(c *Conn, kind string, perr *protocol.Error) {
	if perr == nil {
		metrics.FramesTotal.WithLabelValues(kind, "ok").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues(kind, outcomeLabel(perr.Code)).Inc()
	c.Enqueue(protocol.NewErrorFrame(perr))
}

func outcomeLabel(code protocol.ErrorCode) string {
	switch code {
	case protocol.CodeAccessDenied:
		return "denied"
	case protocol.CodeNotFound:
		return "not_found"
	case protocol.CodePersistenceFailure:
		return "storage_error"
	default:
		return "invalid"
	}
}

// handleJoin validates participancy and subscribes the connection to the
// negotiation's room. Rejoining is idempotent. The joiner alone receives a
// status snapshot so it can render current state without a second fetch.
func (h *Handler) handleJoin(ctx context.Context, c *Conn, f protocol.Join) *protocol.Error {
	neg, perr := h.loadNegotiation(ctx, f.NegotiationID)
	if perr != nil {
		return perr
	}
	if !neg.IsParticipant(c.UserID()) {
		return protocol.AccessDenied(negotiation.ReasonNotParticipant)
	}

	h.reg.JoinRoom(f.NegotiationID, c)
	c.Enqueue(protocol.NewNegotiationStatusUpdate(neg))
	return nil
}

// handleMutation runs the full pipeline for a negotiation-mutating frame:
// read state → pure transition → persist → broadcast. The registry lock is
// never held across the storage calls.
func (h *Handler) handleMutation(ctx context.Context, c *Conn, negotiationID uuid.UUID, frame protocol.Inbound) *protocol.Error {
	neg, perr := h.loadNegotiation(ctx, negotiationID)
	if perr != nil {
		return perr
	}

	result, perr := negotiation.Transition(neg, c.UserID(), frame)
	if perr != nil {
		return perr
	}

	msg := &models.NegotiationMessage{
		ID:            ulid.Make().String(),
		NegotiationID: neg.ID,
		SenderID:      c.UserID(),
		SenderName:    c.Username(),
		Kind:          result.Kind,
		Content:       result.Content,
		Amount:        result.Amount,
		CreatedAt:     time.Now().UTC(),
	}

	// Persist first. Any failure stops the pipeline: error frame to sender,
	// no broadcast, operational log server-side.
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		return h.persistenceFailure("create_message", err)
	}
	if result.OfferChanged {
		if err := h.store.UpdateNegotiationOffer(ctx, neg.ID, *result.Amount); err != nil {
			return h.persistenceFailure("update_offer", err)
		}
		neg.CurrentOffer = *result.Amount
	}
	if result.StatusChanged {
		if err := h.store.UpdateNegotiationStatus(ctx, neg.ID, result.Status); err != nil {
			return h.persistenceFailure("update_status", err)
		}
		neg.Status = result.Status
	}

	h.reg.Broadcast(neg.ID, protocol.NewNegotiationUpdate(msg, neg))
	if result.StatusChanged {
		h.reg.Broadcast(neg.ID, protocol.NewNegotiationStatusUpdate(neg))
	}

	if result.StatusChanged && neg.Status == models.NegotiationCompleted && h.payments != nil {
		// Capture runs detached: the accept flow never blocks on, or fails
		// because of, the payment collaborator.
		go h.capturePayment(neg)
	}
	return nil
}

// capturePayment invokes the external capture collaborator and reports the
// outcome to storage and the room.
func (h *Handler) capturePayment(neg *models.Negotiation) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := h.payments.Capture(ctx, neg)
	if err != nil {
		logging.Err(err).
			Str("negotiation_id", neg.ID.String()).
			Msg("payment capture failed, marked for retry")
		status = models.PaymentPendingRetry
	}

	if err := h.store.UpdateNegotiationPaymentStatus(ctx, neg.ID, status); err != nil {
		logging.Err(err).
			Str("negotiation_id", neg.ID.String()).
			Msg("failed to persist payment status")
		return
	}
	neg.PaymentStatus = status
	h.reg.Broadcast(neg.ID, protocol.NewNegotiationStatusUpdate(neg))
}

func (h *Handler) loadNegotiation(ctx context.Context, id uuid.UUID) (*models.Negotiation, *protocol.Error) {
	neg, err := h.store.GetNegotiation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.NotFound("negotiation")
	}
	if err != nil {
		return nil, h.persistenceFailure("get_negotiation", err)
	}
	return neg, nil
}

func (h *Handler) persistenceFailure(op string, err error) *protocol.Error {
	logging.Err(err).Str("operation", op).Msg("storage collaborator error")
	return protocol.NewError(protocol.CodePersistenceFailure, "operation failed, please retry")
}

// closeWithCode refuses a handshake after upgrade with an application close
// code, before the connection ever reaches the registry.
func closeWithCode(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
