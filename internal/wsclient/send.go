// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package wsclient

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// JoinNegotiation subscribes to a negotiation's room. The subscription is
// remembered and replayed after every reconnect, even when the join is
// issued while offline.
func (m *Manager) JoinNegotiation(negotiationID uuid.UUID) {
	m.mu.Lock()
	m.rooms[negotiationID] = struct{}{}
	conn := m.connIfConnectedLocked()
	m.mu.Unlock()
	if conn != nil {
		m.writeFrame(conn, protocol.TypeJoinNegotiation, protocol.Join{NegotiationID: negotiationID})
	}
}

// LeaveNegotiation unsubscribes from a negotiation's room and forgets it
// for replay purposes.
func (m *Manager) LeaveNegotiation(negotiationID uuid.UUID) {
	m.mu.Lock()
	delete(m.rooms, negotiationID)
	conn := m.connIfConnectedLocked()
	m.mu.Unlock()
	if conn != nil {
		m.writeFrame(conn, protocol.TypeLeaveNegotiation, protocol.Leave{NegotiationID: negotiationID})
	}
}

// SendChat sends a free-text message to a negotiation.
func (m *Manager) SendChat(negotiationID uuid.UUID, content string) {
	m.send(protocol.TypeChat, protocol.Chat{NegotiationID: negotiationID, Content: content})
}

// SendOffer submits the buyer's price proposal.
func (m *Manager) SendOffer(negotiationID uuid.UUID, amount float64, message string) {
	m.send(protocol.TypeOffer, protocol.Offer{NegotiationID: negotiationID, Amount: amount, Message: message})
}

// SendCounter submits the seller's counter-proposal.
func (m *Manager) SendCounter(negotiationID uuid.UUID, amount float64, message string) {
	m.send(protocol.TypeCounter, protocol.Counter{NegotiationID: negotiationID, Amount: amount, Message: message})
}

// AcceptOffer accepts the standing proposal, completing the negotiation.
func (m *Manager) AcceptOffer(negotiationID uuid.UUID) {
	m.send(protocol.TypeAccept, protocol.Accept{NegotiationID: negotiationID})
}

// RejectOffer declines the standing proposal without ending the negotiation.
func (m *Manager) RejectOffer(negotiationID uuid.UUID, message string) {
	m.send(protocol.TypeReject, protocol.Reject{NegotiationID: negotiationID, Message: message})
}

// ChangeStatus requests an explicit lifecycle transition.
func (m *Manager) ChangeStatus(negotiationID uuid.UUID, status models.NegotiationStatus) {
	m.send(protocol.TypeStatusChange, protocol.StatusChange{NegotiationID: negotiationID, Status: status})
}

// SendPresence publishes an explicit online/offline state.
func (m *Manager) SendPresence(isOnline bool) {
	m.send(protocol.TypePresenceUpdate, protocol.PresenceUpdate{IsOnline: isOnline})
}

// RequestPresence asks for the presence snapshot of the given users; an
// empty list means every currently connected user.
func (m *Manager) RequestPresence(userIDs []uuid.UUID) {
	m.send(protocol.TypePresenceRequest, protocol.PresenceRequest{UserIDs: userIDs})
}

// Ping sends an application-level keepalive.
func (m *Manager) Ping() {
	m.send(protocol.TypePing, protocol.Ping{})
}

// send writes one frame when connected and is a logged no-op otherwise;
// frames are never queued for later delivery.
func (m *Manager) send(frameType string, payload interface{}) {
	m.mu.Lock()
	conn := m.connIfConnectedLocked()
	m.mu.Unlock()
	if conn == nil {
		logging.Debug().Str("frame_type", frameType).Msg("not connected, dropping outbound frame")
		return
	}
	m.writeFrame(conn, frameType, payload)
}

func (m *Manager) connIfConnectedLocked() *websocket.Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) writeFrame(conn *websocket.Conn, frameType string, payload interface{}) {
	raw, err := protocol.Encode(frameType, payload)
	if err != nil {
		logging.Error().Err(err).Str("frame_type", frameType).Msg("encode frame")
		return
	}
	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	m.writeMu.Unlock()
	if err != nil {
		logging.Debug().Err(err).Str("frame_type", frameType).Msg("write frame")
	}
}
