// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package presence derives online/offline status from connection-count edges
// reported by the registry. Presence is announced only on the 0→1 and 1→0
// transitions of a user's live-connection count, so a second device
// connecting or one of several devices dropping stays silent.
//
// Presence is in-memory with respect to liveness: a process restart starts
// from "everyone offline" and the persisted rows converge as clients
// reconnect.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/protocol"
	"github.com/mwhite-dev/dealroom/internal/storage"
)

// Broadcaster is the slice of the registry the tracker needs.
type Broadcaster interface {
	SendToAllExcept(exclude uuid.UUID, frame protocol.Outbound)
	ConnectedUserIDs() []uuid.UUID
}

// Tracker persists presence edges and fans them out to every other
// connected user.
type Tracker struct {
	store     storage.Store
	broadcast Broadcaster
}

// NewTracker builds a presence tracker over the given collaborators.
func NewTracker(store storage.Store, broadcast Broadcaster) *Tracker {
	return &Tracker{store: store, broadcast: broadcast}
}

// HandleOnline processes a user's 0→1 connection edge: persist
// isOnline=true with a fresh last-seen, then announce to everyone else.
func (t *Tracker) HandleOnline(ctx context.Context, userID uuid.UUID) {
	t.setAndAnnounce(ctx, userID, true)
	metrics.PresenceEdgesTotal.WithLabelValues("online").Inc()
}

// HandleOffline processes a user's 1→0 connection edge.
func (t *Tracker) HandleOffline(ctx context.Context, userID uuid.UUID) {
	t.setAndAnnounce(ctx, userID, false)
	metrics.PresenceEdgesTotal.WithLabelValues("offline").Inc()
}

// HandleExplicitUpdate processes a client-driven presence hint (for example
// the app moving to the background while the socket stays up).
func (t *Tracker) HandleExplicitUpdate(ctx context.Context, userID uuid.UUID, isOnline bool) {
	t.setAndAnnounce(ctx, userID, isOnline)
}

// HandleRequest answers a presence_request with the persisted rows for the
// requested users, or for every currently connected user when the request
// names none. The answer goes to the requester only; it never broadcasts.
func (t *Tracker) HandleRequest(ctx context.Context, requester uuid.UUID, userIDs []uuid.UUID) (protocol.Outbound, *protocol.Error) {
	if len(userIDs) == 0 {
		userIDs = t.broadcast.ConnectedUserIDs()
	}
	userIDs = lo.Uniq(userIDs)

	records, err := t.store.GetUsersOnlineStatus(ctx, userIDs)
	if err != nil {
		logging.Err(err).
			Str("requester", requester.String()).
			Msg("presence lookup failed")
		return protocol.Outbound{}, protocol.NewError(protocol.CodePersistenceFailure, "presence lookup failed")
	}
	return protocol.NewPresenceData(records), nil
}

func (t *Tracker) setAndAnnounce(ctx context.Context, userID uuid.UUID, isOnline bool) {
	if err := t.store.UpdateUserOnlineStatus(ctx, userID, isOnline); err != nil {
		// Persistence failure does not suppress the live announcement; the
		// stored row catches up on the next edge.
		logging.Err(err).
			Str("user_id", userID.String()).
			Bool("is_online", isOnline).
			Msg("failed to persist presence")
	}

	rec := models.PresenceRecord{
		UserID:     userID,
		IsOnline:   isOnline,
		LastSeenAt: time.Now().UTC(),
	}
	t.broadcast.SendToAllExcept(userID, protocol.NewPresenceUpdate(rec))
}
