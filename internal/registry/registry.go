// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package registry is the server-side bookkeeping for live connections: one
// multimap from user id to connections (multi-device) and one from
// negotiation id to subscribed connections ("rooms"). It holds no business
// logic; it is pure multiplexing guarded by a single lock so register,
// unregister, join, leave, and broadcast are atomic with respect to each
// other. Rooms are created lazily on first join and destroyed when empty;
// they are never persisted and rebuild purely from live joins.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// Connection is the registry's view of one live bidirectional channel. The
// concrete type lives in the server package; the registry only needs
// identity, ownership, and a non-blocking way to hand frames to the writer.
type Connection interface {
	// ID is a process-unique monotonically increasing handle. Broadcast
	// iterates connections in ID order so delivery order is deterministic.
	ID() uint64

	// UserID is the authenticated owner. Immutable after registration.
	UserID() uuid.UUID

	// Enqueue hands a frame to the connection's writer without blocking.
	// It reports false when the connection is no longer writable.
	Enqueue(frame protocol.Outbound) bool

	// Shutdown asks the connection to close. Safe to call more than once.
	Shutdown()
}

type connSet map[uint64]Connection

// Registry owns the byUser and byRoom multimaps. It has an explicit
// lifecycle: created at process start, Serve blocks under the supervisor,
// Close evicts and shuts down every connection.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]connSet
	byRoom map[uuid.UUID]connSet
	// joined tracks which rooms each connection is in so Unregister can
	// remove it from every room without scanning byRoom.
	joined map[uint64]map[uuid.UUID]struct{}
	closed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[uuid.UUID]connSet),
		byRoom: make(map[uuid.UUID]connSet),
		joined: make(map[uint64]map[uuid.UUID]struct{}),
	}
}

// Serve blocks until the context is canceled, then closes every connection.
// This makes the registry a supervisable service with the same shape as an
// event-loop component.
func (r *Registry) Serve(ctx context.Context) error {
	<-ctx.Done()
	r.Close()
	return ctx.Err()
}

// Register attaches an authenticated connection to its user. It reports
// whether this is the user's first live connection (the 0→1 presence edge).
func (r *Registry) Register(userID uuid.UUID, conn Connection) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(connSet)
		r.byUser[userID] = set
	}
	first = len(set) == 0
	set[conn.ID()] = conn
	r.joined[conn.ID()] = make(map[uuid.UUID]struct{})

	metrics.ConnectionsActive.Set(float64(r.connectionCountLocked()))
	logging.Debug().
		Str("user_id", userID.String()).
		Uint64("conn_id", conn.ID()).
		Bool("first_connection", first).
		Msg("connection registered")
	return first
}

// Unregister removes a connection from its user and from every room it had
// joined, deleting emptied entries. It reports whether it was the user's
// last live connection (the 1→0 presence edge).
func (r *Registry) Unregister(conn Connection) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	set, ok := r.byUser[userID]
	if !ok {
		return false
	}
	if _, ok := set[conn.ID()]; !ok {
		return false
	}
	delete(set, conn.ID())
	last = len(set) == 0
	if last {
		delete(r.byUser, userID)
	}

	for negID := range r.joined[conn.ID()] {
		r.leaveRoomLocked(negID, conn.ID())
	}
	delete(r.joined, conn.ID())

	metrics.ConnectionsActive.Set(float64(r.connectionCountLocked()))
	logging.Debug().
		Str("user_id", userID.String()).
		Uint64("conn_id", conn.ID()).
		Bool("last_connection", last).
		Msg("connection unregistered")
	return last
}

// JoinRoom subscribes the connection to a negotiation's broadcast stream.
// Joining a room the connection is already in is a no-op; it reports whether
// the membership actually changed.
func (r *Registry) JoinRoom(negotiationID uuid.UUID, conn Connection) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	rooms, ok := r.joined[conn.ID()]
	if !ok {
		// Never registered, or already evicted.
		return false
	}
	if _, exists := rooms[negotiationID]; exists {
		return false
	}

	set, ok := r.byRoom[negotiationID]
	if !ok {
		set = make(connSet)
		r.byRoom[negotiationID] = set
		metrics.RoomsActive.Set(float64(len(r.byRoom)))
	}
	set[conn.ID()] = conn
	rooms[negotiationID] = struct{}{}
	return true
}

// LeaveRoom unsubscribes the connection, deleting the room when it empties.
func (r *Registry) LeaveRoom(negotiationID uuid.UUID, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rooms, ok := r.joined[conn.ID()]; ok {
		delete(rooms, negotiationID)
	}
	r.leaveRoomLocked(negotiationID, conn.ID())
}

func (r *Registry) leaveRoomLocked(negotiationID uuid.UUID, connID uint64) {
	set, ok := r.byRoom[negotiationID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byRoom, negotiationID)
		metrics.RoomsActive.Set(float64(len(r.byRoom)))
	}
}

// InRoom reports whether the connection is subscribed to the negotiation.
func (r *Registry) InRoom(negotiationID uuid.UUID, conn Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms, ok := r.joined[conn.ID()]
	if !ok {
		return false
	}
	_, in := rooms[negotiationID]
	return in
}

// RoomSize returns the number of connections subscribed to the negotiation.
func (r *Registry) RoomSize(negotiationID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[negotiationID])
}

// Broadcast delivers a frame to every connection in a room. It iterates a
// snapshot of the membership in connection-ID order; connections that are no
// longer writable are evicted rather than erroring the caller.
func (r *Registry) Broadcast(negotiationID uuid.UUID, frame protocol.Outbound) {
	snapshot := r.snapshotRoom(negotiationID)
	r.deliver(snapshot, frame)
	metrics.BroadcastsTotal.WithLabelValues(frame.Type).Inc()
}

// SendToUser delivers a frame to every live connection of one user.
func (r *Registry) SendToUser(userID uuid.UUID, frame protocol.Outbound) {
	r.mu.RLock()
	snapshot := sortedConns(r.byUser[userID])
	r.mu.RUnlock()
	r.deliver(snapshot, frame)
}

// SendToAllExcept delivers a frame to every connected user except one. The
// presence tracker uses this to announce online/offline edges.
func (r *Registry) SendToAllExcept(exclude uuid.UUID, frame protocol.Outbound) {
	r.mu.RLock()
	merged := make(connSet)
	for userID, set := range r.byUser {
		if userID == exclude {
			continue
		}
		for id, c := range set {
			merged[id] = c
		}
	}
	snapshot := sortedConns(merged)
	r.mu.RUnlock()
	r.deliver(snapshot, frame)
}

// ConnectedUserIDs returns the set of users with at least one live connection.
func (r *Registry) ConnectedUserIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser)
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectionCountLocked()
}

func (r *Registry) connectionCountLocked() int {
	n := 0
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}

// Close shuts down every connection and refuses further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []Connection
	for _, set := range r.byUser {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.byUser = make(map[uuid.UUID]connSet)
	r.byRoom = make(map[uuid.UUID]connSet)
	r.joined = make(map[uint64]map[uuid.UUID]struct{})
	r.mu.Unlock()

	for _, c := range all {
		c.Shutdown()
	}
	logging.Info().Int("connections_closed", len(all)).Msg("connection registry closed")
}

// snapshotRoom copies a room's membership so delivery never happens while
// holding the registry lock.
func (r *Registry) snapshotRoom(negotiationID uuid.UUID) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedConns(r.byRoom[negotiationID])
}

// deliver enqueues a frame on each connection, evicting any that are no
// longer writable. Eviction triggers the connection's own close path, which
// calls Unregister.
func (r *Registry) deliver(conns []Connection, frame protocol.Outbound) {
	for _, c := range conns {
		if !c.Enqueue(frame) {
			logging.Warn().
				Uint64("conn_id", c.ID()).
				Str("frame_type", frame.Type).
				Msg("connection not writable, evicting")
			c.Shutdown()
		}
	}
}

// sortedConns flattens a connection set into ID order for deterministic
// delivery.
func sortedConns(set connSet) []Connection {
	conns := make([]Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}
