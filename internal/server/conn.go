// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// connIDCounter hands out process-unique connection ids. Monotonic ids give
// the registry a stable sort key for deterministic broadcast order.
var connIDCounter atomic.Uint64

// Conn is one live authenticated websocket connection. It owns the reader
// and writer goroutines; the registry only sees it through the
// registry.Connection interface.
type Conn struct {
	id       uint64
	userID   uuid.UUID
	username string

	ws      *websocket.Conn
	send    chan protocol.Outbound
	done    chan struct{}
	closeFn sync.Once

	handler *Handler
	cfg     config.WebSocketConfig
}

func newConn(ws *websocket.Conn, handler *Handler, cfg config.WebSocketConfig) *Conn {
	return &Conn{
		id:      connIDCounter.Add(1),
		ws:      ws,
		send:    make(chan protocol.Outbound, cfg.SendBuffer),
		done:    make(chan struct{}),
		handler: handler,
		cfg:     cfg,
	}
}

// ID returns the process-unique connection handle.
func (c *Conn) ID() uint64 { return c.id }

// UserID returns the authenticated owner. Set once during the handshake,
// immutable afterwards.
func (c *Conn) UserID() uuid.UUID { return c.userID }

// Username returns the owner's display name from the socket token.
func (c *Conn) Username() string { return c.username }

// Enqueue hands a frame to the writer without blocking. False means the
// connection is closing or its buffer is full; the registry evicts on false.
func (c *Conn) Enqueue(frame protocol.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Shutdown asks both pumps to stop. Safe to call from any goroutine, any
// number of times.
func (c *Conn) Shutdown() {
	c.closeFn.Do(func() {
		close(c.done)
	})
}

// start launches the reader and writer pumps.
func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

// readPump reads inbound frames sequentially and dispatches each one. Frame
// order within one connection is therefore the processing order. The
// deferred cleanup runs on every exit path, normal or abnormal, so the
// registry and presence tracker always observe the disconnect.
func (c *Conn) readPump() {
	defer func() {
		c.handler.connectionClosed(c)
		c.Shutdown()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		logging.Err(err).Uint64("conn_id", c.id).Msg("failed to set read deadline")
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Err(err).Uint64("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.handler.dispatch(c, raw)
	}
}

// writePump serializes all writes to the socket: queued frames, the
// liveness ping on a fixed interval, and the final close message.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
			data, err := frame.Marshal()
			if err != nil {
				logging.Err(err).Str("frame_type", frame.Type).Msg("failed to marshal outbound frame")
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
