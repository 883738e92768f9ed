// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// fakeBackend plays both collaborators the manager talks to: the token
// endpoint and the negotiation socket.
type fakeBackend struct {
	t *testing.T

	tokenServer  *httptest.Server
	socketServer *httptest.Server

	tokenCalls atomic.Int64
	expiresIn  atomic.Int64 // seconds granted on the next mint

	mu         sync.Mutex
	seenTokens []string
	conns      chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t, conns: make(chan *websocket.Conn, 8)}
	b.expiresIn.Store(3600)

	b.tokenServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer session-credential" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := b.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":     expectedToken(n),
			"expiresIn": b.expiresIn.Load(),
			"user":      map[string]string{"id": uuid.NewString(), "username": "alice"},
		})
	}))
	t.Cleanup(b.tokenServer.Close)

	upgrader := websocket.Upgrader{}
	b.socketServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.seenTokens = append(b.seenTokens, token)
		b.mu.Unlock()
		b.conns <- ws
	}))
	t.Cleanup(b.socketServer.Close)

	return b
}

func expectedToken(mint int64) string {
	return "tok-" + string(rune('0'+mint))
}

func (b *fakeBackend) socketURL() string {
	return "ws" + strings.TrimPrefix(b.socketServer.URL, "http")
}

func (b *fakeBackend) config() Config {
	return Config{
		SocketURL:      b.socketURL(),
		TokenURL:       b.tokenServer.URL,
		Credential:     "session-credential",
		BackoffBase:    20 * time.Millisecond,
		BackoffCeiling: 200 * time.Millisecond,
		RefreshMargin:  5 * time.Second,
	}
}

// accept waits for the next server-side connection.
func (b *fakeBackend) accept() *websocket.Conn {
	b.t.Helper()
	select {
	case ws := <-b.conns:
		b.t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(3 * time.Second):
		b.t.Fatal("no connection arrived")
		return nil
	}
}

// readFrame reads one client frame off a server-side connection.
func (b *fakeBackend) readFrame(ws *websocket.Conn) (string, json.RawMessage) {
	b.t.Helper()
	require.NoError(b.t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(b.t, err)
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(b.t, json.Unmarshal(raw, &frame))
	return frame.Type, frame.Data
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestConnectAcquiresTokenAndDials(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()

	require.Equal(t, StateConnected, m.State())
	require.EqualValues(t, 1, backend.tokenCalls.Load())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, []string{expectedToken(1)}, backend.seenTokens)
}

func TestFreshTokenReusedAcrossConnects(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()
	m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()

	require.EqualValues(t, 1, backend.tokenCalls.Load(), "a token with validity left must be reused")
}

func TestExpiringTokenRefetchedBeforeDial(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	// A cached token inside the refresh margin must not be reused.
	m.mu.Lock()
	m.token = "stale-token"
	m.tokenExpires = time.Now().Add(time.Second)
	m.mu.Unlock()

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()

	require.EqualValues(t, 1, backend.tokenCalls.Load())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, []string{expectedToken(1)}, backend.seenTokens, "dial must carry the refetched token, never the stale one")
}

func TestRoomsReplayedAfterReconnect(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	negotiationID := uuid.New()

	require.NoError(t, m.Connect(context.Background()))
	server := backend.accept()

	m.JoinNegotiation(negotiationID)
	frameType, data := backend.readFrame(server)
	require.Equal(t, protocol.TypeJoinNegotiation, frameType)

	// Drop the connection server-side; the manager reconnects on its own
	// and replays the subscription.
	_ = server.Close()
	server2 := backend.accept()

	frameType, data = backend.readFrame(server2)
	require.Equal(t, protocol.TypeJoinNegotiation, frameType)
	var join protocol.Join
	require.NoError(t, json.Unmarshal(data, &join))
	require.Equal(t, negotiationID, join.NegotiationID)

	waitForState(t, m, StateConnected)
}

func TestJoinBeforeConnectIsReplayedOnConnect(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	negotiationID := uuid.New()
	m.JoinNegotiation(negotiationID) // offline: recorded, not sent

	require.NoError(t, m.Connect(context.Background()))
	server := backend.accept()

	frameType, data := backend.readFrame(server)
	require.Equal(t, protocol.TypeJoinNegotiation, frameType)
	var join protocol.Join
	require.NoError(t, json.Unmarshal(data, &join))
	require.Equal(t, negotiationID, join.NegotiationID)
}

func TestLeaveRemovesRoomFromReplaySet(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())
	defer m.Disconnect()

	negotiationID := uuid.New()

	require.NoError(t, m.Connect(context.Background()))
	server := backend.accept()

	m.JoinNegotiation(negotiationID)
	backend.readFrame(server) // join
	m.LeaveNegotiation(negotiationID)
	backend.readFrame(server) // leave

	_ = server.Close()
	server2 := backend.accept()
	waitForState(t, m, StateConnected)

	// Nothing to replay: the next frame on the wire is the ping we send,
	// not a stale join.
	m.Ping()
	frameType, _ := backend.readFrame(server2)
	require.Equal(t, protocol.TypePing, frameType)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()

	m.Disconnect()
	require.Equal(t, StateDisconnected, m.State())

	select {
	case <-backend.conns:
		t.Fatal("explicit disconnect must not trigger a reconnect")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWakeUpBypassesBackoff(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()
	cfg.BackoffBase = time.Hour // park the scheduled retry far away
	cfg.BackoffCeiling = time.Hour
	m := New(cfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	server := backend.accept()

	_ = server.Close()
	waitForState(t, m, StateReconnecting)

	m.WakeUp()
	backend.accept()
	waitForState(t, m, StateConnected)
}

func TestOnFrameDelivery(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()
	frames := make(chan ServerFrame, 1)
	cfg.OnFrame = func(f ServerFrame) { frames <- f }
	m := New(cfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	server := backend.accept()

	payload, err := protocol.Encode(protocol.TypePong, nil)
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, payload))

	select {
	case frame := <-frames:
		require.Equal(t, protocol.TypePong, frame.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the handler")
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	backend := newFakeBackend(t)
	m := New(backend.config())

	// No connection yet: sends are dropped without error or panic.
	m.SendChat(uuid.New(), "into the void")
	m.Ping()
	require.Equal(t, StateDisconnected, m.State())
}

func TestStateChangeCallbackSequence(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()

	var mu sync.Mutex
	var states []State
	cfg.OnStateChange = func(s State, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	m := New(cfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	backend.accept()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected}, states)
}
