// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

// Package wsclient is the client-side session manager for the negotiation
// socket. It acquires and proactively refreshes the short-lived socket
// token, opens and reopens the connection with capped exponential backoff,
// and replays room subscriptions after every reconnect.
//
// The manager runs one logical connection at a time. Every connection
// attempt owns a generation number; timer and read-loop callbacks from a
// superseded generation are discarded rather than aborted, so a stale
// callback can never act on a newer connection. Token refresh and
// reconnection serialize on the manager's lock.
package wsclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/protocol"
)

// State is the session manager's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ServerFrame is one frame received from the server, decoded only to its
// type tag; the payload stays raw for the application to interpret.
type ServerFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TokenResponse is the token endpoint's answer.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	User      struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
	} `json:"user"`
}

// Config holds the session manager's endpoints and policy.
type Config struct {
	// SocketURL is the websocket endpoint, e.g. wss://host/api/v1/ws.
	SocketURL string

	// TokenURL is the socket-token issuance endpoint.
	TokenURL string

	// Credential authorizes the token request; minted by the external auth
	// collaborator (session cookie value, bearer token, ...).
	Credential string

	// BackoffBase is attempt zero's retry delay; attempt n waits
	// base × 2^n, capped at BackoffCeiling.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// RefreshMargin is how much validity must remain for a cached token to
	// be reused, and how early the proactive refresh fires.
	RefreshMargin time.Duration

	// OnFrame receives every inbound server frame. Called from the read
	// loop; implementations must not block.
	OnFrame func(ServerFrame)

	// OnStateChange observes connection state transitions. Optional.
	OnStateChange func(State, error)

	// HTTPClient overrides the token-endpoint client. Optional.
	HTTPClient *http.Client

	// Dialer overrides the websocket dialer. Optional.
	Dialer *websocket.Dialer
}

// Manager is the client session manager.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation uint64
	attempt    int
	userClosed bool

	token        string
	tokenExpires time.Time

	// rooms remembers every joined negotiation for replay after reconnect.
	rooms map[uuid.UUID]struct{}

	refreshTimer   *time.Timer
	reconnectTimer *time.Timer

	// writeMu serializes frame writes against each other.
	writeMu sync.Mutex
}

// New builds a session manager. Connect must be called to go online.
func New(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 30 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		cfg:   cfg,
		state: StateDisconnected,
		rooms: make(map[uuid.UUID]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect goes online: acquire a token if needed, dial, replay rooms. It
// clears any previous explicit disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userClosed = false
	return m.connectLocked(ctx)
}

// Disconnect is the terminal user-initiated transition. It suppresses all
// further auto-reconnection until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userClosed = true
	m.generation++ // invalidate every outstanding callback
	m.cancelTimersLocked()
	if m.conn != nil {
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateDisconnected, nil)
}

// WakeUp triggers an immediate reconnect attempt, bypassing any pending
// backoff wait once. Hosts call this when the application is foregrounded.
// It is a no-op while connected, connecting, or explicitly disconnected.
func (m *Manager) WakeUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userClosed || m.state == StateConnected || m.state == StateConnecting {
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if err := m.connectLocked(context.Background()); err != nil {
		m.scheduleReconnectLocked()
	}
}

// connectLocked runs one connection attempt. Caller holds m.mu, which is
// what serializes connects against token refreshes.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.setStateLocked(StateConnecting, nil)

	if err := m.ensureTokenLocked(ctx); err != nil {
		m.setStateLocked(StateError, err)
		return err
	}

	url := m.cfg.SocketURL + "?token=" + m.token
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial %s: %w", m.cfg.SocketURL, err)
		m.setStateLocked(StateError, err)
		return err
	}

	m.conn = conn
	m.generation++
	m.attempt = 0
	m.setStateLocked(StateConnected, nil)
	m.scheduleRefreshLocked()

	gen := m.generation
	go m.readLoop(conn, gen)

	// Replay every previously joined room so the server-side subscriptions
	// match the pre-disconnect view.
	for negotiationID := range m.rooms {
		m.writeFrame(conn, protocol.TypeJoinNegotiation, protocol.Join{NegotiationID: negotiationID})
	}
	return nil
}

// ensureTokenLocked guarantees a token with at least RefreshMargin of
// validity left, fetching a fresh one otherwise. An expired cached token is
// never reused.
func (m *Manager) ensureTokenLocked(ctx context.Context) error {
	if m.token != "" && time.Until(m.tokenExpires) > m.cfg.RefreshMargin {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.Credential)

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	m.token = tr.Token
	m.tokenExpires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return nil
}

// scheduleRefreshLocked arms the proactive token refresh at
// expiry − margin. The fired callback checks its generation: a refresh
// scheduled for a superseded connection does nothing.
func (m *Manager) scheduleRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	delay := time.Until(m.tokenExpires) - m.cfg.RefreshMargin
	if delay < 0 {
		delay = 0
	}
	gen := m.generation
	m.refreshTimer = time.AfterFunc(delay, func() { m.refreshToken(gen) })
}

// refreshToken mints a fresh token and, when still connected, forces a
// clean reconnect with it: the server has no mid-session token swap.
func (m *Manager) refreshToken(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.userClosed {
		return
	}

	m.token = "" // drop the near-expired token
	if err := m.ensureTokenLocked(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("proactive token refresh failed, will retry via reconnect")
		m.closeConnLocked()
		m.scheduleReconnectLocked()
		return
	}

	if m.state == StateConnected {
		logging.Debug().Msg("token refreshed, forcing clean reconnect")
		m.closeConnLocked()
		if err := m.connectLocked(context.Background()); err != nil {
			m.scheduleReconnectLocked()
		}
	}
}

// readLoop consumes server frames until the connection dies, then hands
// control to the disconnect path. A superseded generation returns silently.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		var frame ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Warn().Err(err).Msg("dropping undecodable server frame")
			continue
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(frame)
		}
	}
}

func (m *Manager) handleDisconnect(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return // a newer connection already owns the state
	}
	m.closeConnLocked()
	if m.userClosed {
		m.setStateLocked(StateDisconnected, nil)
		return
	}
	logging.Warn().Err(cause).Msg("connection lost, scheduling reconnect")
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next retry with exponential backoff:
// base × 2^attempt, capped at the ceiling.
func (m *Manager) scheduleReconnectLocked() {
	m.setStateLocked(StateReconnecting, nil)

	delay := m.cfg.BackoffBase << m.attempt
	if delay > m.cfg.BackoffCeiling || delay <= 0 {
		delay = m.cfg.BackoffCeiling
	}
	m.attempt++

	gen := m.generation
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.userClosed {
			return
		}
		if err := m.connectLocked(context.Background()); err != nil {
			m.scheduleReconnectLocked()
		}
	})
}

func (m *Manager) closeConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.generation++ // orphan the old read loop and timers
}

func (m *Manager) cancelTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(s State, err error) {
	if m.state == s && err == nil {
		return
	}
	m.state = s
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s, err)
	}
}
