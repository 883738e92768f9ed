// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mwhite-dev/dealroom/internal/auth"
	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/presence"
	"github.com/mwhite-dev/dealroom/internal/registry"
	"github.com/mwhite-dev/dealroom/internal/server"
	"github.com/mwhite-dev/dealroom/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiEnv struct {
	t      *testing.T
	server *httptest.Server
	store  *storage.BadgerStore
	tokens *auth.TokenManager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Security.JWTSecret = testSecret
	cfg.Security.TokenTTL = 5 * time.Minute
	cfg.Security.RateLimitReqs = 1000
	cfg.Security.RateLimitWindow = time.Minute
	cfg.Security.CORSOrigins = []string{"*"}
	cfg.Storage.InMemory = true
	cfg.WebSocket.WriteWait = 2 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second
	cfg.WebSocket.MaxMessageSize = 64 * 1024
	cfg.WebSocket.SendBuffer = 16

	store, err := storage.NewBadgerStore(&cfg.Storage)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	t.Cleanup(reg.Close)
	tracker := presence.NewTracker(store, reg)
	tokens, err := auth.NewTokenManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	ws := server.NewHandler(reg, store, tracker, tokens, nil, cfg.WebSocket)
	handler := NewRouter(ws, tokens, store, reg, cfg).Setup()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &apiEnv{t: t, server: srv, store: store, tokens: tokens}
}

// do issues a request with the gateway identity headers attached.
func (e *apiEnv) do(method, path string, asUser *models.User, body interface{}) *http.Response {
	e.t.Helper()

	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, payload)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if asUser != nil {
		req.Header.Set("X-User-ID", asUser.ID.String())
		req.Header.Set("X-User-Name", asUser.Username)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("Do %s %s: %v", method, path, err)
	}
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func expectErrorCode(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", resp.StatusCode, wantStatus)
	}
	env := decodeEnvelope(t, resp)
	if env.Status != "error" || env.Error == nil {
		t.Fatalf("envelope = %+v, want error", env)
	}
	if env.Error.Code != wantCode {
		t.Errorf("error code = %s, want %s", env.Error.Code, wantCode)
	}
}

func (e *apiEnv) seedNegotiation(buyerID, sellerID uuid.UUID) *models.Negotiation {
	e.t.Helper()
	now := time.Now().UTC()
	neg := &models.Negotiation{
		ID:        uuid.New(),
		ProductID: uuid.New(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Status:    models.NegotiationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateNegotiation(context.Background(), neg); err != nil {
		e.t.Fatalf("CreateNegotiation: %v", err)
	}
	return neg
}

func TestSocketTokenIssuance(t *testing.T) {
	env := newAPIEnv(t)
	user := &models.User{ID: uuid.New(), Username: "alice"}

	resp := env.do(http.MethodPost, "/api/v1/auth/socket-token", user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body := decodeEnvelope(t, resp)
	var data struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
		User      struct {
			ID       uuid.UUID `json:"id"`
			Username string    `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}

	claims, err := env.tokens.Validate(data.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	gotID, err := claims.UserID()
	if err != nil || gotID != user.ID {
		t.Errorf("token subject = %v (%v), want %s", gotID, err, user.ID)
	}
	if data.ExpiresIn <= 0 || data.ExpiresIn > 300 {
		t.Errorf("expiresIn = %d, want within the 5 minute TTL", data.ExpiresIn)
	}
	if data.User.ID != user.ID || data.User.Username != "alice" {
		t.Errorf("user echo = %+v", data.User)
	}
}

func TestSocketTokenRequiresIdentity(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(http.MethodPost, "/api/v1/auth/socket-token", nil, nil)
	expectErrorCode(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestCreateNegotiation(t *testing.T) {
	env := newAPIEnv(t)
	buyer := &models.User{ID: uuid.New(), Username: "buyer"}
	sellerID := uuid.New()

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name: "valid",
			body: map[string]interface{}{
				"product_id":    uuid.New(),
				"buyer_id":      buyer.ID,
				"seller_id":     sellerID,
				"initial_offer": 120.50,
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "missing seller",
			body: map[string]interface{}{
				"product_id": uuid.New(),
				"buyer_id":   buyer.ID,
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name: "buyer equals seller",
			body: map[string]interface{}{
				"product_id": uuid.New(),
				"buyer_id":   buyer.ID,
				"seller_id":  buyer.ID,
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name: "negative offer",
			body: map[string]interface{}{
				"product_id":    uuid.New(),
				"buyer_id":      buyer.ID,
				"seller_id":     sellerID,
				"initial_offer": -5,
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/api/v1/negotiations", buyer, tt.body)
			if tt.wantCode != "" {
				expectErrorCode(t, resp, tt.wantStatus, tt.wantCode)
				return
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decodeEnvelope(t, resp)
			var neg models.Negotiation
			if err := json.Unmarshal(body.Data, &neg); err != nil {
				t.Fatalf("decode negotiation: %v", err)
			}
			if neg.Status != models.NegotiationActive {
				t.Errorf("status = %s, want active", neg.Status)
			}
			if neg.CurrentOffer != 120.50 {
				t.Errorf("current offer = %v, want 120.50", neg.CurrentOffer)
			}
			if _, err := env.store.GetNegotiation(context.Background(), neg.ID); err != nil {
				t.Errorf("created negotiation not persisted: %v", err)
			}
		})
	}
}

func TestCreateNegotiationMalformedBody(t *testing.T) {
	env := newAPIEnv(t)
	user := &models.User{ID: uuid.New(), Username: "buyer"}

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/negotiations",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user.ID.String())
	req.Header.Set("X-User-Name", user.Username)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	expectErrorCode(t, resp, http.StatusBadRequest, "INVALID_BODY")
}

func TestGetNegotiationAccess(t *testing.T) {
	env := newAPIEnv(t)
	buyer := &models.User{ID: uuid.New(), Username: "buyer"}
	seller := &models.User{ID: uuid.New(), Username: "seller"}
	stranger := &models.User{ID: uuid.New(), Username: "stranger"}
	neg := env.seedNegotiation(buyer.ID, seller.ID)

	tests := []struct {
		name       string
		path       string
		asUser     *models.User
		wantStatus int
		wantCode   string
	}{
		{"buyer sees it", "/api/v1/negotiations/" + neg.ID.String(), buyer, http.StatusOK, ""},
		{"seller sees it", "/api/v1/negotiations/" + neg.ID.String(), seller, http.StatusOK, ""},
		{"stranger denied", "/api/v1/negotiations/" + neg.ID.String(), stranger, http.StatusForbidden, "ACCESS_DENIED"},
		{"no identity", "/api/v1/negotiations/" + neg.ID.String(), nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad id", "/api/v1/negotiations/not-a-uuid", buyer, http.StatusBadRequest, "INVALID_ID"},
		{"unknown id", "/api/v1/negotiations/" + uuid.NewString(), buyer, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodGet, tt.path, tt.asUser, nil)
			if tt.wantCode != "" {
				expectErrorCode(t, resp, tt.wantStatus, tt.wantCode)
				return
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decodeEnvelope(t, resp)
			var got models.Negotiation
			if err := json.Unmarshal(body.Data, &got); err != nil {
				t.Fatalf("decode negotiation: %v", err)
			}
			if got.ID != neg.ID {
				t.Errorf("id = %s, want %s", got.ID, neg.ID)
			}
		})
	}
}

func TestListMessagesBackfill(t *testing.T) {
	env := newAPIEnv(t)
	buyer := &models.User{ID: uuid.New(), Username: "buyer"}
	seller := &models.User{ID: uuid.New(), Username: "seller"}
	neg := env.seedNegotiation(buyer.ID, seller.ID)

	contents := []string{"first", "second", "third"}
	for _, content := range contents {
		msg := &models.NegotiationMessage{
			ID:            ulid.Make().String(),
			NegotiationID: neg.ID,
			SenderID:      buyer.ID,
			SenderName:    buyer.Username,
			Kind:          models.MessageChat,
			Content:       content,
			CreatedAt:     time.Now().UTC(),
		}
		if err := env.store.CreateMessage(context.Background(), msg); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp := env.do(http.MethodGet, "/api/v1/negotiations/"+neg.ID.String()+"/messages", seller, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body := decodeEnvelope(t, resp)
	var data struct {
		NegotiationID uuid.UUID                   `json:"negotiation_id"`
		Messages      []models.NegotiationMessage `json:"messages"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Messages) != len(contents) {
		t.Fatalf("got %d messages, want %d", len(data.Messages), len(contents))
	}
	for i, content := range contents {
		if data.Messages[i].Content != content {
			t.Errorf("messages[%d] = %q, want %q", i, data.Messages[i].Content, content)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(http.MethodGet, "/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeEnvelope(t, resp)
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body.Data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", health.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(http.MethodGet, "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestWebsocketUpgradeThroughRouter proves the full middleware chain,
// including the instrumented response writer, still supports hijacking.
func TestWebsocketUpgradeThroughRouter(t *testing.T) {
	env := newAPIEnv(t)
	user := &models.User{ID: uuid.New(), Username: "alice"}

	token, _, err := env.tokens.Mint(user.ID, user.Username)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial through router: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = ws.Close() }()

	if err := ws.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if frame.Type != "connection_confirmed" {
		t.Errorf("first frame = %s, want connection_confirmed", frame.Type)
	}
}
