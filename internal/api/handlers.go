// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/logging"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/models"
	"github.com/mwhite-dev/dealroom/internal/storage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// socketTokenResponse is the socket-token issuance payload. The client
// session manager consumes this shape verbatim.
type socketTokenResponse struct {
	Token     string          `json:"token"`
	ExpiresIn int64           `json:"expiresIn"`
	User      socketTokenUser `json:"user"`
}

type socketTokenUser struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// SocketToken mints a short-lived socket token for the authenticated caller.
// The upstream gateway has already authenticated the request; this endpoint
// only exchanges that identity for a websocket credential.
func (router *Router) SocketToken(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		metrics.AuthFailuresTotal.WithLabelValues("no_identity").Inc()
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity")
		return
	}

	token, expiresAt, err := router.tokens.Mint(userID, username)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID.String()).Msg("mint socket token")
		respondError(w, http.StatusInternalServerError, "TOKEN_MINT_FAILED", "could not issue socket token")
		return
	}

	// Record the user so presence lookups resolve the username even before
	// the first socket connection.
	if err := router.store.CreateUser(r.Context(), &models.User{ID: userID, Username: username}); err != nil {
		logging.Warn().Err(err).Str("user_id", userID.String()).Msg("persist user record")
	}

	respondJSON(w, http.StatusOK, socketTokenResponse{
		Token:     token,
		ExpiresIn: int64(time.Until(expiresAt).Seconds()),
		User:      socketTokenUser{ID: userID, Username: username},
	})
}

// createNegotiationRequest opens a negotiation between a buyer and a seller.
// Called by the marketplace backend when a buyer starts haggling on a
// listing.
type createNegotiationRequest struct {
	ProductID    uuid.UUID `json:"product_id" validate:"required"`
	BuyerID      uuid.UUID `json:"buyer_id" validate:"required"`
	SellerID     uuid.UUID `json:"seller_id" validate:"required"`
	InitialOffer float64   `json:"initial_offer" validate:"omitempty,gt=0"`
}

// CreateNegotiation persists a new active negotiation.
func (router *Router) CreateNegotiation(w http.ResponseWriter, r *http.Request) {
	var req createNegotiationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	if req.BuyerID == req.SellerID {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", "buyer and seller must differ")
		return
	}

	now := time.Now().UTC()
	neg := &models.Negotiation{
		ID:           uuid.New(),
		ProductID:    req.ProductID,
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		Status:       models.NegotiationActive,
		CurrentOffer: req.InitialOffer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := router.store.CreateNegotiation(r.Context(), neg); err != nil {
		logging.Error().Err(err).Msg("create negotiation")
		respondError(w, http.StatusInternalServerError, "PERSISTENCE_FAILURE", "could not create negotiation")
		return
	}

	respondJSON(w, http.StatusCreated, neg)
}

// GetNegotiation returns one negotiation; participants only.
func (router *Router) GetNegotiation(w http.ResponseWriter, r *http.Request) {
	neg, ok := router.loadParticipantNegotiation(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, neg)
}

// ListMessages returns a negotiation's full message history in insertion
// order. Clients call this after reconnecting to backfill frames missed
// while offline.
func (router *Router) ListMessages(w http.ResponseWriter, r *http.Request) {
	neg, ok := router.loadParticipantNegotiation(w, r)
	if !ok {
		return
	}

	messages, err := router.store.ListMessages(r.Context(), neg.ID)
	if err != nil {
		logging.Error().Err(err).Str("negotiation_id", neg.ID.String()).Msg("list messages")
		respondError(w, http.StatusInternalServerError, "PERSISTENCE_FAILURE", "could not load messages")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"negotiation_id": neg.ID,
		"messages":       messages,
	})
}

// loadParticipantNegotiation resolves {id}, loads the negotiation, and
// enforces that the caller is a participant. Writes the error response
// itself when it returns ok=false.
func (router *Router) loadParticipantNegotiation(w http.ResponseWriter, r *http.Request) (*models.Negotiation, bool) {
	userID, _, ok := identity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller identity")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "negotiation id must be a UUID")
		return nil, false
	}

	neg, err := router.store.GetNegotiation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "negotiation not found")
			return nil, false
		}
		logging.Error().Err(err).Str("negotiation_id", id.String()).Msg("load negotiation")
		respondError(w, http.StatusInternalServerError, "PERSISTENCE_FAILURE", "could not load negotiation")
		return nil, false
	}

	if !neg.IsParticipant(userID) {
		respondError(w, http.StatusForbidden, "ACCESS_DENIED", "not a participant in this negotiation")
		return nil, false
	}
	return neg, true
}
