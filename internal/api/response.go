// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/logging"
)

// apiResponse is the JSON envelope shared by every REST endpoint.
type apiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&apiResponse{Status: "success", Data: data}); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&apiResponse{
		Status: "error",
		Error:  &apiError{Code: code, Message: message},
	}); err != nil {
		logging.Error().Err(err).Msg("encode error response")
	}
}

// identity extracts the caller's identity injected by the upstream gateway.
// The gateway owns authentication; these headers are its trusted output.
func identity(r *http.Request) (uuid.UUID, string, bool) {
	rawID := r.Header.Get("X-User-ID")
	username := r.Header.Get("X-User-Name")
	if rawID == "" || username == "" {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, username, true
}
