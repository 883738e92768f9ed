// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package protocol

import "fmt"

// ErrorCode classifies protocol-level failures. Fatal codes close the
// connection; recoverable codes produce an error frame and keep it open.
type ErrorCode string

const (
	// CodeAuthenticationRequired: no token at handshake. Fatal.
	CodeAuthenticationRequired ErrorCode = "authentication_required"

	// CodeAuthenticationFailed: bad signature, expired, or malformed token. Fatal.
	CodeAuthenticationFailed ErrorCode = "authentication_failed"

	// CodeInvalidFrame: schema violation. Recoverable.
	CodeInvalidFrame ErrorCode = "invalid_frame"

	// CodeAccessDenied: non-participant or terminal-negotiation mutation. Recoverable.
	CodeAccessDenied ErrorCode = "access_denied"

	// CodeNotFound: referenced negotiation absent. Recoverable.
	CodeNotFound ErrorCode = "not_found"

	// CodePersistenceFailure: storage collaborator error. Recoverable for the
	// connection; logged as an operational fault server-side.
	CodePersistenceFailure ErrorCode = "persistence_failure"
)

// WebSocket close codes used when a handshake is refused. 4000-4999 is the
// range reserved for application use by RFC 6455.
const (
	CloseAuthRequired = 4001
	CloseAuthFailed   = 4003
)

// Error is a typed protocol failure carried back to the client.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether the error terminates the connection.
func (e *Error) Fatal() bool {
	return e.Code == CodeAuthenticationRequired || e.Code == CodeAuthenticationFailed
}

// NewError builds a protocol error with the given code and message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AccessDenied builds a recoverable authorization failure naming the reason.
func AccessDenied(reason string) *Error {
	return &Error{Code: CodeAccessDenied, Message: reason}
}

// NotFound builds a recoverable not-found failure.
func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

// InvalidFrame builds a recoverable schema-violation failure.
func InvalidFrame(format string, args ...interface{}) *Error {
	return NewError(CodeInvalidFrame, format, args...)
}
