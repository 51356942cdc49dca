// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import "fmt"

// Standard protocol error codes per RFC 6749, RFC 8628 and OIDC Core.
const (
	ErrorAccessDenied            = "access_denied"
	ErrorAuthorizationPending    = "authorization_pending"
	ErrorExpiredToken            = "expired_token"
	ErrorInsufficientScope       = "insufficient_scope"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidToken            = "invalid_token"
	ErrorServerError             = "server_error"
	ErrorSlowDown                = "slow_down"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
)

// Error is a protocol-level rejection. It is carried on rejected contexts
// and in responses; it is a value, not a Go error raised out of handlers.
type Error struct {
	// Code is the standard error code (e.g. "invalid_request").
	Code string

	// Description is a human-readable explanation, safe to return to the
	// client. Never include token material or internal details.
	Description string

	// URI optionally points at documentation for the error.
	URI string
}

// Error implements the error interface so protocol rejections can be
// surfaced through error returns at the host boundary.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error with a code and formatted description.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// ServerError is the catch-all returned when an internal failure occurred.
// The description is deliberately generic.
func ServerError() *Error {
	return &Error{
		Code:        ErrorServerError,
		Description: "An internal error occurred while processing the request.",
	}
}
