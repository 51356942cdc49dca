// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

func authenticationDescriptors() []*dispatch.Descriptor {
	return []*dispatch.Descriptor{
		builtIn("resolve_reference_token", server.KindProcessAuthentication, 1*OrderSpacing,
			dispatch.HandlerFunc(resolveReferenceToken), requireTokenStorage()),
		builtIn("parse_wire_token", server.KindProcessAuthentication, 2*OrderSpacing,
			dispatch.HandlerFunc(parseWireToken)),
		builtIn("validate_token_type", server.KindProcessAuthentication, 3*OrderSpacing,
			dispatch.HandlerFunc(validateTokenType)),
		builtIn("validate_token_expiration", server.KindProcessAuthentication, 4*OrderSpacing,
			dispatch.HandlerFunc(validateTokenExpiration)),
		builtIn("validate_token_entry", server.KindProcessAuthentication, 5*OrderSpacing,
			dispatch.HandlerFunc(validateTokenEntry), requireTokenStorage()),
	}
}

func authenticationOf(c dispatch.Context) (*server.AuthenticationContext, error) {
	ac, ok := c.(*server.AuthenticationContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected authentication context, got %T", ErrHostIntegration, c)
	}
	return ac, nil
}

// resolveReferenceToken swaps an opaque handle for its stored payload
// before JOSE parsing. Reference lookup runs first so self-contained and
// reference tokens share the rest of the pipeline.
func resolveReferenceToken(ctx context.Context, c dispatch.Context) error {
	ac, err := authenticationOf(c)
	if err != nil {
		return err
	}
	txn := ac.Transaction()
	entry, err := txn.Stores.Tokens.FindByReferenceID(ctx, ac.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		txn.Logger.Error("reference token lookup failed", "error", err)
		ac.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}
	ac.Entry = entry
	ac.Token = string(entry.Payload)
	return nil
}

func parseWireToken(_ context.Context, c dispatch.Context) error {
	ac, err := authenticationOf(c)
	if err != nil {
		return err
	}
	txn := ac.Transaction()
	claimSet, err := parseToken(txn.Options, ac.Token, time.Now())
	if err != nil {
		txn.Logger.Debug("token parsing failed", "error", err)
		ac.Reject(oauth.ErrorInvalidToken, "The token is malformed or its signature is invalid.", "")
		return nil
	}
	ac.Principal = principalFromTokenClaims(claimSet)
	return nil
}

func validateTokenType(_ context.Context, c dispatch.Context) error {
	ac, err := authenticationOf(c)
	if err != nil {
		return err
	}
	if len(ac.ExpectedTypes) == 0 {
		return nil
	}
	tokenType, ok := ac.Principal.TokenType()
	if !ok {
		ac.Reject(oauth.ErrorInvalidToken, "The token does not declare its type.", "")
		return nil
	}
	for _, expected := range ac.ExpectedTypes {
		if tokenType == string(expected) {
			return nil
		}
	}
	ac.Reject(oauth.ErrorInvalidToken, "The token cannot be used at this endpoint.", "")
	return nil
}

func validateTokenExpiration(_ context.Context, c dispatch.Context) error {
	ac, err := authenticationOf(c)
	if err != nil {
		return err
	}
	expiration, ok := ac.Principal.ExpirationDate()
	if !ok {
		ac.Reject(oauth.ErrorInvalidToken, "The token carries no expiration date.", "")
		return nil
	}
	if time.Now().After(expiration) {
		ac.Reject(oauth.ErrorExpiredToken, "The token has expired.", "")
		return nil
	}
	return nil
}

// validateTokenEntry cross-checks the self-contained token against its
// server-side entry: status, lifetime and client binding. The entry is
// attached even when rejecting so grant handlers can inspect the state
// that caused the failure (e.g. refresh token reuse).
func validateTokenEntry(ctx context.Context, c dispatch.Context) error {
	ac, err := authenticationOf(c)
	if err != nil {
		return err
	}
	txn := ac.Transaction()

	tokenID, ok := ac.Principal.TokenID()
	if !ok {
		ac.Reject(oauth.ErrorInvalidToken, "The token carries no identifier.", "")
		return nil
	}

	entry := ac.Entry
	if entry == nil {
		entry, err = txn.Stores.Tokens.FindTokenByID(ctx, tokenID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				ac.Reject(oauth.ErrorInvalidToken, "The token is no longer known to the server.", "")
				return nil
			}
			txn.Logger.Error("token entry lookup failed", "error", err)
			ac.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
			return nil
		}
		ac.Entry = entry
	}

	if app, ok := applicationOf(txn); ok && entry.ClientID != "" && entry.ClientID != app.ClientID {
		ac.Reject(oauth.ErrorInvalidToken, "The token was issued to another client.", "")
		return nil
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		ac.Reject(oauth.ErrorExpiredToken, "The token has expired.", "")
		return nil
	}

	switch entry.Status {
	case storage.TokenStatusValid:
		return nil
	case storage.TokenStatusInactive:
		// Device codes legitimately sit inactive until the user
		// completes verification; the grant handler decides.
		if entry.Type == oauth.TokenTypeDeviceCode {
			return nil
		}
		ac.Reject(oauth.ErrorInvalidToken, "The token is not yet active.", "")
	case storage.TokenStatusRedeemed:
		ac.Reject(oauth.ErrorInvalidToken, "The token has already been redeemed.", "")
	case storage.TokenStatusRevoked, storage.TokenStatusRejected:
		ac.Reject(oauth.ErrorInvalidToken, "The token has been revoked.", "")
	default:
		ac.Reject(oauth.ErrorInvalidToken, "The token is in an unexpected state.", "")
	}
	return nil
}

// authenticate runs the authentication pipeline for a wire token.
func authenticate(ctx context.Context, txn *server.Transaction, token string, expected ...oauth.TokenType) (*server.AuthenticationContext, error) {
	ac := server.NewAuthenticationContext(txn, token)
	ac.ExpectedTypes = expected
	if err := txn.Dispatcher.Dispatch(ctx, ac); err != nil {
		return nil, err
	}
	return ac, nil
}
