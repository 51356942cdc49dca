// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

func revocationDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointRevocation
	return []*dispatch.Descriptor{
		builtIn("extract_revocation_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractRevocationRequest)),

		builtIn("resolve_revocation_client", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(resolveRevocationClient)),
		builtIn("authenticate_revocation_client", server.KindValidate(e), 2*OrderSpacing,
			dispatch.HandlerFunc(authenticateRevocationClient)),
		builtIn("check_revocation_permissions", server.KindValidate(e), 3*OrderSpacing,
			dispatch.HandlerFunc(checkRevocationPermissions)),

		builtIn("handle_revocation_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleRevocationRequest), requireTokenStorage()),

		builtIn("apply_revocation_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyRevocationResponse)),
	}
}

func extractRevocationRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if token, ok := request.Token(); !ok || token == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory token parameter is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

func resolveRevocationClient(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	resolveApplication(ctx, vc)
	return nil
}

func authenticateRevocationClient(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	authenticateApplication(vc)
	return nil
}

func checkRevocationPermissions(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	checkEndpointPermission(vc, oauth.EndpointRevocation)
	return nil
}

// handleRevocationRequest revokes the referenced token and, for refresh
// tokens, the whole authorization cascade. Per RFC 7009 the endpoint
// returns success even when the token was unknown, already revoked or
// issued to another client, so callers cannot probe token state.
func handleRevocationRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	txn.Response = oauth.NewResponse()

	token, _ := txn.Request.Token()
	ac, err := authenticate(ctx, txn, token)
	if err != nil {
		return err
	}
	entry := ac.Entry
	if ac.IsRejected() || entry == nil {
		return nil // silent success by specification
	}
	if hc.Application != nil && entry.ClientID != "" && entry.ClientID != hc.Application.ClientID {
		return nil // do not disclose other clients' tokens
	}

	if err := txn.Stores.Tokens.RevokeToken(ctx, entry.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		txn.Logger.Error("token revocation failed", "error", err)
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	if entry.Type == oauth.TokenTypeRefreshToken && entry.AuthorizationID != "" {
		if _, err := txn.Stores.Tokens.RevokeByAuthorizationID(ctx, entry.AuthorizationID); err != nil {
			txn.Logger.Error("authorization cascade revocation failed", "error", err)
		}
		if txn.Stores.Authorizations != nil {
			if err := txn.Stores.Authorizations.RevokeAuthorization(ctx, entry.AuthorizationID); err != nil &&
				!errors.Is(err, storage.ErrNotFound) {
				txn.Logger.Error("authorization revocation failed", "error", err)
			}
		}
	}
	return nil
}

func applyRevocationResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	response := ac.Transaction().Response
	if response.IsError() {
		if code, _ := response.GetString("error"); code == oauth.ErrorInvalidClient {
			response.Status = http.StatusUnauthorized
			return nil
		}
		response.Status = http.StatusBadRequest
		return nil
	}
	// RFC 7009: an empty 200 regardless of whether anything was revoked.
	response.Status = http.StatusOK
	return nil
}
