// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
)

func introspectionDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointIntrospection
	return []*dispatch.Descriptor{
		builtIn("extract_introspection_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractIntrospectionRequest)),

		builtIn("resolve_introspection_client", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(resolveIntrospectionClient)),
		builtIn("authenticate_introspection_client", server.KindValidate(e), 2*OrderSpacing,
			dispatch.HandlerFunc(authenticateIntrospectionClient)),
		builtIn("check_introspection_permissions", server.KindValidate(e), 3*OrderSpacing,
			dispatch.HandlerFunc(checkIntrospectionPermissions)),

		builtIn("handle_introspection_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleIntrospectionRequest)),

		builtIn("apply_introspection_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyIntrospectionResponse)),
	}
}

func extractIntrospectionRequest(_ context.Context, c dispatch.Context) error {
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

func resolveIntrospectionClient(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	resolveApplication(ctx, vc)
	return nil
}

// authenticateIntrospectionClient restricts introspection to clients able
// to authenticate, so token state is never revealed to anonymous callers.
func authenticateIntrospectionClient(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	requireConfidentialAccess(vc)
	return nil
}

func checkIntrospectionPermissions(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	checkEndpointPermission(vc, oauth.EndpointIntrospection)
	return nil
}

// handleIntrospectionRequest authenticates the presented token and builds
// the RFC 7662 response. A token that fails authentication for any reason
// yields exactly {"active": false}: the endpoint never reveals whether
// the token existed.
func handleIntrospectionRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	token, _ := txn.Request.Token()
	ac, err := authenticate(ctx, txn, token)
	if err != nil {
		return err
	}

	txn.Response = oauth.NewResponse()
	if ac.IsRejected() {
		txn.Response.Set("active", false)
		return nil
	}
	principal := ac.Principal

	txn.Response.Set("active", true)
	if sub, ok := principal.Subject(); ok {
		txn.Response.Set("sub", sub)
	}
	if tokenType, ok := principal.TokenType(); ok {
		txn.Response.Set("token_type", tokenType)
	}
	if scopes := principal.Scopes(); len(scopes) > 0 {
		txn.Response.Set(oauth.ParamScope, strings.Join(scopes, " "))
	}
	if audiences := principal.Audiences(); len(audiences) > 0 {
		txn.Response.Set("aud", audiences)
	}
	if created, ok := principal.CreationDate(); ok {
		txn.Response.Set("iat", created.Unix())
	}
	if expires, ok := principal.ExpirationDate(); ok {
		txn.Response.Set("exp", expires.Unix())
	}
	if tokenID, ok := principal.TokenID(); ok {
		txn.Response.Set("jti", tokenID)
	}
	if ac.Entry != nil && ac.Entry.ClientID != "" {
		txn.Response.Set(oauth.ParamClientID, ac.Entry.ClientID)
	}
	txn.Response.Set("iss", txn.Options.Issuer)

	// Subject claims are filtered symmetrically with issuance: the wire
	// token only ever contained claims whose destinations included its
	// own type, so every surviving public claim is safe to expose.
	for _, claim := range principal.Claims() {
		if isPrivateClaim(claim.Type) || claim.Type == claims.ClaimSubject {
			continue
		}
		if _, taken := txn.Response.Get(claim.Type); taken {
			continue
		}
		txn.Response.Set(claim.Type, claim.Value)
	}
	return nil
}

func applyIntrospectionResponse(_ context.Context, c dispatch.Context) error {
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
	response.Status = http.StatusOK
	return nil
}
