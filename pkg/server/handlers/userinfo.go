// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/claims/envelope"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
)

func userinfoDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointUserinfo
	return []*dispatch.Descriptor{
		builtIn("extract_userinfo_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractUserinfoRequest)),

		builtIn("handle_userinfo_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleUserinfoRequest)),

		builtIn("apply_userinfo_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyUserinfoResponse)),
	}
}

func extractUserinfoRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if token, ok := request.AccessToken(); !ok || token == "" {
		ec.Reject(oauth.ErrorInvalidToken, "The mandatory access token is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

// handleUserinfoRequest authenticates the bearer access token and
// projects the subject's identity claims. Only claims destined to the
// id_token may appear: userinfo is an identity surface, not an access
// token mirror.
func handleUserinfoRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	token, _ := txn.Request.AccessToken()
	ac, err := authenticate(ctx, txn, token, oauth.TokenTypeAccessToken)
	if err != nil {
		return err
	}
	if ac.IsRejected() {
		hc.Reject(oauth.ErrorInvalidToken, "The access token is invalid or has expired.", "")
		return nil
	}
	principal := ac.Principal
	subject, ok := principal.Subject()
	if !ok {
		hc.Reject(oauth.ErrorInvalidToken, "The access token carries no subject.", "")
		return nil
	}

	// Prefer the stored destination-annotated principal: the wire token
	// cannot carry claim destinations.
	if ac.Entry != nil && ac.Entry.ReferenceID == "" && len(ac.Entry.Payload) > 0 {
		if stored, _, err := envelope.Read(ac.Entry.Payload); err == nil && stored != nil {
			principal = stored
		}
	}

	txn.Response = oauth.NewResponse()
	txn.Response.Set("sub", subject)

	for _, claim := range principal.Claims() {
		if isPrivateClaim(claim.Type) || claim.Type == claims.ClaimSubject {
			continue
		}
		if !claim.HasDestination(string(oauth.TokenTypeIDToken)) {
			continue
		}
		if _, taken := txn.Response.Get(claim.Type); taken {
			continue
		}
		txn.Response.Set(claim.Type, claim.Value)
	}
	hc.Principal = principal
	return nil
}

func applyUserinfoResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	response := ac.Transaction().Response
	if response.IsError() {
		response.Status = http.StatusUnauthorized
		return nil
	}
	response.Status = http.StatusOK
	return nil
}
