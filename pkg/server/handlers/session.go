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

// propertyPostLogoutRedirectURI records the vetted logout redirect.
const propertyPostLogoutRedirectURI = "authframe:post-logout-redirect-uri"

func logoutDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointLogout
	return []*dispatch.Descriptor{
		builtIn("extract_logout_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractLogoutRequest)),

		builtIn("validate_logout_request", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(validateLogoutRequest)),

		builtIn("handle_logout_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleLogoutRequest)),

		builtIn("apply_logout_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyLogoutResponse)),

		builtIn("default_sign_out", server.KindProcessSignOut, 1*OrderSpacing,
			dispatch.HandlerFunc(defaultSignOut)),
	}
}

func extractLogoutRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	ec.Request = request
	return nil
}

// validateLogoutRequest vets the optional post_logout_redirect_uri: it
// must be registered for the client identified by the id_token_hint. A
// redirect without an attributable client is refused.
func validateLogoutRequest(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()

	redirectURI, hasRedirect := txn.Request.PostLogoutRedirectURI()
	if !hasRedirect || redirectURI == "" {
		return nil
	}

	hint, hasHint := txn.Request.IDTokenHint()
	if !hasHint || hint == "" {
		vc.Reject(oauth.ErrorInvalidRequest,
			"The post_logout_redirect_uri parameter requires an id_token_hint.", "")
		return nil
	}

	ac, err := authenticate(ctx, txn, hint, oauth.TokenTypeIDToken)
	if err != nil {
		return err
	}
	if ac.IsRejected() {
		vc.Reject(oauth.ErrorInvalidRequest, "The specified id_token_hint is invalid.", "")
		return nil
	}

	clientID := ""
	if audiences := ac.Principal.Audiences(); len(audiences) > 0 {
		clientID = audiences[0]
	}
	if clientID == "" {
		vc.Reject(oauth.ErrorInvalidRequest, "The id_token_hint does not identify a client.", "")
		return nil
	}

	if txn.Stores != nil && txn.Stores.Applications != nil {
		app, err := txn.Stores.Applications.FindByClientID(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				vc.Reject(oauth.ErrorInvalidRequest, "The id_token_hint does not identify a known client.", "")
				return nil
			}
			txn.Logger.Error("application lookup failed", "error", err)
			vc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
			return nil
		}
		registered := false
		for _, uri := range app.PostLogoutRedirectURIs {
			if uri == redirectURI {
				registered = true
				break
			}
		}
		if !registered {
			vc.Reject(oauth.ErrorInvalidRequest,
				"The specified post_logout_redirect_uri is not registered for this client.", "")
			return nil
		}
		vc.Application = app
	}

	txn.SetProperty(propertyPostLogoutRedirectURI, redirectURI)
	return nil
}

func handleLogoutRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	sc := server.NewSignOutContext(txn)
	if v, ok := txn.Property(propertyPostLogoutRedirectURI); ok {
		sc.PostLogoutRedirectURI, _ = v.(string)
	}
	if err := txn.Dispatcher.Dispatch(ctx, sc); err != nil {
		return err
	}
	if sc.IsRejected() {
		hc.Reject(sc.Rejection().Code, sc.Rejection().Description, sc.Rejection().URI)
		return nil
	}
	// The sign-out pipeline owns session termination; a benign logout
	// always answers, principal or not.
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	hc.HandleRequest()
	return nil
}

// defaultSignOut finalizes the logout response: a redirect when a vetted
// post_logout_redirect_uri is available, an empty response otherwise.
func defaultSignOut(_ context.Context, c dispatch.Context) error {
	sc, ok := c.(*server.SignOutContext)
	if !ok {
		return nil
	}
	txn := sc.Transaction()
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	if sc.PostLogoutRedirectURI != "" {
		txn.Response.RedirectURI = sc.PostLogoutRedirectURI
		txn.Response.ResponseMode = oauth.ResponseModeQuery
		if state, ok := stateOf(txn); ok {
			txn.Response.Set(oauth.ParamState, state)
		}
	}
	return nil
}

func applyLogoutResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	response := ac.Transaction().Response
	if response.IsError() {
		response.Status = http.StatusBadRequest
		return nil
	}
	if response.RedirectURI != "" {
		return nil
	}
	response.Status = http.StatusOK
	return nil
}
