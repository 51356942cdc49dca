// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/storage"
)

// resolveApplication loads the client named by client_id onto the
// validate context. Returns false after rejecting.
func resolveApplication(ctx context.Context, vc *server.ValidateContext) bool {
	txn := vc.Transaction()
	clientID, ok := txn.Request.ClientID()
	if !ok || clientID == "" {
		vc.Reject(oauth.ErrorInvalidClient, "The mandatory client_id parameter is missing.", "")
		return false
	}
	if txn.Stores == nil || txn.Stores.Applications == nil {
		return true // degraded mode: custom validators own client checks
	}
	app, err := txn.Stores.Applications.FindByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			vc.Reject(oauth.ErrorInvalidClient, "The specified client identifier is invalid.", "")
			return false
		}
		txn.Logger.Error("application lookup failed", "error", err)
		vc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return false
	}
	vc.Application = app
	return true
}

// authenticateApplication enforces client authentication rules: a
// confidential client must always present its secret; a hybrid client is
// held to the confidential rules whenever a secret is present; a public
// client must not be rejected for omitting one.
func authenticateApplication(vc *server.ValidateContext) bool {
	app := vc.Application
	if app == nil {
		return true
	}
	txn := vc.Transaction()
	secret, supplied := txn.Request.ClientSecret()

	switch app.Type {
	case oauth.ClientTypeConfidential:
		if !supplied || secret == "" {
			vc.Reject(oauth.ErrorInvalidClient, "The mandatory client_secret parameter is missing.", "")
			return false
		}
		if !secretMatches(app, secret) {
			vc.Reject(oauth.ErrorInvalidClient, "The specified client credentials are invalid.", "")
			return false
		}
	case oauth.ClientTypeHybrid:
		if supplied && secret != "" && !secretMatches(app, secret) {
			vc.Reject(oauth.ErrorInvalidClient, "The specified client credentials are invalid.", "")
			return false
		}
	case oauth.ClientTypePublic:
		// Public clients hold no secret; a supplied value is ignored.
	}
	return true
}

func secretMatches(app *storage.Application, secret string) bool {
	stored := app.ClientSecret
	presented := secret
	if app.SecretHashed {
		sum := sha256.Sum256([]byte(secret))
		presented = hex.EncodeToString(sum[:])
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// requireConfidentialAccess rejects public clients on endpoints reserved
// for authenticated callers (introspection).
func requireConfidentialAccess(vc *server.ValidateContext) bool {
	app := vc.Application
	if app == nil {
		return true
	}
	txn := vc.Transaction()
	if app.Type == oauth.ClientTypePublic {
		vc.Reject(oauth.ErrorInvalidClient, "Public clients cannot use this endpoint.", "")
		return false
	}
	secret, supplied := txn.Request.ClientSecret()
	if !supplied || secret == "" {
		vc.Reject(oauth.ErrorInvalidClient, "The mandatory client_secret parameter is missing.", "")
		return false
	}
	if !secretMatches(vc.Application, secret) {
		vc.Reject(oauth.ErrorInvalidClient, "The specified client credentials are invalid.", "")
		return false
	}
	return true
}

// checkEndpointPermission verifies the client may call the endpoint.
func checkEndpointPermission(vc *server.ValidateContext, endpoint oauth.Endpoint) bool {
	txn := vc.Transaction()
	if txn.Options.IgnoreEndpointPermissions || vc.Application == nil {
		return true
	}
	for _, permitted := range vc.Application.EndpointPermissions {
		if permitted == endpoint {
			return true
		}
	}
	vc.Reject(oauth.ErrorUnauthorizedClient,
		fmt.Sprintf("This client application is not allowed to use the %s endpoint.", endpoint), "")
	return false
}

// checkGrantTypePermission verifies the client may use the grant type.
func checkGrantTypePermission(vc *server.ValidateContext, grantType string) bool {
	txn := vc.Transaction()
	if txn.Options.IgnoreGrantTypePermissions || vc.Application == nil {
		return true
	}
	for _, permitted := range vc.Application.GrantTypePermissions {
		if permitted == grantType {
			return true
		}
	}
	vc.Reject(oauth.ErrorUnauthorizedClient,
		"This client application is not allowed to use the specified grant type.", "")
	return false
}

// checkScopePermissions verifies the client may request every scope.
func checkScopePermissions(vc *server.ValidateContext, scopes []string) bool {
	txn := vc.Transaction()
	if txn.Options.IgnoreScopePermissions || vc.Application == nil {
		return true
	}
	permitted := make(map[string]struct{}, len(vc.Application.ScopePermissions))
	for _, s := range vc.Application.ScopePermissions {
		permitted[s] = struct{}{}
	}
	for _, s := range scopes {
		// openid and offline_access are granted through the matching
		// response/grant permissions, not scope permissions.
		if s == oauth.ScopeOpenID || s == oauth.ScopeOfflineAccess {
			continue
		}
		if _, ok := permitted[s]; !ok {
			vc.Reject(oauth.ErrorInvalidScope,
				"This client application is not allowed to request the specified scope.", "")
			return false
		}
	}
	return true
}

// checkScopesRecognized verifies every requested scope is registered in
// the options or the scope store.
func checkScopesRecognized(ctx context.Context, vc *server.ValidateContext, scopes []string) bool {
	txn := vc.Transaction()
	registered := make(map[string]struct{}, len(txn.Options.Scopes))
	for _, s := range txn.Options.Scopes {
		registered[s] = struct{}{}
	}
	for _, s := range scopes {
		if s == oauth.ScopeOpenID || s == oauth.ScopeOfflineAccess {
			continue
		}
		if _, ok := registered[s]; ok {
			continue
		}
		if txn.Stores != nil && txn.Stores.Scopes != nil {
			if _, err := txn.Stores.Scopes.FindScopeByName(ctx, s); err == nil {
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				txn.Logger.Error("scope lookup failed", "error", err)
				vc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
				return false
			}
		}
		vc.Reject(oauth.ErrorInvalidScope, fmt.Sprintf("The scope %q is not supported.", s), "")
		return false
	}
	return true
}

// checkRedirectURIRegistered verifies the redirect_uri is registered for
// the client, using exact string comparison.
func checkRedirectURIRegistered(vc *server.ValidateContext, redirectURI string) bool {
	if vc.Application == nil {
		return true
	}
	for _, registered := range vc.Application.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	vc.Reject(oauth.ErrorInvalidRequest, "The specified redirect_uri is not valid for this client application.", "")
	return false
}

// prepareReissue clones a consumed artifact's principal and strips the
// claims specific to the consumed token so fresh tokens are stamped with
// their own identity and dates.
func prepareReissue(p *claims.Principal) *claims.Principal {
	fresh := p.Clone()
	fresh.RemoveClaims(claims.ClaimPrivateTokenID)
	fresh.RemoveClaims(claims.ClaimPrivateTokenType)
	fresh.RemoveClaims(claims.ClaimPrivateCreationDate)
	fresh.RemoveClaims(claims.ClaimPrivateExpirationDate)
	fresh.RemoveClaims(claims.ClaimPrivateCodeChallenge)
	fresh.RemoveClaims(claims.ClaimPrivateCodeChallengeMethod)
	fresh.RemoveClaims(claims.ClaimPrivateOriginalRedirectURI)
	return fresh
}
