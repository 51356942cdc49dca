// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/claims/envelope"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

func tokenDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointToken
	return []*dispatch.Descriptor{
		builtIn("extract_token_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractTokenRequest)),

		builtIn("validate_token_request_parameters", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(validateTokenRequestParameters)),
		builtIn("resolve_token_client", server.KindValidate(e), 2*OrderSpacing,
			dispatch.HandlerFunc(resolveTokenClient)),
		builtIn("authenticate_token_client", server.KindValidate(e), 3*OrderSpacing,
			dispatch.HandlerFunc(authenticateTokenClient)),
		builtIn("check_token_permissions", server.KindValidate(e), 4*OrderSpacing,
			dispatch.HandlerFunc(checkTokenPermissions)),
		builtIn("validate_token_scopes", server.KindValidate(e), 5*OrderSpacing,
			dispatch.HandlerFunc(validateTokenScopes)),

		builtIn("handle_authorization_code_grant", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleAuthorizationCodeGrant)),
		builtIn("handle_refresh_token_grant", server.KindHandle(e), 2*OrderSpacing,
			dispatch.HandlerFunc(handleRefreshTokenGrant)),
		builtIn("handle_client_credentials_grant", server.KindHandle(e), 3*OrderSpacing,
			dispatch.HandlerFunc(handleClientCredentialsGrant)),
		builtIn("handle_device_code_grant", server.KindHandle(e), 4*OrderSpacing,
			dispatch.HandlerFunc(handleDeviceCodeGrant)),
		builtIn("handle_password_grant_fallback", server.KindHandle(e), 5*OrderSpacing,
			dispatch.HandlerFunc(handlePasswordGrantFallback)),

		builtIn("apply_token_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyTokenResponse)),
	}
}

func extractOf(c dispatch.Context) (*server.ExtractContext, error) {
	ec, ok := c.(*server.ExtractContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected extract context, got %T", ErrHostIntegration, c)
	}
	return ec, nil
}

func validateOf(c dispatch.Context) (*server.ValidateContext, error) {
	vc, ok := c.(*server.ValidateContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected validate context, got %T", ErrHostIntegration, c)
	}
	return vc, nil
}

func handleOf(c dispatch.Context) (*server.HandleContext, error) {
	hc, ok := c.(*server.HandleContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected handle context, got %T", ErrHostIntegration, c)
	}
	return hc, nil
}

func applyOf(c dispatch.Context) (*server.ApplyContext, error) {
	ac, ok := c.(*server.ApplyContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected apply context, got %T", ErrHostIntegration, c)
	}
	return ac, nil
}

func extractTokenRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if grantType, ok := request.GrantType(); !ok || grantType == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory grant_type parameter is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

func validateTokenRequestParameters(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	grantType, _ := txn.Request.GrantType()

	if !txn.Options.GrantTypeEnabled(grantType) {
		vc.Reject(oauth.ErrorUnsupportedGrantType, "The specified grant_type is not supported.", "")
		return nil
	}

	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		if code, ok := txn.Request.Code(); !ok || code == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory code parameter is missing.", "")
		}
	case oauth.GrantTypeRefreshToken:
		if token, ok := txn.Request.RefreshToken(); !ok || token == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory refresh_token parameter is missing.", "")
		}
	case oauth.GrantTypeDeviceCode:
		if code, ok := txn.Request.DeviceCode(); !ok || code == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory device_code parameter is missing.", "")
		}
	case oauth.GrantTypePassword:
		if username, ok := txn.Request.Username(); !ok || username == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory username parameter is missing.", "")
			return nil
		}
		if password, ok := txn.Request.Password(); !ok || password == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory password parameter is missing.", "")
		}
	}
	return nil
}

func resolveTokenClient(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	resolveApplication(ctx, vc)
	return nil
}

func authenticateTokenClient(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	if !authenticateApplication(vc) {
		return nil
	}
	// The client credentials grant is reserved for clients able to
	// authenticate.
	txn := vc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType == oauth.GrantTypeClientCredentials {
		if vc.Application != nil && vc.Application.Type == oauth.ClientTypePublic {
			vc.Reject(oauth.ErrorUnauthorizedClient, "Public clients cannot use the client_credentials grant.", "")
		}
	}
	return nil
}

func checkTokenPermissions(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	if !checkEndpointPermission(vc, oauth.EndpointToken) {
		return nil
	}
	grantType, _ := txn.Request.GrantType()
	checkGrantTypePermission(vc, grantType)
	return nil
}

func validateTokenScopes(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	scopes := vc.Transaction().Request.Scopes()
	if len(scopes) == 0 {
		return nil
	}
	if !checkScopesRecognized(ctx, vc, scopes) {
		return nil
	}
	checkScopePermissions(vc, scopes)
	return nil
}

func handleAuthorizationCodeGrant(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType != oauth.GrantTypeAuthorizationCode {
		return nil
	}

	code, _ := txn.Request.Code()
	ac, err := authenticate(ctx, txn, code, oauth.TokenTypeAuthorizationCode)
	if err != nil {
		return err
	}
	if ac.IsRejected() {
		hc.Reject(oauth.ErrorInvalidGrant, "The specified authorization code is invalid or has expired.", "")
		return nil
	}
	principal := ac.Principal

	// The redirect_uri presented at the token endpoint must match the
	// one the code was bound to.
	if original, ok := principal.OriginalRedirectURI(); ok {
		presented, _ := txn.Request.RedirectURI()
		if presented != original {
			hc.Reject(oauth.ErrorInvalidGrant, "The specified redirect_uri does not match the authorization request.", "")
			return nil
		}
	}

	if !verifyProofKey(hc, principal) {
		return nil
	}

	// One-time use: exactly one concurrent exchange wins the entry.
	if ac.Entry != nil {
		if err := txn.Stores.Tokens.Redeem(ctx, ac.Entry.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, storage.ErrAlreadyRedeemed) || errors.Is(err, storage.ErrNotFound) {
				hc.Reject(oauth.ErrorInvalidGrant, "The specified authorization code has already been redeemed.", "")
				return nil
			}
			return fmt.Errorf("failed to redeem authorization code: %w", err)
		}
	}

	hc.Principal = prepareReissue(principal)
	return signIn(ctx, hc, hc.Principal, func(sc *server.SignInContext) {
		sc.IncludeAccessToken = true
		sc.IncludeIdentityToken = true
		sc.IncludeRefreshToken = shouldIssueRefreshToken(txn, hc.Principal)
	})
}

// verifyProofKey checks the PKCE verifier against the challenge bound to
// the authorization code.
func verifyProofKey(hc *server.HandleContext, principal *claims.Principal) bool {
	txn := hc.Transaction()
	challenge, hasChallenge := principal.CodeChallenge()
	verifier, hasVerifier := txn.Request.CodeVerifier()

	if !hasChallenge {
		if hasVerifier {
			hc.Reject(oauth.ErrorInvalidGrant, "A code_verifier was supplied but no code_challenge was bound to the code.", "")
			return false
		}
		return true
	}
	if !hasVerifier || verifier == "" {
		hc.Reject(oauth.ErrorInvalidGrant, "The mandatory code_verifier parameter is missing.", "")
		return false
	}

	method, _ := principal.CodeChallengeMethod()
	switch method {
	case oauth.CodeChallengeMethodPlain:
		if verifier != challenge {
			hc.Reject(oauth.ErrorInvalidGrant, "The specified code_verifier is invalid.", "")
			return false
		}
	default: // S256
		if oauth2.S256ChallengeFromVerifier(verifier) != challenge {
			hc.Reject(oauth.ErrorInvalidGrant, "The specified code_verifier is invalid.", "")
			return false
		}
	}
	return true
}

func handleRefreshTokenGrant(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType != oauth.GrantTypeRefreshToken {
		return nil
	}

	wire, _ := txn.Request.RefreshToken()
	ac, err := authenticate(ctx, txn, wire, oauth.TokenTypeRefreshToken)
	if err != nil {
		return err
	}
	if ac.IsRejected() {
		// A redeemed refresh token means the rotated token leaked or was
		// replayed: revoke the whole authorization so every descendant
		// token dies with it.
		if ac.Entry != nil && ac.Entry.Status == storage.TokenStatusRedeemed && ac.Entry.AuthorizationID != "" {
			if _, revokeErr := txn.Stores.Tokens.RevokeByAuthorizationID(ctx, ac.Entry.AuthorizationID); revokeErr != nil {
				txn.Logger.Error("failed to revoke authorization cascade", "error", revokeErr)
			}
			if txn.Stores.Authorizations != nil {
				if revokeErr := txn.Stores.Authorizations.RevokeAuthorization(ctx, ac.Entry.AuthorizationID); revokeErr != nil && !errors.Is(revokeErr, storage.ErrNotFound) {
					txn.Logger.Error("failed to revoke authorization entry", "error", revokeErr)
				}
			}
		}
		hc.Reject(oauth.ErrorInvalidGrant, "The specified refresh token is invalid or has expired.", "")
		return nil
	}

	rolling := txn.Options.UseRollingRefreshTokens
	sliding := !txn.Options.DisableSlidingRefreshTokenExpiration

	if rolling && ac.Entry != nil {
		if err := txn.Stores.Tokens.Redeem(ctx, ac.Entry.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, storage.ErrAlreadyRedeemed) {
				hc.Reject(oauth.ErrorInvalidGrant, "The specified refresh token has already been redeemed.", "")
				return nil
			}
			return fmt.Errorf("failed to redeem refresh token: %w", err)
		}
	}
	if !rolling && sliding && ac.Entry != nil {
		ac.Entry.ExpiresAt = time.Now().UTC().Add(txn.Options.RefreshTokenLifetime)
		if err := txn.Stores.Tokens.UpdateToken(ctx, ac.Entry); err != nil {
			return fmt.Errorf("failed to slide refresh token expiration: %w", err)
		}
	}

	hc.Principal = prepareReissue(ac.Principal)
	if err := signIn(ctx, hc, hc.Principal, func(sc *server.SignInContext) {
		sc.IncludeAccessToken = true
		sc.IncludeIdentityToken = true
		sc.IncludeRefreshToken = rolling
	}); err != nil {
		return err
	}
	if !rolling && !hc.IsRejected() && txn.Response != nil {
		// The presented token stays the active refresh credential.
		txn.Response.Set(oauth.ParamRefreshToken, wire)
	}
	return nil
}

func handleClientCredentialsGrant(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType != oauth.GrantTypeClientCredentials {
		return nil
	}
	if hc.Application == nil {
		hc.Reject(oauth.ErrorInvalidClient, "The specified client identifier is invalid.", "")
		return nil
	}

	principal := claims.NewPrincipal(claims.NewIdentity("authframe"))
	principal.SetSubject(hc.Application.ClientID)
	principal.SetPresenters(hc.Application.ClientID)
	if scopes := txn.Request.Scopes(); len(scopes) > 0 {
		principal.SetScopes(scopes...)
	}
	if resources := txn.Request.Resources(); len(resources) > 0 {
		principal.SetResources(resources...)
		principal.SetAudiences(resources...)
	}

	hc.Principal = principal
	return signIn(ctx, hc, principal, func(sc *server.SignInContext) {
		sc.IncludeAccessToken = true
	})
}

func handleDeviceCodeGrant(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType != oauth.GrantTypeDeviceCode {
		return nil
	}

	wire, _ := txn.Request.DeviceCode()
	ac, err := authenticate(ctx, txn, wire, oauth.TokenTypeDeviceCode)
	if err != nil {
		return err
	}
	if ac.IsRejected() {
		if rejection := ac.Rejection(); rejection != nil && rejection.Code == oauth.ErrorExpiredToken {
			hc.Reject(oauth.ErrorExpiredToken, "The device code has expired.", "")
			return nil
		}
		hc.Reject(oauth.ErrorInvalidGrant, "The specified device code is invalid.", "")
		return nil
	}
	entry := ac.Entry
	if entry == nil {
		hc.Reject(oauth.ErrorInvalidGrant, "The specified device code is invalid.", "")
		return nil
	}

	// Pace the polling client before looking at the authorization state.
	now := time.Now().UTC()
	interval := txn.Options.DeviceCodePollingInterval
	tooFast := entry.LastPolledAt != nil && now.Sub(*entry.LastPolledAt) < interval
	entry.LastPolledAt = &now
	if err := txn.Stores.Tokens.UpdateToken(ctx, entry); err != nil {
		txn.Logger.Error("failed to record device poll", "error", err)
	}
	if tooFast {
		hc.Reject(oauth.ErrorSlowDown, "Polling must not be more frequent than the advertised interval.", "")
		return nil
	}

	if entry.Status == storage.TokenStatusInactive {
		hc.Reject(oauth.ErrorAuthorizationPending, "The authorization request is still pending.", "")
		return nil
	}

	// The user approved: the entry payload carries the subject principal
	// associated at the verification endpoint.
	userPrincipal, _, err := envelope.Read(entry.Payload)
	if err != nil || userPrincipal == nil {
		txn.Logger.Error("device code payload could not be decoded", "error", err)
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	if err := txn.Stores.Tokens.Redeem(ctx, entry.ID, now); err != nil {
		if errors.Is(err, storage.ErrAlreadyRedeemed) {
			hc.Reject(oauth.ErrorInvalidGrant, "The specified device code has already been redeemed.", "")
			return nil
		}
		return fmt.Errorf("failed to redeem device code: %w", err)
	}

	hc.Principal = prepareReissue(userPrincipal)
	return signIn(ctx, hc, hc.Principal, func(sc *server.SignInContext) {
		sc.IncludeAccessToken = true
		sc.IncludeIdentityToken = true
		sc.IncludeRefreshToken = shouldIssueRefreshToken(txn, hc.Principal)
	})
}

// handlePasswordGrantFallback rejects password grants no custom handler
// claimed: resource-owner credential validation is the host's concern.
func handlePasswordGrantFallback(_ context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if grantType, _ := txn.Request.GrantType(); grantType != oauth.GrantTypePassword {
		return nil
	}
	if hc.Principal != nil || (txn.Response != nil && len(txn.Response.Params()) > 0) {
		return nil
	}
	hc.Reject(oauth.ErrorUnsupportedGrantType,
		"The password grant requires a custom handler able to validate resource owner credentials.", "")
	return nil
}

func shouldIssueRefreshToken(txn *server.Transaction, principal *claims.Principal) bool {
	return txn.Options.GrantTypeEnabled(oauth.GrantTypeRefreshToken) &&
		principal.HasScope(oauth.ScopeOfflineAccess)
}

// signIn dispatches the issuance pipeline for a handle-phase principal.
func signIn(ctx context.Context, hc *server.HandleContext, principal *claims.Principal, configure func(*server.SignInContext)) error {
	txn := hc.Transaction()
	sc := server.NewSignInContext(txn, principal)
	sc.Application = hc.Application
	if configure != nil {
		configure(sc)
	}
	if err := txn.Dispatcher.Dispatch(ctx, sc); err != nil {
		return err
	}
	if sc.IsRejected() {
		hc.Reject(sc.Rejection().Code, sc.Rejection().Description, sc.Rejection().URI)
	}
	return nil
}

// applyTokenResponse assigns the HTTP status for the token endpoint:
// invalid_client maps to 401, other protocol errors to 400.
func applyTokenResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	txn := ac.Transaction()
	response := txn.Response
	if !response.IsError() {
		response.Status = http.StatusOK
		return nil
	}
	if code, _ := response.GetString("error"); code == oauth.ErrorInvalidClient {
		response.Status = http.StatusUnauthorized
		return nil
	}
	response.Status = http.StatusBadRequest
	return nil
}
