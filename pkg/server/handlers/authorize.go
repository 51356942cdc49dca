// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// requestCacheClaim is the JWT claim carrying the serialized parameters
// of a cached authorization request.
const requestCacheClaim = "af_req_params"

func authorizationDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointAuthorization
	return []*dispatch.Descriptor{
		builtIn("restore_cached_authorization_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(restoreCachedAuthorizationRequest), requireRequestCaching()),
		builtIn("extract_authorization_request", server.KindExtract(e), 2*OrderSpacing,
			dispatch.HandlerFunc(extractAuthorizationRequest)),

		builtIn("validate_authorization_parameters", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(validateAuthorizationParameters)),
		builtIn("resolve_authorization_client", server.KindValidate(e), 2*OrderSpacing,
			dispatch.HandlerFunc(resolveAuthorizationClient)),
		builtIn("check_authorization_permissions", server.KindValidate(e), 3*OrderSpacing,
			dispatch.HandlerFunc(checkAuthorizationPermissions)),
		builtIn("validate_authorization_redirect_uri", server.KindValidate(e), 4*OrderSpacing,
			dispatch.HandlerFunc(validateAuthorizationRedirectURI)),
		builtIn("validate_authorization_scopes", server.KindValidate(e), 5*OrderSpacing,
			dispatch.HandlerFunc(validateAuthorizationScopes)),
		builtIn("validate_proof_key_parameters", server.KindValidate(e), 6*OrderSpacing,
			dispatch.HandlerFunc(validateProofKeyParameters)),
		builtIn("cache_authorization_request", server.KindValidate(e), 7*OrderSpacing,
			dispatch.HandlerFunc(cacheAuthorizationRequest), requireRequestCaching()),

		builtIn("handle_authorization_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleAuthorizationRequest)),

		builtIn("apply_authorization_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyAuthorizationResponse)),
	}
}

// restoreCachedAuthorizationRequest replaces a request_id-only request
// with the cached original parameters.
func restoreCachedAuthorizationRequest(ctx context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	requestID, ok := request.RequestID()
	if !ok || requestID == "" {
		return nil
	}
	if txn.Stores == nil || txn.Stores.Requests == nil {
		return nil
	}

	payload, err := txn.Stores.Requests.LoadRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ec.Reject(oauth.ErrorInvalidRequest, "The specified request_id is invalid or has expired.", "")
			return nil
		}
		txn.Logger.Error("request cache lookup failed", "error", err)
		ec.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	claimSet, err := parseToken(txn.Options, string(payload), time.Now())
	if err != nil {
		txn.Logger.Debug("cached request token rejected", "error", err)
		ec.Reject(oauth.ErrorInvalidRequest, "The specified request_id is invalid or has expired.", "")
		return nil
	}
	raw, _ := claimSet[requestCacheClaim].(string)
	var params url.Values
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		ec.Reject(oauth.ErrorInvalidRequest, "The cached request could not be restored.", "")
		return nil
	}
	ec.Request = oauth.NewRequest(params)
	// Keep the request_id so the caching handler recognizes the request
	// as already restored instead of caching it again.
	ec.Request.Set(oauth.ParamRequestID, requestID)
	txn.Request = ec.Request
	return nil
}

func extractAuthorizationRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if clientID, ok := request.ClientID(); !ok || clientID == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory client_id parameter is missing.", "")
		return nil
	}
	if responseType, ok := request.ResponseType(); !ok || responseType == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory response_type parameter is missing.", "")
		return nil
	}
	if redirectURI, ok := request.RedirectURI(); !ok || redirectURI == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory redirect_uri parameter is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

func validateAuthorizationParameters(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	request := txn.Request

	responseType, _ := request.ResponseType()
	normalizedType := normalizeResponseType(responseType)
	if !txn.Options.ResponseTypeEnabled(normalizedType) {
		vc.Reject(oauth.ErrorUnsupportedResponseType, "The specified response_type is not supported.", "")
		return nil
	}

	if mode, ok := request.ResponseMode(); ok && mode != "" {
		if !txn.Options.ResponseModeEnabled(mode) {
			vc.Reject(oauth.ErrorInvalidRequest, "The specified response_mode is not supported.", "")
			return nil
		}
		// Token-bearing response types cannot flow back in the query
		// string.
		if mode == oauth.ResponseModeQuery && bearsToken(normalizedType) {
			vc.Reject(oauth.ErrorInvalidRequest,
				"The query response_mode cannot be used with a response_type that issues tokens.", "")
			return nil
		}
	}

	if prompt, ok := request.Prompt(); ok && prompt != "" {
		values := strings.Fields(prompt)
		for _, v := range values {
			switch v {
			case oauth.PromptConsent, oauth.PromptLogin, oauth.PromptNone, oauth.PromptSelectAccount:
			default:
				vc.Reject(oauth.ErrorInvalidRequest, "The specified prompt value is not supported.", "")
				return nil
			}
		}
		if len(values) > 1 && contains(values, oauth.PromptNone) {
			vc.Reject(oauth.ErrorInvalidRequest, "The none prompt cannot be combined with other values.", "")
			return nil
		}
	}

	// OIDC requires a nonce for implicit and hybrid flows issuing an
	// id_token from the authorization endpoint.
	if responseTypeHas(normalizedType, oauth.ResponseTypeIDToken) {
		if nonce, ok := request.Nonce(); !ok || nonce == "" {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory nonce parameter is missing.", "")
			return nil
		}
	}
	return nil
}

// normalizeResponseType sorts the space-delimited response type values
// into the canonical order used by the enabled-set comparison.
func normalizeResponseType(responseType string) string {
	values := strings.Fields(responseType)
	ordered := make([]string, 0, 3)
	for _, want := range []string{"code", "id_token", "token"} {
		if contains(values, want) {
			ordered = append(ordered, want)
		}
	}
	if len(ordered) != len(values) {
		// Unknown component: return as-is so the enabled check fails.
		return responseType
	}
	return strings.Join(ordered, " ")
}

func bearsToken(responseType string) bool {
	return responseTypeHas(responseType, oauth.ResponseTypeToken) ||
		responseTypeHas(responseType, oauth.ResponseTypeIDToken)
}

// responseTypeHas reports whether the space-delimited response type
// includes the exact value. Substring checks would confuse "token" with
// "id_token".
func responseTypeHas(responseType, value string) bool {
	return contains(strings.Fields(responseType), value)
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func resolveAuthorizationClient(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	resolveApplication(ctx, vc)
	return nil
}

func checkAuthorizationPermissions(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	if !checkEndpointPermission(vc, oauth.EndpointAuthorization) {
		return nil
	}
	responseType, _ := txn.Request.ResponseType()
	normalized := normalizeResponseType(responseType)
	if responseTypeHas(normalized, oauth.ResponseTypeCode) {
		if !checkGrantTypePermission(vc, oauth.GrantTypeAuthorizationCode) {
			return nil
		}
	}
	if bearsToken(normalized) && !responseTypeHas(normalized, oauth.ResponseTypeCode) {
		checkGrantTypePermission(vc, oauth.GrantTypeImplicit)
	}
	return nil
}

func validateAuthorizationRedirectURI(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	redirectURI, _ := txn.Request.RedirectURI()
	if !checkRedirectURIRegistered(vc, redirectURI) {
		return nil
	}
	vc.RedirectURI = redirectURI
	// From here on protocol errors may be returned by redirect.
	txn.SetProperty(propertyValidatedRedirectURI, redirectURI)
	return nil
}

func validateAuthorizationScopes(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	scopes := txn.Request.Scopes()

	responseType, _ := txn.Request.ResponseType()
	if responseTypeHas(normalizeResponseType(responseType), oauth.ResponseTypeIDToken) && !contains(scopes, oauth.ScopeOpenID) {
		vc.Reject(oauth.ErrorInvalidScope, "The openid scope is required when requesting an id_token.", "")
		return nil
	}
	if len(scopes) == 0 {
		return nil
	}
	if !checkScopesRecognized(ctx, vc, scopes) {
		return nil
	}
	checkScopePermissions(vc, scopes)
	return nil
}

func validateProofKeyParameters(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	challenge, hasChallenge := txn.Request.CodeChallenge()
	method, hasMethod := txn.Request.CodeChallengeMethod()

	if hasMethod && !hasChallenge {
		vc.Reject(oauth.ErrorInvalidRequest, "The code_challenge_method parameter cannot be used without code_challenge.", "")
		return nil
	}
	if !hasChallenge || challenge == "" {
		// Public clients must bind their codes to a proof key.
		responseType, _ := txn.Request.ResponseType()
		if vc.Application != nil && vc.Application.Type == oauth.ClientTypePublic &&
			responseTypeHas(normalizeResponseType(responseType), oauth.ResponseTypeCode) {
			vc.Reject(oauth.ErrorInvalidRequest, "The mandatory code_challenge parameter is missing.", "")
		}
		return nil
	}
	if hasMethod && !txn.Options.CodeChallengeMethodEnabled(method) {
		vc.Reject(oauth.ErrorInvalidRequest, "The specified code_challenge_method is not supported.", "")
		return nil
	}
	return nil
}

// cacheAuthorizationRequest stores the validated parameters under a
// server-generated request_id and redirects the user agent to a compact
// single-parameter URL. The cached payload is a signed and encrypted JWT
// so a tampered cache cannot influence later processing.
func cacheAuthorizationRequest(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	txn := vc.Transaction()
	if txn.Stores == nil || txn.Stores.Requests == nil {
		return nil
	}
	if _, ok := txn.Request.RequestID(); ok {
		return nil // already restored from the cache
	}

	params, err := json.Marshal(txn.Request.Params())
	if err != nil {
		return fmt.Errorf("failed to serialize request parameters: %w", err)
	}
	now := time.Now().UTC()
	claimSet := map[string]any{
		"iss":             txn.Options.Issuer,
		"iat":             now.Unix(),
		"exp":             now.Add(txn.Options.RequestCacheLifetime).Unix(),
		requestCacheClaim: string(params),
	}
	payload, err := signToken(txn.Options, claimSet, txn.Options.PreferredEncryptionCredential(now))
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	if err := txn.Stores.Requests.StoreRequest(ctx, requestID, []byte(payload), txn.Options.RequestCacheLifetime); err != nil {
		txn.Logger.Error("failed to cache authorization request", "error", err)
		vc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	clientID, _ := txn.Request.ClientID()
	target := absoluteEndpointURI(txn.Options, oauth.EndpointAuthorization)
	txn.Response = oauth.NewResponse()
	txn.Response.RedirectURI = target
	txn.Response.ResponseMode = oauth.ResponseModeQuery
	txn.Response.Set(oauth.ParamClientID, clientID)
	txn.Response.Set(oauth.ParamRequestID, requestID)
	vc.HandleRequest()
	return nil
}

func handleAuthorizationRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	userPrincipal := userPrincipalOf(txn)
	if userPrincipal == nil {
		// No authenticated user: the processor emits a challenge so the
		// host can render login.
		return nil
	}
	subject, ok := userPrincipal.Subject()
	if !ok {
		return fmt.Errorf("%w: user principal carries no subject claim", ErrHostIntegration)
	}

	requestedScopes := txn.Request.Scopes()
	grantedScopes := requestedScopes
	if v, ok := txn.Property(PropertyGrantedScopes); ok {
		if scopes, ok := v.([]string); ok {
			grantedScopes = scopes
		}
	}

	// Implicit consent: a prior valid authorization covering the
	// requested scopes short-circuits the consent round trip.
	prompt, _ := txn.Request.Prompt()
	if !txn.Options.DisableAuthorizationStorage && txn.Stores != nil && txn.Stores.Authorizations != nil &&
		!strings.Contains(prompt, oauth.PromptConsent) {
		existing, err := txn.Stores.Authorizations.FindBySubjectAndClient(ctx, subject, clientIDOf(hc))
		if err != nil {
			txn.Logger.Error("authorization lookup failed", "error", err)
			hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
			return nil
		}
		for _, authorization := range existing {
			if scopesCovered(authorization.Scopes, grantedScopes) {
				userPrincipal = userPrincipal.Clone()
				userPrincipal.SetAuthorizationID(authorization.ID)
				break
			}
		}
	}

	principal := userPrincipal.Clone()
	principal.SetSubject(subject)
	principal.SetScopes(grantedScopes...)
	principal.SetPresenters(clientIDOf(hc))
	if redirectURI, ok := txn.Request.RedirectURI(); ok {
		principal.SetOriginalRedirectURI(redirectURI)
	}
	if nonce, ok := txn.Request.Nonce(); ok {
		principal.SetNonce(nonce)
	}
	if challenge, ok := txn.Request.CodeChallenge(); ok {
		principal.SetCodeChallenge(challenge)
		method, hasMethod := txn.Request.CodeChallengeMethod()
		if !hasMethod || method == "" {
			method = oauth.CodeChallengeMethodPlain
		}
		principal.SetCodeChallengeMethod(method)
	}
	if resources := txn.Request.Resources(); len(resources) > 0 {
		principal.SetResources(resources...)
		principal.SetAudiences(resources...)
	}

	responseType, _ := txn.Request.ResponseType()
	normalized := normalizeResponseType(responseType)

	hc.Principal = principal
	return signIn(ctx, hc, principal, func(sc *server.SignInContext) {
		sc.IncludeAuthorizationCode = responseTypeHas(normalized, oauth.ResponseTypeCode)
		sc.IncludeAccessToken = responseTypeHas(normalized, oauth.ResponseTypeToken)
		sc.IncludeIdentityToken = responseTypeHas(normalized, oauth.ResponseTypeIDToken)
	})
}

func userPrincipalOf(txn *server.Transaction) *claims.Principal {
	v, ok := txn.Property(PropertyUserPrincipal)
	if !ok {
		return nil
	}
	p, ok := v.(*claims.Principal)
	if !ok {
		return nil
	}
	return p
}

func clientIDOf(hc *server.HandleContext) string {
	if hc.Application != nil {
		return hc.Application.ClientID
	}
	clientID, _ := hc.Transaction().Request.ClientID()
	return clientID
}

func scopesCovered(granted, requested []string) bool {
	held := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		held[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := held[s]; !ok {
			return false
		}
	}
	return true
}

// applyAuthorizationResponse decides how the response travels back: a
// redirect to the validated redirect_uri when one is available, or a
// direct response the host renders when validation failed before the
// redirect_uri was vetted.
func applyAuthorizationResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	txn := ac.Transaction()
	response := txn.Response

	if response.RedirectURI != "" {
		return nil // already finalized (e.g. request caching redirect)
	}

	redirectURI := ""
	if v, ok := txn.Property(propertyValidatedRedirectURI); ok {
		redirectURI, _ = v.(string)
	}
	if redirectURI == "" {
		if response.IsError() {
			response.Status = http.StatusBadRequest
		}
		return nil
	}

	response.RedirectURI = redirectURI
	if mode, ok := requestResponseMode(txn); ok {
		response.ResponseMode = mode
		return nil
	}
	// Default mode: fragment whenever tokens travel in the response,
	// query otherwise.
	responseType := ""
	if txn.Request != nil {
		responseType, _ = txn.Request.ResponseType()
	}
	if bearsToken(normalizeResponseType(responseType)) {
		response.ResponseMode = oauth.ResponseModeFragment
		return nil
	}
	response.ResponseMode = oauth.ResponseModeQuery
	return nil
}

func requestResponseMode(txn *server.Transaction) (string, bool) {
	if txn.Request == nil {
		return "", false
	}
	mode, ok := txn.Request.ResponseMode()
	return mode, ok && mode != ""
}
