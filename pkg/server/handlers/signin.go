// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/claims/envelope"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// propertyAccessTokenExpiresIn hands the access token lifetime from the
// issuance handler to the response finalizer.
const propertyAccessTokenExpiresIn = "authframe:access-token-expires-in"

func signInDescriptors() []*dispatch.Descriptor {
	return []*dispatch.Descriptor{
		builtIn("validate_sign_in_demand", server.KindProcessSignIn, 1*OrderSpacing,
			dispatch.HandlerFunc(validateSignInDemand)),
		builtIn("attach_authorization_entry", server.KindProcessSignIn, 2*OrderSpacing,
			dispatch.HandlerFunc(attachAuthorizationEntry), requireAuthorizationStorage()),
		builtIn("issue_device_codes", server.KindProcessSignIn, 3*OrderSpacing,
			dispatch.HandlerFunc(issueDeviceCodes), requireTokenStorage()),
		builtIn("issue_authorization_code", server.KindProcessSignIn, 4*OrderSpacing,
			dispatch.HandlerFunc(issueAuthorizationCode)),
		builtIn("issue_access_token", server.KindProcessSignIn, 5*OrderSpacing,
			dispatch.HandlerFunc(issueAccessToken)),
		builtIn("issue_identity_token", server.KindProcessSignIn, 6*OrderSpacing,
			dispatch.HandlerFunc(issueIdentityToken)),
		builtIn("issue_refresh_token", server.KindProcessSignIn, 7*OrderSpacing,
			dispatch.HandlerFunc(issueRefreshToken)),
		builtIn("finalize_sign_in_response", server.KindProcessSignIn, 8*OrderSpacing,
			dispatch.HandlerFunc(finalizeSignInResponse)),
		builtIn("default_challenge", server.KindProcessChallenge, 1*OrderSpacing,
			dispatch.HandlerFunc(defaultChallenge)),
	}
}

func signInOf(c dispatch.Context) (*server.SignInContext, error) {
	sc, ok := c.(*server.SignInContext)
	if !ok {
		return nil, fmt.Errorf("%w: expected sign-in context, got %T", ErrHostIntegration, c)
	}
	return sc, nil
}

func validateSignInDemand(_ context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if sc.Principal == nil {
		return fmt.Errorf("%w: sign-in dispatched without a principal", ErrHostIntegration)
	}
	if _, ok := sc.Principal.Subject(); !ok {
		return fmt.Errorf("%w: sign-in principal carries no subject claim", ErrHostIntegration)
	}
	txn := sc.Transaction()
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	return nil
}

// attachAuthorizationEntry creates an ad-hoc authorization on first
// consent so issued tokens share a revocation anchor.
func attachAuthorizationEntry(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if _, ok := sc.Principal.AuthorizationID(); ok {
		return nil
	}
	txn := sc.Transaction()
	if txn.Stores == nil || txn.Stores.Authorizations == nil {
		return nil
	}

	subject, _ := sc.Principal.Subject()
	clientID := ""
	if sc.Application != nil {
		clientID = sc.Application.ClientID
	}
	authorizationType := storage.AuthorizationTypeAdHoc
	if sc.IncludeDeviceCode {
		authorizationType = storage.AuthorizationTypeDevice
	}
	authorization := &storage.Authorization{
		ID:        uuid.NewString(),
		Subject:   subject,
		ClientID:  clientID,
		Status:    storage.AuthorizationStatusValid,
		Scopes:    sc.Principal.Scopes(),
		Type:      authorizationType,
		CreatedAt: time.Now().UTC(),
	}
	if err := txn.Stores.Authorizations.CreateAuthorization(ctx, authorization); err != nil {
		txn.Logger.Error("failed to create authorization entry", "error", err)
		sc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}
	sc.Principal.SetAuthorizationID(authorization.ID)
	return nil
}

// mintSpec describes one token to issue for the sign-in principal.
type mintSpec struct {
	tokenType oauth.TokenType
	encrypt   bool
	reference bool

	// audiences overrides the principal's audiences when non-nil.
	audiences []string

	// extraClaims are merged into the claim set after projection.
	extraClaims map[string]any
}

// mint creates the server-side entry (inactive), signs the wire token,
// then promotes the entry to valid. It returns the wire representation.
func mint(ctx context.Context, sc *server.SignInContext, spec mintSpec) (string, *storage.Token, error) {
	txn := sc.Transaction()
	now := time.Now().UTC()
	tokenID := uuid.NewString()

	lifetime := txn.Options.TokenLifetime(spec.tokenType)
	if override, ok := principalLifetime(sc.Principal, spec.tokenType); ok {
		lifetime = override
	}
	expires := now.Add(lifetime)

	principal := sc.Principal
	if spec.audiences != nil {
		principal = principal.Clone()
		principal.SetAudiences(spec.audiences...)
	}

	claimSet, err := buildTokenClaims(principal, spec.tokenType, txn.Options.Issuer, tokenID, now, expires)
	if err != nil {
		return "", nil, err
	}
	for k, v := range spec.extraClaims {
		claimSet[k] = v
	}

	subject, _ := principal.Subject()
	clientID := ""
	if sc.Application != nil {
		clientID = sc.Application.ClientID
	}
	authorizationID, _ := principal.AuthorizationID()

	var entry *storage.Token
	storageEnabled := !txn.Options.DisableTokenStorage && txn.Stores != nil && txn.Stores.Tokens != nil
	if storageEnabled {
		entry = &storage.Token{
			ID:              tokenID,
			Subject:         subject,
			ClientID:        clientID,
			AuthorizationID: authorizationID,
			Type:            spec.tokenType,
			Status:          storage.TokenStatusInactive,
			CreatedAt:       now,
			ExpiresAt:       expires,
		}
		if err := txn.Stores.Tokens.CreateToken(ctx, entry); err != nil {
			return "", nil, fmt.Errorf("failed to create token entry: %w", err)
		}
	}

	var encryption = txn.Options.PreferredEncryptionCredential(now)
	if !spec.encrypt {
		encryption = nil
	}
	wire, err := signToken(txn.Options, claimSet, encryption)
	if err != nil {
		return "", nil, err
	}

	if storageEnabled {
		if spec.reference {
			opaque, err := newOpaqueToken()
			if err != nil {
				return "", nil, err
			}
			entry.ReferenceID = opaque
			entry.Payload = []byte(wire)
			wire = opaque
		} else {
			// Keep the destination-annotated principal server-side so
			// endpoints that filter by destination (userinfo) see the
			// metadata the wire token cannot carry.
			payload, err := envelope.Write(principal, "authframe")
			if err != nil {
				return "", nil, err
			}
			entry.Payload = payload
		}
		entry.Status = storage.TokenStatusValid
		if err := txn.Stores.Tokens.UpdateToken(ctx, entry); err != nil {
			return "", nil, fmt.Errorf("failed to promote token entry: %w", err)
		}
	}
	return wire, entry, nil
}

func principalLifetime(p *claims.Principal, tokenType oauth.TokenType) (time.Duration, bool) {
	switch tokenType {
	case oauth.TokenTypeAccessToken:
		return p.AccessTokenLifetime()
	case oauth.TokenTypeAuthorizationCode:
		return p.AuthorizationCodeLifetime()
	case oauth.TokenTypeDeviceCode:
		return p.DeviceCodeLifetime()
	case oauth.TokenTypeIDToken:
		return p.IdentityTokenLifetime()
	case oauth.TokenTypeRefreshToken:
		return p.RefreshTokenLifetime()
	case oauth.TokenTypeUserCode:
		return p.UserCodeLifetime()
	default:
		return 0, false
	}
}

// issueDeviceCodes mints the paired device_code and user_code for the
// device authorization response. The user code is a short server-side
// reference; the device code is a self-contained token whose entry is
// promoted to valid only once the user completes verification.
func issueDeviceCodes(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if !sc.IncludeDeviceCode {
		return nil
	}
	txn := sc.Transaction()
	now := time.Now().UTC()

	deviceWire, deviceEntry, err := mint(ctx, sc, mintSpec{
		tokenType: oauth.TokenTypeDeviceCode,
		encrypt:   true,
	})
	if err != nil {
		return err
	}
	// The device code entry stays inactive until verification completes.
	deviceEntry.Status = storage.TokenStatusInactive
	if err := txn.Stores.Tokens.UpdateToken(ctx, deviceEntry); err != nil {
		return fmt.Errorf("failed to park device code entry: %w", err)
	}

	userCode, err := newUserCode()
	if err != nil {
		return err
	}
	subject, _ := sc.Principal.Subject()
	clientID := ""
	if sc.Application != nil {
		clientID = sc.Application.ClientID
	}
	userEntry := &storage.Token{
		ID:          uuid.NewString(),
		Subject:     subject,
		ClientID:    clientID,
		Type:        oauth.TokenTypeUserCode,
		Status:      storage.TokenStatusValid,
		ReferenceID: normalizeUserCode(userCode),
		CreatedAt:   now,
		ExpiresAt:   now.Add(txn.Options.TokenLifetime(oauth.TokenTypeUserCode)),
	}
	// The user code entry points at its paired device code entry.
	userEntry.AuthorizationID = deviceEntry.AuthorizationID
	payload, err := deviceCodePayload(deviceEntry.ID, sc.Principal)
	if err != nil {
		return err
	}
	userEntry.Payload = payload
	if err := txn.Stores.Tokens.CreateToken(ctx, userEntry); err != nil {
		return fmt.Errorf("failed to create user code entry: %w", err)
	}

	verificationURI := absoluteEndpointURI(txn.Options, oauth.EndpointVerification)
	response := txn.Response
	response.Set(oauth.ParamDeviceCode, deviceWire)
	response.Set(oauth.ParamUserCode, userCode)
	response.Set("verification_uri", verificationURI)
	response.Set("verification_uri_complete", verificationURI+"?user_code="+userCode)
	response.Set("expires_in", int64(txn.Options.DeviceCodeLifetime/time.Second))
	response.Set("interval", int64(txn.Options.DeviceCodePollingInterval/time.Second))
	sc.HandleRequest()
	return nil
}

// deviceCodePayload serializes the pairing between a user code and its
// device code entry using the binary envelope.
func deviceCodePayload(deviceCodeID string, principal *claims.Principal) ([]byte, error) {
	p := principal.Clone()
	p.SetDeviceCodeID(deviceCodeID)
	return envelope.Write(p, "authframe")
}

func issueAuthorizationCode(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if !sc.IncludeAuthorizationCode {
		return nil
	}
	wire, _, err := mint(ctx, sc, mintSpec{
		tokenType: oauth.TokenTypeAuthorizationCode,
		encrypt:   true,
	})
	if err != nil {
		return err
	}
	sc.Transaction().Response.Set(oauth.ParamCode, wire)
	return nil
}

func issueAccessToken(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if !sc.IncludeAccessToken || sc.IncludeDeviceCode {
		return nil
	}
	txn := sc.Transaction()
	wire, _, err := mint(ctx, sc, mintSpec{
		tokenType: oauth.TokenTypeAccessToken,
		encrypt:   txn.Options.PreferredEncryptionCredential(time.Now()) != nil,
		reference: txn.Options.UseReferenceAccessTokens,
	})
	if err != nil {
		return err
	}
	lifetime := txn.Options.AccessTokenLifetime
	if override, ok := sc.Principal.AccessTokenLifetime(); ok {
		lifetime = override
	}
	txn.SetProperty(propertyAccessTokenExpiresIn, int64(lifetime/time.Second))
	txn.Response.Set(oauth.ParamAccessToken, wire)
	return nil
}

func issueIdentityToken(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if !sc.IncludeIdentityToken || sc.IncludeDeviceCode {
		return nil
	}
	if !sc.Principal.HasScope(oauth.ScopeOpenID) {
		return nil
	}

	extra := map[string]any{}
	if nonce, ok := sc.Principal.Nonce(); ok {
		extra["nonce"] = nonce
	}
	var audiences []string
	if sc.Application != nil {
		audiences = []string{sc.Application.ClientID}
	}
	wire, _, err := mint(ctx, sc, mintSpec{
		tokenType:   oauth.TokenTypeIDToken,
		audiences:   audiences,
		extraClaims: extra,
	})
	if err != nil {
		return err
	}
	sc.Transaction().Response.Set("id_token", wire)
	return nil
}

func issueRefreshToken(ctx context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	if !sc.IncludeRefreshToken || sc.IncludeAuthorizationCode || sc.IncludeDeviceCode {
		return nil
	}
	txn := sc.Transaction()
	wire, _, err := mint(ctx, sc, mintSpec{
		tokenType: oauth.TokenTypeRefreshToken,
		encrypt:   true,
		reference: txn.Options.UseReferenceRefreshTokens,
	})
	if err != nil {
		return err
	}
	txn.Response.Set(oauth.ParamRefreshToken, wire)
	return nil
}

func finalizeSignInResponse(_ context.Context, c dispatch.Context) error {
	sc, err := signInOf(c)
	if err != nil {
		return err
	}
	txn := sc.Transaction()
	response := txn.Response

	if _, ok := response.GetString(oauth.ParamAccessToken); ok {
		response.Set("token_type", oauth.Bearer)
		if v, ok := txn.Property(propertyAccessTokenExpiresIn); ok {
			response.Set("expires_in", v)
		}
		if scopes := sc.Principal.Scopes(); len(scopes) > 0 {
			response.Set(oauth.ParamScope, strings.Join(scopes, " "))
		}
	}
	if state, ok := stateOf(txn); ok {
		response.Set(oauth.ParamState, state)
	}
	return nil
}

// defaultChallenge turns an unanswered authentication demand into an
// access_denied response. Hosts override this to render login.
func defaultChallenge(_ context.Context, c dispatch.Context) error {
	cc, ok := c.(*server.ChallengeContext)
	if !ok {
		return fmt.Errorf("%w: expected challenge context, got %T", ErrHostIntegration, c)
	}
	txn := cc.Transaction()
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	rejection := cc.Error
	if rejection == nil {
		rejection = &oauth.Error{
			Code:        oauth.ErrorAccessDenied,
			Description: "The authorization was denied: no authenticated principal is available.",
		}
	}
	txn.Response.SetError(rejection)
	cc.HandleRequest()
	return nil
}

// absoluteEndpointURI joins a relative endpoint path onto the issuer.
func absoluteEndpointURI(options *server.Options, endpoint oauth.Endpoint) string {
	uri := options.EndpointURI(endpoint)
	if uri == "" || strings.Contains(uri, "://") {
		return uri
	}
	return strings.TrimSuffix(options.Issuer, "/") + uri
}
