// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
)

// authorizeParams builds a standard PKCE-protected authorization request
// for the public client.
func authorizeParams(verifier, scope string) url.Values {
	return url.Values{
		oauth.ParamResponseType:        {oauth.ResponseTypeCode},
		oauth.ParamClientID:            {"c1"},
		oauth.ParamRedirectURI:         {"https://c1/cb"},
		oauth.ParamScope:               {scope},
		oauth.ParamCodeChallenge:       {oauth2.S256ChallengeFromVerifier(verifier)},
		oauth.ParamCodeChallengeMethod: {oauth.CodeChallengeMethodS256},
		oauth.ParamState:               {"af-state"},
	}
}

func exchangeParams(code, verifier string) url.Values {
	return url.Values{
		oauth.ParamGrantType:    {oauth.GrantTypeAuthorizationCode},
		oauth.ParamClientID:     {"c1"},
		oauth.ParamCode:         {code},
		oauth.ParamRedirectURI:  {"https://c1/cb"},
		oauth.ParamCodeVerifier: {verifier},
	}
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	verifier := oauth2.GenerateVerifier()

	// Authorization: the user agent is redirected back with a code.
	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid profile"), testUser())
	require.False(t, authz.Response.IsError(), "authorization failed: %v", authz.Response.Params())
	assert.Equal(t, "https://c1/cb", authz.Response.RedirectURI)
	assert.Equal(t, oauth.ResponseModeQuery, authz.Response.ResponseMode)
	assert.Equal(t, "af-state", responseString(t, authz, oauth.ParamState))
	code := responseString(t, authz, oauth.ParamCode)

	// Exchange: the code converts into a token set exactly once.
	token := f.run(t, oauth.EndpointToken, exchangeParams(code, verifier), nil)
	require.False(t, token.Response.IsError(), "exchange failed: %v", token.Response.Params())
	assert.Equal(t, http.StatusOK, token.Response.Status)
	assert.Equal(t, oauth.Bearer, responseString(t, token, "token_type"))
	assert.NotEmpty(t, responseString(t, token, oauth.ParamAccessToken))
	assert.NotEmpty(t, responseString(t, token, "id_token"))
	assert.Equal(t, "openid profile", responseString(t, token, oauth.ParamScope))
	expiresIn, ok := token.Response.Get("expires_in")
	require.True(t, ok)
	assert.EqualValues(t, int64(3600), expiresIn)

	// Replay: the same code must not convert twice.
	replay := f.run(t, oauth.EndpointToken, exchangeParams(code, verifier), nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(replay))
	assert.Equal(t, http.StatusBadRequest, replay.Response.Status)
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid"), testUser())
	code := responseString(t, authz, oauth.ParamCode)

	token := f.run(t, oauth.EndpointToken, exchangeParams(code, oauth2.GenerateVerifier()), nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(token))
}

func TestExchangeRejectsMissingVerifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid"), testUser())
	code := responseString(t, authz, oauth.ParamCode)

	params := exchangeParams(code, "")
	params.Del(oauth.ParamCodeVerifier)
	token := f.run(t, oauth.EndpointToken, params, nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(token))
}

func TestExchangeRejectsRedirectMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid"), testUser())
	code := responseString(t, authz, oauth.ParamCode)

	params := exchangeParams(code, verifier)
	params.Set(oauth.ParamRedirectURI, "https://evil/cb")
	token := f.run(t, oauth.EndpointToken, params, nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(token))
}

func TestIdentityTokenClaimFiltering(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid profile"), testUser())
	code := responseString(t, authz, oauth.ParamCode)
	token := f.run(t, oauth.EndpointToken, exchangeParams(code, verifier), nil)
	require.False(t, token.Response.IsError())

	// The id_token is a plain signed JWT: inspect its claim set.
	idToken := responseString(t, token, "id_token")
	parsed, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)

	claimSet := make(map[string]any)
	credential := f.srv.Options().SigningCredentials[0]
	require.NoError(t, parsed.Claims(credential.Signer.Public(), &claimSet))

	assert.Equal(t, "user-1", claimSet["sub"])
	assert.Equal(t, "Bob", claimSet["name"], "claims destined to id_token travel in it")
	_, hasEmail := claimSet["email"]
	assert.False(t, hasEmail, "claims not destined to id_token must never appear in it")
	assert.Equal(t, []any{"c1"}, claimSet["aud"])
}

func TestRefreshTokenRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *server.Options) {
		o.UseRollingRefreshTokens = true
	})
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid profile offline_access"), testUser())
	require.False(t, authz.Response.IsError(), "authorization failed: %v", authz.Response.Params())
	code := responseString(t, authz, oauth.ParamCode)

	token := f.run(t, oauth.EndpointToken, exchangeParams(code, verifier), nil)
	require.False(t, token.Response.IsError(), "exchange failed: %v", token.Response.Params())
	first := responseString(t, token, oauth.ParamRefreshToken)

	refreshParams := func(refreshToken string) url.Values {
		return url.Values{
			oauth.ParamGrantType:    {oauth.GrantTypeRefreshToken},
			oauth.ParamClientID:     {"c1"},
			oauth.ParamRefreshToken: {refreshToken},
		}
	}

	refresh1 := f.run(t, oauth.EndpointToken, refreshParams(first), nil)
	require.False(t, refresh1.Response.IsError(), "first refresh failed: %v", refresh1.Response.Params())
	second := responseString(t, refresh1, oauth.ParamRefreshToken)

	refresh2 := f.run(t, oauth.EndpointToken, refreshParams(second), nil)
	require.False(t, refresh2.Response.IsError(), "second refresh failed: %v", refresh2.Response.Params())
	third := responseString(t, refresh2, oauth.ParamRefreshToken)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, second, third)
	assert.NotEqual(t, first, third)

	// Replaying the rotated token is treated as theft: the reuse fails
	// and every descendant dies with the authorization.
	replay := f.run(t, oauth.EndpointToken, refreshParams(first), nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(replay))

	descendant := f.run(t, oauth.EndpointToken, refreshParams(third), nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(descendant),
		"descendants of a replayed refresh token must be revoked")
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil) // rolling disabled, sliding enabled
	verifier := oauth2.GenerateVerifier()

	authz := f.run(t, oauth.EndpointAuthorization, authorizeParams(verifier, "openid offline_access"), testUser())
	code := responseString(t, authz, oauth.ParamCode)
	token := f.run(t, oauth.EndpointToken, exchangeParams(code, verifier), nil)
	first := responseString(t, token, oauth.ParamRefreshToken)

	refresh := f.run(t, oauth.EndpointToken, url.Values{
		oauth.ParamGrantType:    {oauth.GrantTypeRefreshToken},
		oauth.ParamClientID:     {"c1"},
		oauth.ParamRefreshToken: {first},
	}, nil)
	require.False(t, refresh.Response.IsError(), "refresh failed: %v", refresh.Response.Params())
	assert.Equal(t, first, responseString(t, refresh, oauth.ParamRefreshToken),
		"without rotation the presented token stays the refresh credential")
}

func TestClientCredentialsGrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	token := f.run(t, oauth.EndpointToken, url.Values{
		oauth.ParamGrantType:    {oauth.GrantTypeClientCredentials},
		oauth.ParamClientID:     {"c2"},
		oauth.ParamClientSecret: {confidentialSecret},
		oauth.ParamScope:        {"profile"},
	}, nil)
	require.False(t, token.Response.IsError(), "grant failed: %v", token.Response.Params())
	assert.NotEmpty(t, responseString(t, token, oauth.ParamAccessToken))
	assert.Equal(t, oauth.Bearer, responseString(t, token, "token_type"))
}

func TestClientCredentialsRequiresSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	testCases := []struct {
		name     string
		params   url.Values
		expected string
		status   int
	}{
		{
			name: "missing secret",
			params: url.Values{
				oauth.ParamGrantType: {oauth.GrantTypeClientCredentials},
				oauth.ParamClientID:  {"c2"},
			},
			expected: oauth.ErrorInvalidClient,
			status:   http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			params: url.Values{
				oauth.ParamGrantType:    {oauth.GrantTypeClientCredentials},
				oauth.ParamClientID:     {"c2"},
				oauth.ParamClientSecret: {"wrong"},
			},
			expected: oauth.ErrorInvalidClient,
			status:   http.StatusUnauthorized,
		},
		{
			name: "public client refused",
			params: url.Values{
				oauth.ParamGrantType: {oauth.GrantTypeClientCredentials},
				oauth.ParamClientID:  {"c1"},
			},
			expected: oauth.ErrorUnauthorizedClient,
			status:   http.StatusBadRequest,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc := tc
			t.Parallel()

			txn := f.run(t, oauth.EndpointToken, tc.params, nil)
			assert.Equal(t, tc.expected, responseError(txn))
			assert.Equal(t, tc.status, txn.Response.Status)
		})
	}
}

func TestUnsupportedGrantType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	txn := f.run(t, oauth.EndpointToken, url.Values{
		oauth.ParamGrantType: {"urn:example:unknown"},
		oauth.ParamClientID:  {"c1"},
	}, nil)
	assert.Equal(t, oauth.ErrorUnsupportedGrantType, responseError(txn))
}

func TestPasswordGrantNeedsCustomHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *server.Options) {
		o.GrantTypes = append(o.GrantTypes, oauth.GrantTypePassword)
		o.IgnoreGrantTypePermissions = true
	})

	txn := f.run(t, oauth.EndpointToken, url.Values{
		oauth.ParamGrantType: {oauth.GrantTypePassword},
		oauth.ParamClientID:  {"c1"},
		oauth.ParamUsername:  {"bob"},
		oauth.ParamPassword:  {"hunter2"},
	}, nil)
	assert.Equal(t, oauth.ErrorUnsupportedGrantType, responseError(txn))
}

func TestTokenEndpointRequiresGrantType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	txn := f.run(t, oauth.EndpointToken, url.Values{oauth.ParamClientID: {"c1"}}, nil)
	assert.Equal(t, oauth.ErrorInvalidRequest, responseError(txn))
}
