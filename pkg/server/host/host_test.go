// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/handlers"
	"github.com/stacklok/authframe/pkg/server/keys"
	"github.com/stacklok/authframe/pkg/storage"
	"github.com/stacklok/authframe/pkg/storage/memory"
)

func testUser() *claims.Principal {
	p := claims.NewPrincipal(claims.NewIdentity("test"))
	p.SetSubject("user-1")
	p.Identity().AddStringClaim(claims.ClaimName, "Bob").
		SetDestinations(string(oauth.TokenTypeIDToken))
	return p
}

// newTestServer boots a complete server behind httptest with a session
// resolver that always reports the test user as logged in.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mem := memory.New(memory.WithCleanupInterval(time.Hour))
	t.Cleanup(mem.Stop)

	signing, err := keys.GenerateSigningCredential("")
	require.NoError(t, err)
	encryption, err := keys.GenerateEncryptionCredential()
	require.NoError(t, err)

	options := &server.Options{
		Issuer: "https://as.example.com",
		EndpointURIs: map[oauth.Endpoint][]string{
			oauth.EndpointAuthorization: {"/authorize"},
			oauth.EndpointToken:         {"/token"},
			oauth.EndpointDevice:        {"/device"},
			oauth.EndpointVerification:  {"/device/verify"},
			oauth.EndpointIntrospection: {"/introspect"},
			oauth.EndpointRevocation:    {"/revoke"},
			oauth.EndpointUserinfo:      {"/userinfo"},
			oauth.EndpointConfiguration: {oauth.WellKnownOIDCPath},
			oauth.EndpointCryptography:  {oauth.WellKnownJWKSPath},
			oauth.EndpointLogout:        {"/logout"},
		},
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypeRefreshToken,
		},
		Scopes:                []string{oauth.ScopeProfile},
		SigningCredentials:    []*keys.SigningCredential{signing},
		EncryptionCredentials: []*keys.EncryptionCredential{encryption},
		Handlers:              handlers.Descriptors(),
	}

	srv, err := server.New(options, mem.Stores())
	require.NoError(t, err)

	require.NoError(t, mem.Create(context.Background(), &storage.Application{
		ClientID: "c1",
		Type:     oauth.ClientTypePublic,
		EndpointPermissions: []oauth.Endpoint{
			oauth.EndpointAuthorization, oauth.EndpointToken,
			oauth.EndpointDevice, oauth.EndpointRevocation,
		},
		GrantTypePermissions: []string{
			oauth.GrantTypeAuthorizationCode, oauth.GrantTypeDeviceCode, oauth.GrantTypeRefreshToken,
		},
		ScopePermissions: []string{oauth.ScopeProfile},
		RedirectURIs:     []string{"https://c1/cb"},
	}))

	ts := httptest.NewServer(New(srv, WithUserAuthenticator(func(*http.Request) *claims.Principal {
		return testUser()
	})))
	t.Cleanup(ts.Close)
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	client := noRedirectClient()
	verifier := oauth2.GenerateVerifier()

	// Authorization request: expect a 302 back to the client callback.
	authorizeURL := ts.URL + "/authorize?" + url.Values{
		oauth.ParamResponseType:        {oauth.ResponseTypeCode},
		oauth.ParamClientID:            {"c1"},
		oauth.ParamRedirectURI:         {"https://c1/cb"},
		oauth.ParamScope:               {"openid profile"},
		oauth.ParamCodeChallenge:       {oauth2.S256ChallengeFromVerifier(verifier)},
		oauth.ParamCodeChallengeMethod: {oauth.CodeChallengeMethodS256},
		oauth.ParamState:               {"xyz"},
	}.Encode()

	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "c1", location.Host)
	assert.Equal(t, "/cb", location.Path)
	assert.Equal(t, "xyz", location.Query().Get(oauth.ParamState))
	code := location.Query().Get(oauth.ParamCode)
	require.NotEmpty(t, code)

	// Token exchange.
	resp, err = client.PostForm(ts.URL+"/token", url.Values{
		oauth.ParamGrantType:    {oauth.GrantTypeAuthorizationCode},
		oauth.ParamClientID:     {"c1"},
		oauth.ParamCode:         {code},
		oauth.ParamRedirectURI:  {"https://c1/cb"},
		oauth.ParamCodeVerifier: {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var tokenResponse struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token"`
		Scope        string `json:"scope"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResponse))
	assert.NotEmpty(t, tokenResponse.AccessToken)
	assert.Equal(t, oauth.Bearer, tokenResponse.TokenType)
	assert.Equal(t, int64(3600), tokenResponse.ExpiresIn)
	assert.NotEmpty(t, tokenResponse.IDToken)
	assert.Equal(t, "openid profile", tokenResponse.Scope)

	// Replaying the code yields invalid_grant.
	resp, err = client.PostForm(ts.URL+"/token", url.Values{
		oauth.ParamGrantType:    {oauth.GrantTypeAuthorizationCode},
		oauth.ParamClientID:     {"c1"},
		oauth.ParamCode:         {code},
		oauth.ParamRedirectURI:  {"https://c1/cb"},
		oauth.ParamCodeVerifier: {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResponse map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResponse))
	assert.Equal(t, oauth.ErrorInvalidGrant, errResponse["error"])

	// The issued access token works against userinfo via bearer auth.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenResponse.AccessToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var userinfo map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&userinfo))
	assert.Equal(t, "user-1", userinfo["sub"])
	assert.Equal(t, "Bob", userinfo["name"])
}

func TestDiscoveryOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + oauth.WellKnownOIDCPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var document map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&document))
	assert.Equal(t, "https://as.example.com", document["issuer"])
	assert.NotEmpty(t, document["authorization_endpoint"])
	assert.NotEmpty(t, document["grant_types_supported"])
	assert.NotEmpty(t, document["response_modes_supported"])
}

func TestJWKSOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + oauth.WellKnownJWKSPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.NotContains(t, jwks.Keys[0], "d")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRevocationOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/revoke", url.Values{
		oauth.ParamClientID: {"c1"},
		oauth.ParamToken:    {"unknown"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "revocation succeeds even for unknown tokens")
}

func TestFormPostResponseMode(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	client := noRedirectClient()
	verifier := oauth2.GenerateVerifier()

	authorizeURL := ts.URL + "/authorize?" + url.Values{
		oauth.ParamResponseType:        {oauth.ResponseTypeCode},
		oauth.ParamClientID:            {"c1"},
		oauth.ParamRedirectURI:         {"https://c1/cb"},
		oauth.ParamScope:               {"openid"},
		oauth.ParamCodeChallenge:       {oauth2.S256ChallengeFromVerifier(verifier)},
		oauth.ParamCodeChallengeMethod: {oauth.CodeChallengeMethodS256},
		oauth.ParamResponseMode:        {oauth.ResponseModeFormPost},
	}.Encode()

	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(body)
	assert.Contains(t, page, `action="https://c1/cb"`)
	assert.True(t, strings.Contains(page, `name="code"`), "the form carries the code parameter")
}
