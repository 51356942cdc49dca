// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/keys"
	"github.com/stacklok/authframe/pkg/storage"
	"github.com/stacklok/authframe/pkg/storage/memory"
)

// fixture wires a complete server over in-memory storage with two
// pre-registered clients: c1 (public) and c2 (confidential).
type fixture struct {
	srv     *server.Server
	storage *memory.Storage
}

const confidentialSecret = "c2-super-secret"

func newFixture(t *testing.T, mutate func(*server.Options)) *fixture {
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
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypeRefreshToken,
		},
		Scopes: []string{oauth.ScopeProfile, oauth.ScopeEmail},
		// Sub-nanosecond polls are unobservable, so device tests never
		// trip slow_down unless they opt into a real interval.
		DeviceCodePollingInterval: time.Nanosecond,
		SigningCredentials:        []*keys.SigningCredential{signing},
		EncryptionCredentials:     []*keys.EncryptionCredential{encryption},
		Handlers:                  Descriptors(),
	}
	if mutate != nil {
		mutate(options)
	}

	srv, err := server.New(options, mem.Stores())
	require.NoError(t, err)

	f := &fixture{srv: srv, storage: mem}
	f.registerClients(t)
	return f
}

func (f *fixture) registerClients(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	endpoints := []oauth.Endpoint{
		oauth.EndpointAuthorization,
		oauth.EndpointToken,
		oauth.EndpointDevice,
		oauth.EndpointIntrospection,
		oauth.EndpointRevocation,
	}
	grants := []string{
		oauth.GrantTypeAuthorizationCode,
		oauth.GrantTypeClientCredentials,
		oauth.GrantTypeDeviceCode,
		oauth.GrantTypeRefreshToken,
	}
	scopes := []string{oauth.ScopeProfile, oauth.ScopeEmail}

	require.NoError(t, f.storage.Create(ctx, &storage.Application{
		ClientID:               "c1",
		Type:                   oauth.ClientTypePublic,
		EndpointPermissions:    endpoints,
		GrantTypePermissions:   grants,
		ScopePermissions:       scopes,
		RedirectURIs:           []string{"https://c1/cb"},
		PostLogoutRedirectURIs: []string{"https://c1/logged-out"},
	}))
	require.NoError(t, f.storage.Create(ctx, &storage.Application{
		ClientID:             "c2",
		ClientSecret:         confidentialSecret,
		Type:                 oauth.ClientTypeConfidential,
		EndpointPermissions:  endpoints,
		GrantTypePermissions: grants,
		ScopePermissions:     scopes,
		RedirectURIs:         []string{"https://c2/cb"},
	}))
}

// run processes one transaction and requires no internal failure.
func (f *fixture) run(t *testing.T, endpoint oauth.Endpoint, params url.Values, user *claims.Principal) *server.Transaction {
	t.Helper()
	txn := f.srv.NewTransaction(endpoint)
	txn.Request = oauth.NewRequest(params)
	if user != nil {
		txn.SetProperty(PropertyUserPrincipal, user)
	}
	require.NoError(t, f.srv.ProcessRequest(context.Background(), txn))
	require.NotNil(t, txn.Response)
	return txn
}

// testUser builds an authenticated end-user principal with destination
// annotated identity claims.
func testUser() *claims.Principal {
	p := claims.NewPrincipal(claims.NewIdentity("test"))
	p.SetSubject("user-1")
	p.Identity().AddStringClaim(claims.ClaimName, "Bob").
		SetDestinations(string(oauth.TokenTypeIDToken), string(oauth.TokenTypeAccessToken))
	p.Identity().AddStringClaim(claims.ClaimEmail, "b@x").
		SetDestinations(string(oauth.TokenTypeAccessToken))
	return p
}

func responseString(t *testing.T, txn *server.Transaction, name string) string {
	t.Helper()
	value, ok := txn.Response.GetString(name)
	require.True(t, ok, "response parameter %q missing", name)
	return value
}

func responseError(txn *server.Transaction) string {
	code, _ := txn.Response.GetString("error")
	return code
}
