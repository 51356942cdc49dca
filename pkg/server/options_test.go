// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/server/keys"
)

func testCredentials(t *testing.T) ([]*keys.SigningCredential, []*keys.EncryptionCredential) {
	t.Helper()
	signing, err := keys.GenerateSigningCredential("")
	require.NoError(t, err)
	encryption, err := keys.GenerateEncryptionCredential()
	require.NoError(t, err)
	return []*keys.SigningCredential{signing}, []*keys.EncryptionCredential{encryption}
}

func baseOptions(t *testing.T) *Options {
	t.Helper()
	signing, encryption := testCredentials(t)
	return &Options{
		Issuer: "https://as.example.com",
		EndpointURIs: map[oauth.Endpoint][]string{
			oauth.EndpointAuthorization: {"/authorize"},
			oauth.EndpointToken:         {"/token"},
			oauth.EndpointDevice:        {"/device"},
			oauth.EndpointVerification:  {"/device/verify"},
		},
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
		},
		SigningCredentials:    signing,
		EncryptionCredentials: encryption,
	}
}

func TestResolveDerivations(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	require.NoError(t, o.Resolve(time.Now()))

	assert.Contains(t, o.Scopes, oauth.ScopeOfflineAccess,
		"the refresh grant derives the offline_access scope")
	assert.Contains(t, o.ResponseTypes, oauth.ResponseTypeCode)
	assert.Contains(t, o.CodeChallengeMethods, oauth.CodeChallengeMethodS256)
	assert.ElementsMatch(t,
		[]string{oauth.ResponseModeFormPost, oauth.ResponseModeFragment, oauth.ResponseModeQuery},
		o.ResponseModes,
		"code response types additionally enable the query mode")
}

func TestResolveImplicitAndHybridDerivations(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	o.GrantTypes = append(o.GrantTypes, oauth.GrantTypeImplicit)
	require.NoError(t, o.Resolve(time.Now()))

	for _, responseType := range []string{
		oauth.ResponseTypeCode,
		oauth.ResponseTypeToken,
		oauth.ResponseTypeIDToken,
		oauth.ResponseTypeIDTokenToken,
		oauth.ResponseTypeCodeIDToken,
		oauth.ResponseTypeCodeToken,
		oauth.ResponseTypeCodeIDTokenToken,
	} {
		assert.Contains(t, o.ResponseTypes, responseType)
	}
}

func TestResolveImplicitOnlyHasNoQueryMode(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	o.GrantTypes = []string{oauth.GrantTypeImplicit}
	o.EndpointURIs = map[oauth.Endpoint][]string{
		oauth.EndpointAuthorization: {"/authorize"},
	}
	require.NoError(t, o.Resolve(time.Now()))

	assert.NotContains(t, o.ResponseModes, oauth.ResponseModeQuery,
		"without the code response type the query mode stays off")
	assert.Contains(t, o.ResponseModes, oauth.ResponseModeFragment)
	assert.Contains(t, o.ResponseModes, oauth.ResponseModeFormPost)
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	require.NoError(t, o.Resolve(time.Now()))

	snapshot := &Options{}
	*snapshot = *o

	require.NoError(t, o.Resolve(time.Now()))
	if diff := cmp.Diff(snapshot.Scopes, o.Scopes); diff != "" {
		t.Fatalf("scopes changed on re-resolve:\n%s", diff)
	}
	if diff := cmp.Diff(snapshot.ResponseTypes, o.ResponseTypes); diff != "" {
		t.Fatalf("response types changed on re-resolve:\n%s", diff)
	}
	if diff := cmp.Diff(snapshot.ResponseModes, o.ResponseModes); diff != "" {
		t.Fatalf("response modes changed on re-resolve:\n%s", diff)
	}
	if diff := cmp.Diff(snapshot.CodeChallengeMethods, o.CodeChallengeMethods); diff != "" {
		t.Fatalf("code challenge methods changed on re-resolve:\n%s", diff)
	}
}

func TestResolveEndpointGrantMatrix(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		grant     string
		endpoints []oauth.Endpoint
	}{
		{
			name:      "authorization_code needs authorization and token",
			grant:     oauth.GrantTypeAuthorizationCode,
			endpoints: []oauth.Endpoint{oauth.EndpointAuthorization, oauth.EndpointToken},
		},
		{
			name:      "device_code needs device, token and verification",
			grant:     oauth.GrantTypeDeviceCode,
			endpoints: []oauth.Endpoint{oauth.EndpointDevice, oauth.EndpointToken, oauth.EndpointVerification},
		},
		{
			name:      "client_credentials needs token",
			grant:     oauth.GrantTypeClientCredentials,
			endpoints: []oauth.Endpoint{oauth.EndpointToken},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc := tc
			t.Parallel()

			for _, missing := range tc.endpoints {
				o := baseOptions(t)
				o.GrantTypes = []string{tc.grant}
				delete(o.EndpointURIs, missing)

				err := o.Resolve(time.Now())
				require.Error(t, err)
				var configErr *ConfigError
				assert.ErrorAs(t, err, &configErr)
			}
		})
	}
}

func TestResolveCredentialInvariants(t *testing.T) {
	t.Parallel()

	t.Run("asymmetric signing credential required", func(t *testing.T) {
		t.Parallel()

		o := baseOptions(t)
		o.SigningCredentials = []*keys.SigningCredential{
			{Secret: []byte("0123456789abcdef0123456789abcdef")},
		}
		err := o.Resolve(time.Now())
		require.Error(t, err)
	})

	t.Run("encryption credential required", func(t *testing.T) {
		t.Parallel()

		o := baseOptions(t)
		o.EncryptionCredentials = nil
		err := o.Resolve(time.Now())
		require.Error(t, err)
	})

	t.Run("at least one grant type", func(t *testing.T) {
		t.Parallel()

		o := baseOptions(t)
		o.GrantTypes = nil
		err := o.Resolve(time.Now())
		require.Error(t, err)
	})
}

func TestResolveStorageInvariants(t *testing.T) {
	t.Parallel()

	t.Run("reference tokens need token storage", func(t *testing.T) {
		t.Parallel()

		o := baseOptions(t)
		o.DisableTokenStorage = true
		o.UseReferenceAccessTokens = true
		o.UseRollingRefreshTokens = true
		require.Error(t, o.Resolve(time.Now()))
	})

	t.Run("sliding refresh needs storage or rolling tokens", func(t *testing.T) {
		t.Parallel()

		o := baseOptions(t)
		o.DisableTokenStorage = true
		require.Error(t, o.Resolve(time.Now()))

		o = baseOptions(t)
		o.DisableTokenStorage = true
		o.UseRollingRefreshTokens = true
		require.NoError(t, o.Resolve(time.Now()))

		o = baseOptions(t)
		o.DisableTokenStorage = true
		o.DisableSlidingRefreshTokenExpiration = true
		require.NoError(t, o.Resolve(time.Now()))
	})
}

func customValidator(endpoint oauth.Endpoint) *dispatch.Descriptor {
	return &dispatch.Descriptor{
		Name:        "custom_validate_" + string(endpoint),
		ContextKind: KindValidate(endpoint),
		Order:       100,
		Type:        dispatch.Custom,
		Handler:     dispatch.HandlerFunc(func(context.Context, dispatch.Context) error { return nil }),
	}
}

func TestResolveDegradedMode(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	o.DegradedMode = true
	o.GrantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
	o.EndpointURIs = map[oauth.Endpoint][]string{
		oauth.EndpointAuthorization: {"/authorize"},
		oauth.EndpointToken:         {"/token"},
	}

	err := o.Resolve(time.Now())
	require.Error(t, err, "degraded mode without custom validators must fail")

	o.Handlers = append(o.Handlers,
		customValidator(oauth.EndpointAuthorization),
		customValidator(oauth.EndpointToken),
	)
	require.NoError(t, o.Resolve(time.Now()))

	assert.True(t, o.DisableTokenStorage)
	assert.True(t, o.DisableAuthorizationStorage)
	assert.True(t, o.IgnoreEndpointPermissions)
	assert.True(t, o.IgnoreGrantTypePermissions)
	assert.True(t, o.IgnoreScopePermissions)
	assert.False(t, o.UseReferenceAccessTokens)
	assert.True(t, o.UseRollingRefreshTokens,
		"sliding refresh forces rolling tokens in degraded mode")
}

func TestResolveAssignsKeyIDs(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	o.SigningCredentials[0].KeyID = ""
	o.SigningCredentials[0].Algorithm = ""
	o.EncryptionCredentials[0].KeyID = ""
	require.NoError(t, o.Resolve(time.Now()))

	assert.NotEmpty(t, o.SigningCredentials[0].KeyID)
	assert.NotEmpty(t, o.SigningCredentials[0].Algorithm)
	assert.NotEmpty(t, o.EncryptionCredentials[0].KeyID)
}

func TestResolveSortsHandlers(t *testing.T) {
	t.Parallel()

	noop := dispatch.HandlerFunc(func(context.Context, dispatch.Context) error { return nil })
	o := baseOptions(t)
	o.Handlers = []*dispatch.Descriptor{
		{Name: "late", ContextKind: "k", Order: 2000, Handler: noop},
		{Name: "early", ContextKind: "k", Order: 1000, Handler: noop},
	}
	require.NoError(t, o.Resolve(time.Now()))
	assert.Equal(t, "early", o.Handlers[0].Name)
	assert.Equal(t, "late", o.Handlers[1].Name)
}

func TestTokenLifetimeDefaults(t *testing.T) {
	t.Parallel()

	o := baseOptions(t)
	require.NoError(t, o.Resolve(time.Now()))

	assert.Equal(t, DefaultAccessTokenLifetime, o.TokenLifetime(oauth.TokenTypeAccessToken))
	assert.Equal(t, DefaultAuthorizationCodeLifetime, o.TokenLifetime(oauth.TokenTypeAuthorizationCode))
	assert.Equal(t, DefaultRefreshTokenLifetime, o.TokenLifetime(oauth.TokenTypeRefreshToken))
	assert.Equal(t, DefaultDeviceCodePollingInterval, o.DeviceCodePollingInterval)
}
