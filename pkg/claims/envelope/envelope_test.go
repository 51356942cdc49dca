// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authframe/pkg/claims"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	p.Identity().AddStringClaim("name", "Bob")
	email := p.Identity().AddStringClaim("email", "b@x")
	email.SetDestinations("id_token")
	p.SetAudiences("a1", "a2")

	data, err := Write(p, "authframe")
	require.NoError(t, err)

	restored, scheme, err := Read(data)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "authframe", scheme)

	assert.Equal(t, []string{"a1", "a2"}, restored.Audiences())

	emailClaim := restored.Claim("email")
	require.NotNil(t, emailClaim)
	assert.Equal(t, "b@x", emailClaim.Value)
	assert.Equal(t, []string{"id_token"}, emailClaim.Destinations(),
		"claim properties survive the round trip")

	nameClaim := restored.Claim("name")
	require.NotNil(t, nameClaim)
	assert.Equal(t, "Bob", nameClaim.Value)
	assert.Equal(t, claims.DefaultIssuer, nameClaim.Issuer)
	assert.Equal(t, claims.DefaultValueType, nameClaim.ValueType)
}

func TestRoundTripFullPrincipal(t *testing.T) {
	t.Parallel()

	bootstrap := "raw-credential"
	actor := claims.NewIdentity("actor-scheme")
	actor.AddStringClaim("sub", "service-1")

	id := claims.NewIdentity("authframe")
	id.NameClaimType = "custom_name"
	id.BootstrapContext = &bootstrap
	id.Actor = actor
	c := &claims.Claim{
		Type:           "custom",
		Value:          "v",
		ValueType:      "custom-type",
		Issuer:         "issuer-1",
		OriginalIssuer: "issuer-0",
		Properties:     map[string]string{"k": "v"},
	}
	id.AddClaim(c)

	p := claims.NewPrincipal(id, claims.NewIdentity("secondary"))

	data, err := Write(p, "scheme")
	require.NoError(t, err)
	restored, _, err := Read(data)
	require.NoError(t, err)

	if diff := cmp.Diff(p, restored); diff != "" {
		t.Fatalf("principal mismatch (-want +got):\n%s", diff)
	}
}

func TestPrivateClaimsBridgeToProperties(t *testing.T) {
	t.Parallel()

	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	p.SetSubject("user-1")
	p.SetScopes("openid", "profile")
	p.SetTokenID("tok-1")
	p.SetCodeChallenge("challenge")

	data, err := Write(p, "authframe")
	require.NoError(t, err)

	restored, _, err := Read(data)
	require.NoError(t, err)

	// Bridged private claims come back through the property table.
	assert.Equal(t, []string{"openid", "profile"}, restored.Scopes())
	tokenID, ok := restored.TokenID()
	require.True(t, ok)
	assert.Equal(t, "tok-1", tokenID)
	challenge, ok := restored.CodeChallenge()
	require.True(t, ok)
	assert.Equal(t, "challenge", challenge)

	// The subject is a plain claim, not a bridged one.
	subject, ok := restored.Subject()
	require.True(t, ok)
	assert.Equal(t, "user-1", subject)
}

func TestWriteIsDeterministic(t *testing.T) {
	t.Parallel()

	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	p.SetAudiences("a1")
	p.SetScopes("openid")
	p.SetTokenID("tok-1")

	first, err := Write(p, "s")
	require.NoError(t, err)
	second, err := Write(p, "s")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWriteDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	p.SetScopes("openid")

	_, err := Write(p, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, p.Scopes(), "bridged claims must not be stripped from the caller's principal")
}

func TestVersionMismatchYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 4) // an older envelope version

	p, scheme, err := Read(data)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, scheme)
}

func TestMalformedDataFails(t *testing.T) {
	t.Parallel()

	p := claims.NewPrincipal(claims.NewIdentity("authframe"))
	p.Identity().AddStringClaim("name", "Bob")
	data, err := Write(p, "authframe")
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated header", data: data[:2]},
		{name: "truncated identity", data: data[:len(data)/2]},
		{name: "truncated property table", data: data[:len(data)-3]},
		{name: "invalid utf8", data: append(append([]byte(nil), data[:4]...), 0x02, 0xff, 0xfe)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc := tc
			t.Parallel()

			_, _, err := Read(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestDefaultedStringsUseSentinel(t *testing.T) {
	t.Parallel()

	// A principal whose strings all equal the known defaults must not
	// spell the long default URIs out in the payload.
	p := claims.NewPrincipal(claims.NewIdentity("s"))
	p.Identity().AddStringClaim("t", "v")

	data, err := Write(p, "s")
	require.NoError(t, err)
	assert.NotContains(t, string(data), claims.DefaultNameClaimType)
	assert.NotContains(t, string(data), claims.DefaultIssuer)
	assert.NotContains(t, string(data), claims.DefaultValueType)
}
