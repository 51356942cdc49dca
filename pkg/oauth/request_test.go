// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAbsentVersusEmpty(t *testing.T) {
	t.Parallel()

	r := NewRequest(url.Values{
		ParamScope: {""},
	})

	_, ok := r.ClientID()
	assert.False(t, ok, "an absent parameter reports not present")

	scope, ok := r.Scope()
	require.True(t, ok, "a present-but-empty parameter reports present")
	assert.Empty(t, scope)
	assert.Empty(t, r.Scopes())
}

func TestRequestScopes(t *testing.T) {
	t.Parallel()

	r := NewRequest(url.Values{ParamScope: {"openid  profile email"}})
	assert.Equal(t, []string{"openid", "profile", "email"}, r.Scopes())
	assert.True(t, r.HasScope("profile"))
	assert.False(t, r.HasScope("address"))
}

func TestRequestCopiesInput(t *testing.T) {
	t.Parallel()

	params := url.Values{ParamClientID: {"c1"}}
	r := NewRequest(params)
	params.Set(ParamClientID, "mutated")

	clientID, ok := r.ClientID()
	require.True(t, ok)
	assert.Equal(t, "c1", clientID)
}

func TestRequestMultiValuedResources(t *testing.T) {
	t.Parallel()

	r := NewRequest(url.Values{ParamResource: {"https://api1", "https://api2"}})
	assert.Equal(t, []string{"https://api1", "https://api2"}, r.Resources())
}

func TestResponseSetError(t *testing.T) {
	t.Parallel()

	r := NewResponse()
	r.Set(ParamAccessToken, "secret")
	r.Set(ParamState, "xyz")
	r.SetError(&Error{Code: ErrorInvalidRequest, Description: "missing parameter"})

	require.True(t, r.IsError())
	_, hasToken := r.Get(ParamAccessToken)
	assert.False(t, hasToken, "an error response drops success parameters")
	state, ok := r.GetString(ParamState)
	require.True(t, ok, "the state echo survives the error")
	assert.Equal(t, "xyz", state)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ErrorInvalidRequest, decoded["error"])
	assert.Equal(t, "missing parameter", decoded["error_description"])
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "invalid_grant", (&Error{Code: ErrorInvalidGrant}).Error())
	assert.Equal(t, "invalid_grant: nope", NewError(ErrorInvalidGrant, "nope").Error())
}
