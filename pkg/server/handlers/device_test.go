// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
)

func deviceParams() url.Values {
	return url.Values{
		oauth.ParamClientID: {"c1"},
		oauth.ParamScope:    {"openid profile"},
	}
}

func pollParams(deviceCode string) url.Values {
	return url.Values{
		oauth.ParamGrantType:  {oauth.GrantTypeDeviceCode},
		oauth.ParamClientID:   {"c1"},
		oauth.ParamDeviceCode: {deviceCode},
	}
}

func TestDeviceFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// The device obtains its code pair.
	device := f.run(t, oauth.EndpointDevice, deviceParams(), nil)
	require.False(t, device.Response.IsError(), "device request failed: %v", device.Response.Params())

	deviceCode := responseString(t, device, oauth.ParamDeviceCode)
	userCode := responseString(t, device, oauth.ParamUserCode)
	assert.Equal(t, "https://as.example.com/device/verify", responseString(t, device, "verification_uri"))
	interval, ok := device.Response.Get("interval")
	require.True(t, ok)
	assert.EqualValues(t, int64(0), interval, "sub-second test interval rounds down to zero")
	expiresIn, ok := device.Response.Get("expires_in")
	require.True(t, ok)
	assert.EqualValues(t, int64(600), expiresIn)

	// Polling before the user approves reports a pending authorization.
	pending := f.run(t, oauth.EndpointToken, pollParams(deviceCode), nil)
	assert.Equal(t, oauth.ErrorAuthorizationPending, responseError(pending))

	// The user enters the code and approves.
	verify := f.run(t, oauth.EndpointVerification, url.Values{
		oauth.ParamUserCode: {userCode},
	}, testUser())
	require.False(t, verify.Response.IsError(), "verification failed: %v", verify.Response.Params())

	// The next poll converts the device code into tokens.
	token := f.run(t, oauth.EndpointToken, pollParams(deviceCode), nil)
	require.False(t, token.Response.IsError(), "device exchange failed: %v", token.Response.Params())
	assert.NotEmpty(t, responseString(t, token, oauth.ParamAccessToken))
	assert.NotEmpty(t, responseString(t, token, "id_token"))

	// The device code is one-time use.
	replay := f.run(t, oauth.EndpointToken, pollParams(deviceCode), nil)
	assert.Equal(t, oauth.ErrorInvalidGrant, responseError(replay))
}

func TestDeviceFlowSlowDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *server.Options) {
		o.DeviceCodePollingInterval = time.Hour
	})

	device := f.run(t, oauth.EndpointDevice, deviceParams(), nil)
	deviceCode := responseString(t, device, oauth.ParamDeviceCode)

	first := f.run(t, oauth.EndpointToken, pollParams(deviceCode), nil)
	assert.Equal(t, oauth.ErrorAuthorizationPending, responseError(first))

	second := f.run(t, oauth.EndpointToken, pollParams(deviceCode), nil)
	assert.Equal(t, oauth.ErrorSlowDown, responseError(second),
		"polling faster than the advertised interval must slow the client down")
}

func TestVerificationRejectsUnknownUserCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	verify := f.run(t, oauth.EndpointVerification, url.Values{
		oauth.ParamUserCode: {"XXXX-XXXX"},
	}, testUser())
	assert.Equal(t, oauth.ErrorInvalidToken, responseError(verify))
}

func TestVerificationUserCodeIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	device := f.run(t, oauth.EndpointDevice, deviceParams(), nil)
	userCode := responseString(t, device, oauth.ParamUserCode)

	first := f.run(t, oauth.EndpointVerification, url.Values{oauth.ParamUserCode: {userCode}}, testUser())
	require.False(t, first.Response.IsError())

	second := f.run(t, oauth.EndpointVerification, url.Values{oauth.ParamUserCode: {userCode}}, testUser())
	assert.Equal(t, oauth.ErrorInvalidToken, responseError(second))
}

func TestVerificationChallengesWithoutUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	device := f.run(t, oauth.EndpointDevice, deviceParams(), nil)
	userCode := responseString(t, device, oauth.ParamUserCode)

	verify := f.run(t, oauth.EndpointVerification, url.Values{oauth.ParamUserCode: {userCode}}, nil)
	assert.Equal(t, oauth.ErrorAccessDenied, responseError(verify),
		"without an authenticated user the default challenge answers")
}

func TestDeviceRequestRequiresClientID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	device := f.run(t, oauth.EndpointDevice, url.Values{oauth.ParamScope: {"openid"}}, nil)
	assert.Equal(t, oauth.ErrorInvalidRequest, responseError(device))
}
