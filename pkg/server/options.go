// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"time"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/server/keys"
)

// Default token lifetimes applied when the operator leaves them zero.
const (
	DefaultAccessTokenLifetime       = time.Hour
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
	DefaultDeviceCodeLifetime        = 10 * time.Minute
	DefaultIdentityTokenLifetime     = 20 * time.Minute
	DefaultRefreshTokenLifetime      = 14 * 24 * time.Hour
	DefaultUserCodeLifetime          = 10 * time.Minute

	// DefaultDeviceCodePollingInterval paces device-flow token polling.
	DefaultDeviceCodePollingInterval = 5 * time.Second

	// DefaultRequestCacheLifetime bounds cached authorization requests.
	DefaultRequestCacheLifetime = 10 * time.Minute
)

// ConfigError reports an options invariant violated at initialization.
// Configuration errors are fatal; the server refuses to start.
type ConfigError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "server configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Options is the operator-supplied configuration. Resolve derives the
// fully-materialized operational state from the seed; after resolution
// the options are treated as immutable shared state.
type Options struct {
	// Issuer is the issuer identifier stamped into issued tokens and
	// the discovery document.
	Issuer string

	// DegradedMode turns off server-side storage and permission
	// enforcement; every enabled endpoint must then carry a custom
	// validation handler.
	DegradedMode bool

	DisableTokenStorage         bool
	DisableAuthorizationStorage bool

	UseReferenceAccessTokens  bool
	UseReferenceRefreshTokens bool

	DisableSlidingRefreshTokenExpiration bool
	UseRollingRefreshTokens              bool

	IgnoreEndpointPermissions  bool
	IgnoreGrantTypePermissions bool
	IgnoreScopePermissions     bool

	// EnableRequestCaching replaces large authorization requests with a
	// server-generated request_id backed by the request cache.
	EnableRequestCaching bool
	RequestCacheLifetime time.Duration

	// EndpointURIs maps each enabled endpoint to its paths. An endpoint
	// with no entry is disabled.
	EndpointURIs map[oauth.Endpoint][]string

	GrantTypes           []string
	ResponseTypes        []string
	ResponseModes        []string
	CodeChallengeMethods []string
	Scopes               []string

	AccessTokenLifetime       time.Duration
	AuthorizationCodeLifetime time.Duration
	DeviceCodeLifetime        time.Duration
	IdentityTokenLifetime     time.Duration
	RefreshTokenLifetime      time.Duration
	UserCodeLifetime          time.Duration

	DeviceCodePollingInterval time.Duration

	SigningCredentials    []*keys.SigningCredential
	EncryptionCredentials []*keys.EncryptionCredential

	// Handlers is the full descriptor set, built-in and custom. Resolve
	// sorts it by order.
	Handlers []*dispatch.Descriptor

	resolved bool
}

// grantEndpoints is the endpoint-to-grant requirement matrix.
var grantEndpoints = map[string][]oauth.Endpoint{
	oauth.GrantTypeAuthorizationCode: {oauth.EndpointAuthorization, oauth.EndpointToken},
	oauth.GrantTypeImplicit:          {oauth.EndpointAuthorization},
	oauth.GrantTypeClientCredentials: {oauth.EndpointToken},
	oauth.GrantTypePassword:          {oauth.EndpointToken},
	oauth.GrantTypeRefreshToken:      {oauth.EndpointToken},
	oauth.GrantTypeDeviceCode:        {oauth.EndpointDevice, oauth.EndpointToken, oauth.EndpointVerification},
}

// Resolve mutates the options into their valid derived state. The
// algorithm ordering is observable: degraded-mode coercions run before
// validation, and derivations run after the credential checks. Resolve
// is idempotent on already-resolved options.
func (o *Options) Resolve(now time.Time) error {
	// Step 1: degraded mode coercions.
	if o.DegradedMode {
		o.DisableTokenStorage = true
		o.DisableAuthorizationStorage = true
		o.IgnoreEndpointPermissions = true
		o.IgnoreGrantTypePermissions = true
		o.IgnoreScopePermissions = true
		o.UseReferenceAccessTokens = false
		o.UseReferenceRefreshTokens = false
		if !o.DisableSlidingRefreshTokenExpiration {
			o.UseRollingRefreshTokens = true
		}
	}

	if len(o.GrantTypes) == 0 {
		return configErrorf("at least one grant type must be enabled")
	}

	if o.DisableTokenStorage {
		if o.UseReferenceAccessTokens || o.UseReferenceRefreshTokens {
			return configErrorf("reference tokens cannot be used when token storage is disabled")
		}
		if !o.UseRollingRefreshTokens && !o.DisableSlidingRefreshTokenExpiration {
			return configErrorf("sliding refresh token expiration requires token storage or rolling refresh tokens")
		}
	}

	// Step 2: endpoint presence per enabled grants.
	for _, grant := range o.GrantTypes {
		for _, endpoint := range grantEndpoints[grant] {
			if len(o.EndpointURIs[endpoint]) == 0 {
				return configErrorf("the %s grant requires the %s endpoint to be registered", grant, endpoint)
			}
		}
	}

	// Step 3: credential sets.
	asymmetric := false
	for _, c := range o.SigningCredentials {
		if !c.IsSymmetric() {
			asymmetric = true
			break
		}
	}
	if !asymmetric {
		return configErrorf("at least one asymmetric signing credential is required")
	}
	validSigning := false
	for _, c := range o.SigningCredentials {
		if c.Certificate == nil || (now.After(c.Certificate.NotBefore) && now.Before(c.Certificate.NotAfter)) {
			validSigning = true
			break
		}
	}
	if !validSigning {
		return configErrorf("every signing credential has expired or is not yet valid")
	}
	if len(o.EncryptionCredentials) == 0 {
		return configErrorf("at least one encryption credential is required")
	}
	validEncryption := false
	for _, c := range o.EncryptionCredentials {
		if !c.IsExpired(now) {
			validEncryption = true
			break
		}
	}
	if !validEncryption {
		return configErrorf("every encryption credential has expired")
	}

	// Step 4: degraded mode demands custom handlers where the built-in
	// storage-backed pipeline is unavailable.
	if o.DegradedMode {
		for endpoint := range o.EndpointURIs {
			if !o.hasCustomHandler(KindValidate(endpoint)) {
				return configErrorf("degraded mode requires a custom validation handler for the %s endpoint", endpoint)
			}
		}
		if o.grantEnabled(oauth.GrantTypeDeviceCode) {
			if !o.hasCustomHandler(KindProcessAuthentication) || !o.hasCustomHandler(KindProcessSignIn) {
				return configErrorf("degraded mode requires custom authentication and sign-in handlers for the device grant")
			}
		}
	}

	// Step 5: handler ordering.
	sortDescriptors(o.Handlers)

	// Step 6: credential precedence.
	keys.SortSigningCredentials(o.SigningCredentials, now)

	// Step 7: derived scopes, response types and modes.
	if o.grantEnabled(oauth.GrantTypeRefreshToken) {
		o.Scopes = appendUnique(o.Scopes, oauth.ScopeOfflineAccess)
	}
	code := o.grantEnabled(oauth.GrantTypeAuthorizationCode)
	implicit := o.grantEnabled(oauth.GrantTypeImplicit)
	if code {
		o.ResponseTypes = appendUnique(o.ResponseTypes, oauth.ResponseTypeCode)
		o.CodeChallengeMethods = appendUnique(o.CodeChallengeMethods, oauth.CodeChallengeMethodS256)
	}
	if implicit {
		o.ResponseTypes = appendUnique(o.ResponseTypes,
			oauth.ResponseTypeToken, oauth.ResponseTypeIDToken, oauth.ResponseTypeIDTokenToken)
	}
	if code && implicit {
		o.ResponseTypes = appendUnique(o.ResponseTypes,
			oauth.ResponseTypeCodeIDToken, oauth.ResponseTypeCodeToken, oauth.ResponseTypeCodeIDTokenToken)
	}
	if len(o.ResponseTypes) > 0 {
		o.ResponseModes = appendUnique(o.ResponseModes, oauth.ResponseModeFormPost, oauth.ResponseModeFragment)
		if contains(o.ResponseTypes, oauth.ResponseTypeCode) {
			o.ResponseModes = appendUnique(o.ResponseModes, oauth.ResponseModeQuery)
		}
	}

	// Step 8: key identifiers.
	for _, c := range o.SigningCredentials {
		if c.Algorithm == "" {
			alg, err := c.InferAlgorithm()
			if err != nil {
				return configErrorf("signing credential: %v", err)
			}
			c.Algorithm = alg
		}
		if c.KeyID == "" {
			kid, err := c.DeriveKeyID()
			if err != nil {
				return configErrorf("signing credential: %v", err)
			}
			c.KeyID = kid
		}
	}
	for _, c := range o.EncryptionCredentials {
		if c.KeyID == "" {
			kid, err := c.DeriveEncryptionKeyID()
			if err != nil {
				return configErrorf("encryption credential: %v", err)
			}
			c.KeyID = kid
		}
	}

	o.applyLifetimeDefaults()
	o.resolved = true
	return nil
}

// Resolved reports whether Resolve completed on this options value.
func (o *Options) Resolved() bool { return o.resolved }

func (o *Options) applyLifetimeDefaults() {
	if o.AccessTokenLifetime == 0 {
		o.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if o.AuthorizationCodeLifetime == 0 {
		o.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if o.DeviceCodeLifetime == 0 {
		o.DeviceCodeLifetime = DefaultDeviceCodeLifetime
	}
	if o.IdentityTokenLifetime == 0 {
		o.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if o.RefreshTokenLifetime == 0 {
		o.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if o.UserCodeLifetime == 0 {
		o.UserCodeLifetime = DefaultUserCodeLifetime
	}
	if o.DeviceCodePollingInterval == 0 {
		o.DeviceCodePollingInterval = DefaultDeviceCodePollingInterval
	}
	if o.RequestCacheLifetime == 0 {
		o.RequestCacheLifetime = DefaultRequestCacheLifetime
	}
}

func (o *Options) grantEnabled(grant string) bool {
	return contains(o.GrantTypes, grant)
}

// GrantTypeEnabled reports whether the grant type is enabled.
func (o *Options) GrantTypeEnabled(grant string) bool { return o.grantEnabled(grant) }

// ResponseTypeEnabled reports whether the response type is enabled.
func (o *Options) ResponseTypeEnabled(responseType string) bool {
	return contains(o.ResponseTypes, responseType)
}

// ResponseModeEnabled reports whether the response mode is enabled.
func (o *Options) ResponseModeEnabled(mode string) bool {
	return contains(o.ResponseModes, mode)
}

// CodeChallengeMethodEnabled reports whether the PKCE method is enabled.
func (o *Options) CodeChallengeMethodEnabled(method string) bool {
	return contains(o.CodeChallengeMethods, method)
}

// EndpointEnabled reports whether the endpoint has at least one URI.
func (o *Options) EndpointEnabled(endpoint oauth.Endpoint) bool {
	return len(o.EndpointURIs[endpoint]) > 0
}

// EndpointURI returns the primary URI for an endpoint, or empty.
func (o *Options) EndpointURI(endpoint oauth.Endpoint) string {
	uris := o.EndpointURIs[endpoint]
	if len(uris) == 0 {
		return ""
	}
	return uris[0]
}

// PreferredSigningCredential returns the credential tokens are signed
// with: the first asymmetric credential in precedence order. JWTs must
// be verifiable by third parties, so symmetric credentials are skipped.
func (o *Options) PreferredSigningCredential() *keys.SigningCredential {
	for _, c := range o.SigningCredentials {
		if !c.IsSymmetric() {
			return c
		}
	}
	return nil
}

// PreferredEncryptionCredential returns the first usable encryption
// credential, or nil when none remain valid.
func (o *Options) PreferredEncryptionCredential(now time.Time) *keys.EncryptionCredential {
	for _, c := range o.EncryptionCredentials {
		if !c.IsExpired(now) {
			return c
		}
	}
	return nil
}

// TokenLifetime returns the configured default lifetime for a token type.
func (o *Options) TokenLifetime(t oauth.TokenType) time.Duration {
	switch t {
	case oauth.TokenTypeAccessToken:
		return o.AccessTokenLifetime
	case oauth.TokenTypeAuthorizationCode:
		return o.AuthorizationCodeLifetime
	case oauth.TokenTypeDeviceCode:
		return o.DeviceCodeLifetime
	case oauth.TokenTypeIDToken:
		return o.IdentityTokenLifetime
	case oauth.TokenTypeRefreshToken:
		return o.RefreshTokenLifetime
	case oauth.TokenTypeUserCode:
		return o.UserCodeLifetime
	default:
		return 0
	}
}

func (o *Options) hasCustomHandler(kind dispatch.Kind) bool {
	for _, d := range o.Handlers {
		if d.ContextKind == kind && d.Type == dispatch.Custom {
			return true
		}
	}
	return false
}

func sortDescriptors(descriptors []*dispatch.Descriptor) {
	// Stable insertion sort keeps ties in insertion order.
	for i := 1; i < len(descriptors); i++ {
		for j := i; j > 0 && descriptors[j].Order < descriptors[j-1].Order; j-- {
			descriptors[j], descriptors[j-1] = descriptors[j-1], descriptors[j]
		}
	}
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func appendUnique(values []string, add ...string) []string {
	for _, v := range add {
		if !contains(values, v) {
			values = append(values, v)
		}
	}
	return values
}
