// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

// AuthorizationServerMetadata represents the OAuth 2.0 Authorization Server
// Metadata per RFC 8414. This is the base structure that OIDC Discovery
// extends.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier (REQUIRED per RFC 8414).
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint (RECOMMENDED).
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`

	// TokenEndpoint is the URL of the token endpoint (RECOMMENDED).
	TokenEndpoint string `json:"token_endpoint,omitempty"`

	// JWKSURI is the URL of the JSON Web Key Set document (RECOMMENDED).
	JWKSURI string `json:"jwks_uri,omitempty"`

	// DeviceAuthorizationEndpoint is the URL of the device authorization
	// endpoint (RFC 8628).
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662).
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009).
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// UserinfoEndpoint is the URL of the UserInfo endpoint (OIDC specific).
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// EndSessionEndpoint is the URL of the RP-initiated logout endpoint.
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// ResponseTypesSupported lists the response types supported (RECOMMENDED).
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// ResponseModesSupported lists the response modes supported (OPTIONAL).
	ResponseModesSupported []string `json:"response_modes_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported (OPTIONAL).
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported (OPTIONAL).
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the authentication methods
	// supported at the token endpoint (OPTIONAL).
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported (RECOMMENDED per RFC 8414).
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// OIDCDiscoveryDocument represents the OpenID Connect Discovery 1.0
// document. It extends RFC 8414 metadata with OIDC-specific fields.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	// SubjectTypesSupported lists the subject identifier types supported (REQUIRED for OIDC).
	SubjectTypesSupported []string `json:"subject_types_supported,omitempty"`

	// IDTokenSigningAlgValuesSupported lists the JWS algorithms supported for ID tokens (REQUIRED for OIDC).
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// ClaimsSupported lists the claims that can be returned (RECOMMENDED for OIDC).
	ClaimsSupported []string `json:"claims_supported,omitempty"`
}

// DeviceAuthorizationResponse is the success payload of the device endpoint
// per RFC 8628 Section 3.2.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// IntrospectionResponse is the payload of the introspection endpoint per
// RFC 7662 Section 2.2. Claims beyond the registered set are carried in
// Extra and flattened during serialization by the host.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
}
