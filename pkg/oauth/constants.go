// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth defines the OAuth 2.0 / OpenID Connect protocol vocabulary
// shared by the server core and its hosts: endpoint names, grant types,
// response types and modes, parameter names, error codes and the wire
// documents returned by the metadata endpoints.
package oauth

// Endpoint identifies one of the well-known protocol endpoints.
type Endpoint string

// Protocol endpoints.
const (
	EndpointAuthorization Endpoint = "authorization"
	EndpointToken         Endpoint = "token"
	EndpointDevice        Endpoint = "device"
	EndpointVerification  Endpoint = "verification"
	EndpointIntrospection Endpoint = "introspection"
	EndpointRevocation    Endpoint = "revocation"
	EndpointUserinfo      Endpoint = "userinfo"
	EndpointConfiguration Endpoint = "configuration"
	EndpointCryptography  Endpoint = "cryptography"
	EndpointLogout        Endpoint = "logout"
)

// Well-known endpoint paths per RFC 8414 and OpenID Connect Discovery 1.0.
const (
	// WellKnownOIDCPath is the standard OIDC discovery endpoint path.
	WellKnownOIDCPath = "/.well-known/openid-configuration"

	// WellKnownJWKSPath is the conventional JSON Web Key Set endpoint path.
	WellKnownJWKSPath = "/.well-known/jwks.json"
)

// Grant types as defined by RFC 6749 and RFC 8628.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
)

// Response types as defined by RFC 6749 and OpenID Connect Core.
const (
	ResponseTypeCode             = "code"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeNone             = "none"
	ResponseTypeToken            = "token"
)

// Response modes as defined by OAuth 2.0 Multiple Response Type Encoding.
const (
	ResponseModeFormPost = "form_post"
	ResponseModeFragment = "fragment"
	ResponseModeQuery    = "query"
)

// Code challenge methods as defined by RFC 7636.
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// TokenType discriminates the tokens issued and consumed by the server.
type TokenType string

// Token types. The values double as the destination tags carried on
// claims, so they are compared case-insensitively and stored lowercase.
const (
	TokenTypeAccessToken       TokenType = "access_token"
	TokenTypeAuthorizationCode TokenType = "authorization_code"
	TokenTypeDeviceCode        TokenType = "device_code"
	TokenTypeIDToken           TokenType = "id_token"
	TokenTypeRefreshToken      TokenType = "refresh_token"
	TokenTypeUserCode          TokenType = "user_code"
)

// Token type hints accepted by the introspection and revocation endpoints
// per RFC 7009 and RFC 7662.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Bearer is the token_type value returned with issued access tokens.
const Bearer = "Bearer"

// Standard scopes.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopePhone         = "phone"
	ScopeAddress       = "address"
)

// Prompt values accepted at the authorization endpoint per OIDC Core.
const (
	PromptConsent       = "consent"
	PromptLogin         = "login"
	PromptNone          = "none"
	PromptSelectAccount = "select_account"
)

// Request parameter names used across endpoints.
const (
	ParamAccessToken           = "access_token"
	ParamClientID              = "client_id"
	ParamClientSecret          = "client_secret"
	ParamCode                  = "code"
	ParamCodeChallenge         = "code_challenge"
	ParamCodeChallengeMethod   = "code_challenge_method"
	ParamCodeVerifier          = "code_verifier"
	ParamDeviceCode            = "device_code"
	ParamGrantType             = "grant_type"
	ParamIDTokenHint           = "id_token_hint"
	ParamNonce                 = "nonce"
	ParamPostLogoutRedirectURI = "post_logout_redirect_uri"
	ParamPrompt                = "prompt"
	ParamRedirectURI           = "redirect_uri"
	ParamRefreshToken          = "refresh_token"
	ParamRequestID             = "request_id"
	ParamResource              = "resource"
	ParamResponseMode          = "response_mode"
	ParamResponseType          = "response_type"
	ParamScope                 = "scope"
	ParamState                 = "state"
	ParamToken                 = "token"
	ParamTokenTypeHint         = "token_type_hint"
	ParamUserCode              = "user_code"
	ParamUsername              = "username"
	ParamPassword              = "password"
)

// ClientType categorizes registered applications per RFC 6749 Section 2.1.
type ClientType string

// Client types. Hybrid designates a client treated as confidential when it
// presents its secret and public otherwise.
const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
	ClientTypeHybrid       ClientType = "hybrid"
)
