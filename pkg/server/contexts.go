// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// Context kinds. Per-endpoint kinds are derived from the endpoint name so
// handlers bind to exactly one phase of one endpoint.
const (
	KindProcessRequest        dispatch.Kind = "process_request"
	KindProcessSignIn         dispatch.Kind = "process_sign_in"
	KindProcessSignOut        dispatch.Kind = "process_sign_out"
	KindProcessChallenge      dispatch.Kind = "process_challenge"
	KindProcessAuthentication dispatch.Kind = "process_authentication"
)

// KindExtract returns the extract-phase kind for an endpoint.
func KindExtract(e oauth.Endpoint) dispatch.Kind {
	return dispatch.Kind("extract_" + string(e) + "_request")
}

// KindValidate returns the validate-phase kind for an endpoint.
func KindValidate(e oauth.Endpoint) dispatch.Kind {
	return dispatch.Kind("validate_" + string(e) + "_request")
}

// KindHandle returns the handle-phase kind for an endpoint.
func KindHandle(e oauth.Endpoint) dispatch.Kind {
	return dispatch.Kind("handle_" + string(e) + "_request")
}

// KindApply returns the apply-phase kind for an endpoint.
func KindApply(e oauth.Endpoint) dispatch.Kind {
	return dispatch.Kind("apply_" + string(e) + "_response")
}

// BaseContext carries the transaction and the control flags shared by
// every context shape.
type BaseContext struct {
	txn     *Transaction
	kind    dispatch.Kind
	handled bool
	skipped bool
}

// NewBaseContext builds the shared context core.
func NewBaseContext(kind dispatch.Kind, txn *Transaction) BaseContext {
	return BaseContext{txn: txn, kind: kind}
}

// Kind returns the context kind used for handler selection.
func (c *BaseContext) Kind() dispatch.Kind { return c.kind }

// Transaction returns the per-request state bag.
func (c *BaseContext) Transaction() *Transaction { return c.txn }

// Scope exposes the transaction's service scope for scoped handlers.
func (c *BaseContext) Scope() *dispatch.Scope { return c.txn.Scope() }

// HandleRequest marks the response fully formed; the pipeline stops.
func (c *BaseContext) HandleRequest() { c.handled = true }

// SkipRequest marks the request as not processed by this server.
func (c *BaseContext) SkipRequest() { c.skipped = true }

// IsRequestHandled reports whether a handler formed the response.
func (c *BaseContext) IsRequestHandled() bool { return c.handled }

// IsRequestSkipped reports whether the request was skipped.
func (c *BaseContext) IsRequestSkipped() bool { return c.skipped }

// IsRejected is false for non-validating contexts.
func (c *BaseContext) IsRejected() bool { return false }

// RejectableContext extends the base with protocol rejection state.
type RejectableContext struct {
	BaseContext
	rejection *oauth.Error
}

// Reject records a protocol rejection; the pipeline stops after the
// current handler returns.
func (c *RejectableContext) Reject(code, description, uri string) {
	c.rejection = &oauth.Error{Code: code, Description: description, URI: uri}
}

// IsRejected reports whether the context was rejected.
func (c *RejectableContext) IsRejected() bool { return c.rejection != nil }

// Rejection returns the recorded protocol error, or nil.
func (c *RejectableContext) Rejection() *oauth.Error { return c.rejection }

// ProcessRequestContext is the top-level context dispatched once per
// transaction. Its handlers route the request through the endpoint
// phases.
type ProcessRequestContext struct {
	RejectableContext
}

// NewProcessRequestContext builds the top-level context.
func NewProcessRequestContext(txn *Transaction) *ProcessRequestContext {
	return &ProcessRequestContext{RejectableContext{BaseContext: NewBaseContext(KindProcessRequest, txn)}}
}

// ExtractContext is dispatched to parse the wire request into the
// transaction's request bag.
type ExtractContext struct {
	RejectableContext
	Endpoint oauth.Endpoint

	// Request receives the parsed parameter bag.
	Request *oauth.Request
}

// NewExtractContext builds the extract-phase context for an endpoint.
func NewExtractContext(txn *Transaction, endpoint oauth.Endpoint) *ExtractContext {
	return &ExtractContext{
		RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindExtract(endpoint), txn)},
		Endpoint:          endpoint,
	}
}

// ValidateContext is dispatched to run the per-rule validation handlers.
// Validation results are attached as they are established.
type ValidateContext struct {
	RejectableContext
	Endpoint oauth.Endpoint

	// Application is the resolved client, set by the client lookup rule.
	Application *storage.Application

	// RedirectURI is the effective redirect target once validated.
	RedirectURI string
}

// NewValidateContext builds the validate-phase context for an endpoint.
func NewValidateContext(txn *Transaction, endpoint oauth.Endpoint) *ValidateContext {
	return &ValidateContext{
		RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindValidate(endpoint), txn)},
		Endpoint:          endpoint,
	}
}

// HandleContext is dispatched to produce the principal for the request.
type HandleContext struct {
	RejectableContext
	Endpoint oauth.Endpoint

	// Application carries over the validated client.
	Application *storage.Application

	// Principal is the authenticated or issued subject. A nil principal
	// on an endpoint expecting user authentication triggers a challenge.
	Principal *claims.Principal
}

// NewHandleContext builds the handle-phase context for an endpoint.
func NewHandleContext(txn *Transaction, endpoint oauth.Endpoint) *HandleContext {
	return &HandleContext{
		RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindHandle(endpoint), txn)},
		Endpoint:          endpoint,
	}
}

// ApplyContext is dispatched to finalize the response for the host.
type ApplyContext struct {
	BaseContext
	Endpoint oauth.Endpoint
}

// NewApplyContext builds the apply-phase context for an endpoint.
func NewApplyContext(txn *Transaction, endpoint oauth.Endpoint) *ApplyContext {
	return &ApplyContext{
		BaseContext: NewBaseContext(KindApply(endpoint), txn),
		Endpoint:    endpoint,
	}
}

// SignInContext is the cross-cutting token issuance context. Handlers
// assemble, filter, sign and persist the tokens for the principal.
type SignInContext struct {
	RejectableContext

	// Principal is the subject tokens are issued for.
	Principal *claims.Principal

	// Application is the client tokens are issued to.
	Application *storage.Application

	// IncludeAccessToken requests an access token in the response.
	IncludeAccessToken bool

	// IncludeAuthorizationCode requests an authorization code.
	IncludeAuthorizationCode bool

	// IncludeRefreshToken requests a refresh token in the response.
	IncludeRefreshToken bool

	// IncludeIdentityToken requests an id_token in the response.
	IncludeIdentityToken bool

	// IncludeDeviceCode requests a device_code/user_code pair instead
	// of access tokens.
	IncludeDeviceCode bool
}

// NewSignInContext builds a sign-in context.
func NewSignInContext(txn *Transaction, principal *claims.Principal) *SignInContext {
	return &SignInContext{
		RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindProcessSignIn, txn)},
		Principal:         principal,
	}
}

// SignOutContext is the cross-cutting logout context.
type SignOutContext struct {
	RejectableContext

	// PostLogoutRedirectURI is the validated redirect target, if any.
	PostLogoutRedirectURI string
}

// NewSignOutContext builds a sign-out context.
func NewSignOutContext(txn *Transaction) *SignOutContext {
	return &SignOutContext{RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindProcessSignOut, txn)}}
}

// ChallengeContext is dispatched when an endpoint requires user
// authentication that no handler produced.
type ChallengeContext struct {
	BaseContext

	// Error optionally carries the protocol error to return with the
	// challenge; access_denied when nil.
	Error *oauth.Error
}

// NewChallengeContext builds a challenge context.
func NewChallengeContext(txn *Transaction) *ChallengeContext {
	return &ChallengeContext{BaseContext: NewBaseContext(KindProcessChallenge, txn)}
}

// AuthenticationContext is the cross-cutting token consumption context:
// resolving a wire token back into a principal and its server-side entry.
type AuthenticationContext struct {
	RejectableContext

	// Token is the wire token to authenticate.
	Token string

	// TokenTypeHint optionally narrows the token type to try first.
	TokenTypeHint string

	// ExpectedTypes restricts which token types are acceptable. Empty
	// accepts any.
	ExpectedTypes []oauth.TokenType

	// Principal receives the extracted subject on success.
	Principal *claims.Principal

	// Entry receives the server-side token entry when storage is enabled.
	Entry *storage.Token
}

// NewAuthenticationContext builds an authentication context.
func NewAuthenticationContext(txn *Transaction, token string) *AuthenticationContext {
	return &AuthenticationContext{
		RejectableContext: RejectableContext{BaseContext: NewBaseContext(KindProcessAuthentication, txn)},
		Token:             token,
	}
}
