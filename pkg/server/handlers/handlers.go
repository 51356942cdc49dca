// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the built-in pipeline: one processor per
// endpoint plus the extract/validate/handle/apply handler sets and the
// shared sign-in and authentication subflows.
//
// Handlers are registered with orders spaced OrderSpacing apart so
// extensions slot in between neighbors without renumbering.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// OrderSpacing is the gap between consecutive built-in handler orders.
const OrderSpacing = 1000

// Transaction property keys used for host and handler communication.
const (
	// PropertyUserPrincipal carries the authenticated end-user principal
	// the host established (login is the host's concern). Read by the
	// authorization and verification handle phases.
	PropertyUserPrincipal = "authframe:user-principal"

	// PropertyGrantedScopes optionally narrows the scopes the host's
	// consent step granted. Defaults to the requested scopes.
	PropertyGrantedScopes = "authframe:granted-scopes"

	// propertyValidatedRedirectURI records the redirect target once the
	// validation phase has vetted it, enabling error redirects.
	propertyValidatedRedirectURI = "authframe:validated-redirect-uri"

	// propertyApplication records the resolved client application.
	propertyApplication = "authframe:application"
)

// ErrHostIntegration reports a missing transaction property or context of
// an unexpected shape. It indicates host misuse, not a protocol failure.
var ErrHostIntegration = errors.New("handlers: host integration error")

// transactional is implemented by every context in the server package.
type transactional interface {
	dispatch.Context
	Transaction() *server.Transaction
}

func transactionOf(c dispatch.Context) (*server.Transaction, error) {
	tc, ok := c.(transactional)
	if !ok || tc.Transaction() == nil {
		return nil, fmt.Errorf("%w: context %T carries no transaction", ErrHostIntegration, c)
	}
	return tc.Transaction(), nil
}

func requestOf(txn *server.Transaction) (*oauth.Request, error) {
	if txn.Request == nil {
		return nil, fmt.Errorf("%w: transaction carries no request", ErrHostIntegration)
	}
	return txn.Request, nil
}

// requireEndpoint accepts contexts whose transaction targets an endpoint.
func requireEndpoint(endpoint oauth.Endpoint) dispatch.Filter {
	return dispatch.Filter{
		Name: "require_endpoint_" + string(endpoint),
		Accept: func(c dispatch.Context) (bool, error) {
			txn, err := transactionOf(c)
			if err != nil {
				return false, err
			}
			return txn.Endpoint == endpoint, nil
		},
	}
}

// requireTokenStorage accepts contexts when token storage is enabled.
func requireTokenStorage() dispatch.Filter {
	return dispatch.Filter{
		Name: "require_token_storage",
		Accept: func(c dispatch.Context) (bool, error) {
			txn, err := transactionOf(c)
			if err != nil {
				return false, err
			}
			return !txn.Options.DisableTokenStorage, nil
		},
	}
}

// requireAuthorizationStorage accepts contexts when authorization
// storage is enabled.
func requireAuthorizationStorage() dispatch.Filter {
	return dispatch.Filter{
		Name: "require_authorization_storage",
		Accept: func(c dispatch.Context) (bool, error) {
			txn, err := transactionOf(c)
			if err != nil {
				return false, err
			}
			return !txn.Options.DisableAuthorizationStorage, nil
		},
	}
}

// requireRequestCaching accepts contexts when request caching is enabled.
func requireRequestCaching() dispatch.Filter {
	return dispatch.Filter{
		Name: "require_request_caching",
		Accept: func(c dispatch.Context) (bool, error) {
			txn, err := transactionOf(c)
			if err != nil {
				return false, err
			}
			return txn.Options.EnableRequestCaching, nil
		},
	}
}

func builtIn(name string, kind dispatch.Kind, order int, h dispatch.Handler, filters ...dispatch.Filter) *dispatch.Descriptor {
	return &dispatch.Descriptor{
		Name:        name,
		ContextKind: kind,
		Order:       order,
		Filters:     filters,
		Lifetime:    dispatch.Singleton,
		Type:        dispatch.BuiltIn,
		Handler:     h,
	}
}

// Descriptors returns the complete built-in handler set. Append custom
// descriptors to the result before resolving the options.
func Descriptors() []*dispatch.Descriptor {
	var all []*dispatch.Descriptor
	all = append(all, processRequestDescriptors()...)
	all = append(all, authorizationDescriptors()...)
	all = append(all, tokenDescriptors()...)
	all = append(all, deviceDescriptors()...)
	all = append(all, verificationDescriptors()...)
	all = append(all, introspectionDescriptors()...)
	all = append(all, revocationDescriptors()...)
	all = append(all, userinfoDescriptors()...)
	all = append(all, discoveryDescriptors()...)
	all = append(all, logoutDescriptors()...)
	all = append(all, signInDescriptors()...)
	all = append(all, authenticationDescriptors()...)
	return all
}

// processRequestDescriptors registers one processor per endpoint on the
// top-level kind, each guarded by an endpoint filter.
func processRequestDescriptors() []*dispatch.Descriptor {
	endpoints := []struct {
		endpoint     oauth.Endpoint
		expectsUser  bool
	}{
		{oauth.EndpointAuthorization, true},
		{oauth.EndpointToken, false},
		{oauth.EndpointDevice, false},
		{oauth.EndpointVerification, true},
		{oauth.EndpointIntrospection, false},
		{oauth.EndpointRevocation, false},
		{oauth.EndpointUserinfo, false},
		{oauth.EndpointConfiguration, false},
		{oauth.EndpointCryptography, false},
		{oauth.EndpointLogout, false},
	}
	descriptors := make([]*dispatch.Descriptor, 0, len(endpoints))
	for i, e := range endpoints {
		descriptors = append(descriptors, builtIn(
			"process_"+string(e.endpoint)+"_request",
			server.KindProcessRequest,
			(i+1)*OrderSpacing,
			&endpointProcessor{endpoint: e.endpoint, expectsUser: e.expectsUser},
			requireEndpoint(e.endpoint),
		))
	}
	return descriptors
}

// endpointProcessor drives one endpoint through its four phases.
type endpointProcessor struct {
	endpoint    oauth.Endpoint
	expectsUser bool
}

func (p *endpointProcessor) Handle(ctx context.Context, c dispatch.Context) error {
	pc, ok := c.(*server.ProcessRequestContext)
	if !ok {
		return fmt.Errorf("%w: expected process request context, got %T", ErrHostIntegration, c)
	}
	txn := pc.Transaction()

	// Extract.
	ec := server.NewExtractContext(txn, p.endpoint)
	if err := txn.Dispatcher.Dispatch(ctx, ec); err != nil {
		return err
	}
	if ec.IsRequestSkipped() {
		pc.SkipRequest()
		return nil
	}
	if ec.IsRejected() {
		return p.reject(ctx, pc, ec.Rejection())
	}
	if ec.Request != nil {
		txn.Request = ec.Request
	}
	if ec.IsRequestHandled() {
		return p.apply(ctx, pc)
	}
	if _, err := requestOf(txn); err != nil {
		return err
	}

	// Validate.
	vc := server.NewValidateContext(txn, p.endpoint)
	if err := txn.Dispatcher.Dispatch(ctx, vc); err != nil {
		return err
	}
	if vc.IsRequestSkipped() {
		pc.SkipRequest()
		return nil
	}
	if vc.IsRejected() {
		return p.reject(ctx, pc, vc.Rejection())
	}
	if vc.Application != nil {
		txn.SetProperty(propertyApplication, vc.Application)
	}
	if vc.IsRequestHandled() {
		return p.apply(ctx, pc)
	}

	// Handle.
	hc := server.NewHandleContext(txn, p.endpoint)
	hc.Application = vc.Application
	if err := txn.Dispatcher.Dispatch(ctx, hc); err != nil {
		return err
	}
	if hc.IsRequestSkipped() {
		pc.SkipRequest()
		return nil
	}
	if hc.IsRejected() {
		return p.reject(ctx, pc, hc.Rejection())
	}

	// An endpoint expecting user authentication with no principal and no
	// formed response emits a challenge.
	if p.expectsUser && hc.Principal == nil && txn.Response == nil {
		cc := server.NewChallengeContext(txn)
		if err := txn.Dispatcher.Dispatch(ctx, cc); err != nil {
			return err
		}
	}

	return p.apply(ctx, pc)
}

// reject forms the error response and runs the apply phase so endpoint
// specific error shaping (redirects, status codes) still applies.
func (p *endpointProcessor) reject(ctx context.Context, pc *server.ProcessRequestContext, rejection *oauth.Error) error {
	txn := pc.Transaction()
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	if state, ok := stateOf(txn); ok {
		txn.Response.Set(oauth.ParamState, state)
	}
	txn.Response.SetError(rejection)
	return p.apply(ctx, pc)
}

func (p *endpointProcessor) apply(ctx context.Context, pc *server.ProcessRequestContext) error {
	txn := pc.Transaction()
	if txn.Response == nil {
		txn.Response = oauth.NewResponse()
	}
	ac := server.NewApplyContext(txn, p.endpoint)
	if err := txn.Dispatcher.Dispatch(ctx, ac); err != nil {
		return err
	}
	pc.HandleRequest()
	return nil
}

func stateOf(txn *server.Transaction) (string, bool) {
	if txn.Request == nil {
		return "", false
	}
	return txn.Request.State()
}

func applicationOf(txn *server.Transaction) (*storage.Application, bool) {
	v, ok := txn.Property(propertyApplication)
	if !ok {
		return nil, false
	}
	app, ok := v.(*storage.Application)
	return app, ok
}
