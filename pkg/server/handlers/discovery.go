// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/server/keys"
)

func discoveryDescriptors() []*dispatch.Descriptor {
	return []*dispatch.Descriptor{
		builtIn("handle_configuration_request", server.KindHandle(oauth.EndpointConfiguration), 1*OrderSpacing,
			dispatch.HandlerFunc(handleConfigurationRequest)),
		builtIn("apply_configuration_response", server.KindApply(oauth.EndpointConfiguration), 1*OrderSpacing,
			dispatch.HandlerFunc(applyReadOnlyResponse)),

		builtIn("handle_cryptography_request", server.KindHandle(oauth.EndpointCryptography), 1*OrderSpacing,
			dispatch.HandlerFunc(handleCryptographyRequest)),
		builtIn("apply_cryptography_response", server.KindApply(oauth.EndpointCryptography), 1*OrderSpacing,
			dispatch.HandlerFunc(applyReadOnlyResponse)),

		// The read-only endpoints have nothing to extract or validate,
		// but the phases still run so extensions can hook them.
		builtIn("extract_configuration_request", server.KindExtract(oauth.EndpointConfiguration), 1*OrderSpacing,
			dispatch.HandlerFunc(extractReadOnlyRequest)),
		builtIn("extract_cryptography_request", server.KindExtract(oauth.EndpointCryptography), 1*OrderSpacing,
			dispatch.HandlerFunc(extractReadOnlyRequest)),
	}
}

func extractReadOnlyRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	if txn.Request == nil {
		txn.Request = oauth.NewRequest(nil)
	}
	ec.Request = txn.Request
	return nil
}

// handleConfigurationRequest projects the resolved options into the OIDC
// discovery document.
func handleConfigurationRequest(_ context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	options := txn.Options

	grants := append([]string(nil), options.GrantTypes...)
	sort.Strings(grants)
	responseTypes := append([]string(nil), options.ResponseTypes...)
	sort.Strings(responseTypes)
	scopes := append([]string(nil), options.Scopes...)
	sort.Strings(scopes)

	document := oauth.OIDCDiscoveryDocument{
		AuthorizationServerMetadata: oauth.AuthorizationServerMetadata{
			Issuer:                            options.Issuer,
			AuthorizationEndpoint:             absoluteEndpointURI(options, oauth.EndpointAuthorization),
			TokenEndpoint:                     absoluteEndpointURI(options, oauth.EndpointToken),
			JWKSURI:                           absoluteEndpointURI(options, oauth.EndpointCryptography),
			DeviceAuthorizationEndpoint:       absoluteEndpointURI(options, oauth.EndpointDevice),
			IntrospectionEndpoint:             absoluteEndpointURI(options, oauth.EndpointIntrospection),
			RevocationEndpoint:                absoluteEndpointURI(options, oauth.EndpointRevocation),
			UserinfoEndpoint:                  absoluteEndpointURI(options, oauth.EndpointUserinfo),
			EndSessionEndpoint:                absoluteEndpointURI(options, oauth.EndpointLogout),
			ResponseTypesSupported:            responseTypes,
			ResponseModesSupported:            append([]string(nil), options.ResponseModes...),
			GrantTypesSupported:               grants,
			CodeChallengeMethodsSupported:     append([]string(nil), options.CodeChallengeMethods...),
			TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
			ScopesSupported:                   scopes,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: signingAlgorithmValues(options),
	}

	raw, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode discovery document: %w", err)
	}
	var flattened map[string]any
	if err := json.Unmarshal(raw, &flattened); err != nil {
		return fmt.Errorf("failed to flatten discovery document: %w", err)
	}

	txn.Response = oauth.NewResponse()
	for k, v := range flattened {
		txn.Response.Set(k, v)
	}
	return nil
}

func signingAlgorithmValues(options *server.Options) []string {
	seen := make(map[string]bool)
	var algorithms []string
	for _, credential := range options.SigningCredentials {
		if credential.IsSymmetric() || credential.Algorithm == "" || seen[credential.Algorithm] {
			continue
		}
		seen[credential.Algorithm] = true
		algorithms = append(algorithms, credential.Algorithm)
	}
	if len(algorithms) == 0 {
		// RS256 is the floor required by OIDC Core Section 15.1.
		return []string{"RS256"}
	}
	return algorithms
}

// handleCryptographyRequest projects the asymmetric signing credentials
// into the public JSON Web Key Set.
func handleCryptographyRequest(_ context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	set := keys.PublicJWKS(txn.Options.SigningCredentials)
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode JWKS: %w", err)
	}
	var flattened map[string]any
	if err := json.Unmarshal(raw, &flattened); err != nil {
		return fmt.Errorf("failed to flatten JWKS: %w", err)
	}

	txn.Response = oauth.NewResponse()
	for k, v := range flattened {
		txn.Response.Set(k, v)
	}
	return nil
}

func applyReadOnlyResponse(_ context.Context, c dispatch.Context) error {
	ac, err := applyOf(c)
	if err != nil {
		return err
	}
	response := ac.Transaction().Response
	if response.IsError() {
		response.Status = http.StatusBadRequest
		return nil
	}
	response.Status = http.StatusOK
	return nil
}
