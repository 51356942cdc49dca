// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/authframe/pkg/claims"
	"github.com/stacklok/authframe/pkg/claims/envelope"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

func deviceDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointDevice
	return []*dispatch.Descriptor{
		builtIn("extract_device_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractDeviceRequest)),

		builtIn("resolve_device_client", server.KindValidate(e), 1*OrderSpacing,
			dispatch.HandlerFunc(resolveDeviceClient)),
		builtIn("authenticate_device_client", server.KindValidate(e), 2*OrderSpacing,
			dispatch.HandlerFunc(authenticateDeviceClient)),
		builtIn("check_device_permissions", server.KindValidate(e), 3*OrderSpacing,
			dispatch.HandlerFunc(checkDevicePermissions)),
		builtIn("validate_device_scopes", server.KindValidate(e), 4*OrderSpacing,
			dispatch.HandlerFunc(validateDeviceScopes)),

		builtIn("handle_device_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleDeviceRequest)),

		builtIn("apply_device_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyDeviceResponse)),
	}
}

func verificationDescriptors() []*dispatch.Descriptor {
	e := oauth.EndpointVerification
	return []*dispatch.Descriptor{
		builtIn("extract_verification_request", server.KindExtract(e), 1*OrderSpacing,
			dispatch.HandlerFunc(extractVerificationRequest)),

		builtIn("handle_verification_request", server.KindHandle(e), 1*OrderSpacing,
			dispatch.HandlerFunc(handleVerificationRequest)),

		builtIn("apply_verification_response", server.KindApply(e), 1*OrderSpacing,
			dispatch.HandlerFunc(applyVerificationResponse)),
	}
}

func extractDeviceRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if clientID, ok := request.ClientID(); !ok || clientID == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory client_id parameter is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

func resolveDeviceClient(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	resolveApplication(ctx, vc)
	return nil
}

func authenticateDeviceClient(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	authenticateApplication(vc)
	return nil
}

func checkDevicePermissions(_ context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	if !checkEndpointPermission(vc, oauth.EndpointDevice) {
		return nil
	}
	checkGrantTypePermission(vc, oauth.GrantTypeDeviceCode)
	return nil
}

func validateDeviceScopes(ctx context.Context, c dispatch.Context) error {
	vc, err := validateOf(c)
	if err != nil {
		return err
	}
	scopes := vc.Transaction().Request.Scopes()
	if len(scopes) == 0 {
		return nil
	}
	if !checkScopesRecognized(ctx, vc, scopes) {
		return nil
	}
	checkScopePermissions(vc, scopes)
	return nil
}

// handleDeviceRequest mints the device_code/user_code pair. The sign-in
// principal carries the client identity until the verification endpoint
// binds the real subject.
func handleDeviceRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()
	if hc.Application == nil {
		hc.Reject(oauth.ErrorInvalidClient, "The specified client identifier is invalid.", "")
		return nil
	}

	principal := claims.NewPrincipal(claims.NewIdentity("authframe"))
	principal.SetSubject(hc.Application.ClientID)
	principal.SetPresenters(hc.Application.ClientID)
	if scopes := txn.Request.Scopes(); len(scopes) > 0 {
		principal.SetScopes(scopes...)
	}

	hc.Principal = principal
	return signIn(ctx, hc, principal, func(sc *server.SignInContext) {
		sc.IncludeDeviceCode = true
	})
}

func applyDeviceResponse(_ context.Context, c dispatch.Context) error {
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

func extractVerificationRequest(_ context.Context, c dispatch.Context) error {
	ec, err := extractOf(c)
	if err != nil {
		return err
	}
	txn := ec.Transaction()
	request, err := requestOf(txn)
	if err != nil {
		return err
	}
	if userCode, ok := request.UserCode(); !ok || userCode == "" {
		ec.Reject(oauth.ErrorInvalidRequest, "The mandatory user_code parameter is missing.", "")
		return nil
	}
	ec.Request = request
	return nil
}

// handleVerificationRequest associates the authenticated end user with
// the device code paired to the presented user code: the user code is
// redeemed (one-time use) and the device code entry is promoted to valid
// with the subject principal serialized into its payload.
func handleVerificationRequest(ctx context.Context, c dispatch.Context) error {
	hc, err := handleOf(c)
	if err != nil {
		return err
	}
	txn := hc.Transaction()

	userPrincipal := userPrincipalOf(txn)
	if userPrincipal == nil {
		return nil // challenge: the host renders login first
	}
	subject, ok := userPrincipal.Subject()
	if !ok {
		return fmt.Errorf("%w: user principal carries no subject claim", ErrHostIntegration)
	}

	if txn.Stores == nil || txn.Stores.Tokens == nil {
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	rawCode, _ := txn.Request.UserCode()
	userEntry, err := txn.Stores.Tokens.FindByReferenceID(ctx, normalizeUserCode(rawCode))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			hc.Reject(oauth.ErrorInvalidToken, "The specified user code is invalid.", "")
			return nil
		}
		txn.Logger.Error("user code lookup failed", "error", err)
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}
	now := time.Now().UTC()
	if !userEntry.ExpiresAt.IsZero() && now.After(userEntry.ExpiresAt) {
		hc.Reject(oauth.ErrorExpiredToken, "The specified user code has expired.", "")
		return nil
	}

	// One attempt wins the code.
	if err := txn.Stores.Tokens.Redeem(ctx, userEntry.ID, now); err != nil {
		if errors.Is(err, storage.ErrAlreadyRedeemed) {
			hc.Reject(oauth.ErrorInvalidToken, "The specified user code has already been used.", "")
			return nil
		}
		return fmt.Errorf("failed to redeem user code: %w", err)
	}

	pairing, _, err := envelope.Read(userEntry.Payload)
	if err != nil || pairing == nil {
		txn.Logger.Error("user code payload could not be decoded", "error", err)
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}
	deviceCodeID, ok := pairing.DeviceCodeID()
	if !ok {
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}

	deviceEntry, err := txn.Stores.Tokens.FindTokenByID(ctx, deviceCodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			hc.Reject(oauth.ErrorInvalidToken, "The paired device code is no longer valid.", "")
			return nil
		}
		txn.Logger.Error("device code lookup failed", "error", err)
		hc.Reject(oauth.ErrorServerError, "An internal error occurred while processing the request.", "")
		return nil
	}
	if deviceEntry.Status != storage.TokenStatusInactive || now.After(deviceEntry.ExpiresAt) {
		hc.Reject(oauth.ErrorExpiredToken, "The paired device code is no longer pending.", "")
		return nil
	}

	// Carry the device request's scopes onto the subject principal.
	approved := userPrincipal.Clone()
	approved.SetSubject(subject)
	if scopes := pairing.Scopes(); len(scopes) > 0 {
		approved.SetScopes(scopes...)
	}
	if v, ok := txn.Property(PropertyGrantedScopes); ok {
		if scopes, ok := v.([]string); ok {
			approved.SetScopes(scopes...)
		}
	}
	payload, err := envelope.Write(approved, "authframe")
	if err != nil {
		return fmt.Errorf("failed to serialize subject principal: %w", err)
	}

	deviceEntry.Subject = subject
	deviceEntry.Payload = payload
	deviceEntry.Status = storage.TokenStatusValid
	if err := txn.Stores.Tokens.UpdateToken(ctx, deviceEntry); err != nil {
		return fmt.Errorf("failed to approve device code: %w", err)
	}

	hc.Principal = approved
	txn.Response = oauth.NewResponse()
	txn.Response.Set("status", "approved")
	return nil
}

func applyVerificationResponse(_ context.Context, c dispatch.Context) error {
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
