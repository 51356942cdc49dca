// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts the server core relies
// on: applications (registered clients), authorizations (consent grants),
// tokens, scopes and the authorization-request cache. Implementations must
// guarantee atomic single-use redemption and monotonic revocation; the
// core never retries persistence failures.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/authframe/pkg/oauth"
)

var (
	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("storage: entry not found")

	// ErrAlreadyRedeemed is returned by Redeem when the compare-and-set
	// from valid to redeemed was lost to a concurrent caller or the
	// token already left the valid state.
	ErrAlreadyRedeemed = errors.New("storage: token already redeemed")

	// ErrDuplicate is returned when creating an entry whose identifier
	// already exists.
	ErrDuplicate = errors.New("storage: duplicate entry")
)

// Application is a registered relying party. The core treats the entry as
// opaque beyond the fields validated by the endpoint pipelines.
type Application struct {
	// ClientID uniquely identifies the application.
	ClientID string

	// ClientSecret is the shared secret for confidential clients. When
	// SecretHashed is set the value is the SHA-256 digest, hex encoded.
	ClientSecret string
	SecretHashed bool

	// Type governs which authentication rules apply.
	Type oauth.ClientType

	DisplayName string

	// Permission sets. Empty sets deny everything unless the matching
	// ignore flag is enabled in the options.
	EndpointPermissions  []oauth.Endpoint
	GrantTypePermissions []string
	ScopePermissions     []string

	RedirectURIs           []string
	PostLogoutRedirectURIs []string
}

// AuthorizationStatus is the lifecycle state of an authorization entry.
type AuthorizationStatus string

// Authorization statuses.
const (
	AuthorizationStatusValid   AuthorizationStatus = "valid"
	AuthorizationStatusRevoked AuthorizationStatus = "revoked"
)

// AuthorizationType categorizes how an authorization was established.
type AuthorizationType string

// Authorization types.
const (
	AuthorizationTypePermanent AuthorizationType = "permanent"
	AuthorizationTypeAdHoc     AuthorizationType = "ad-hoc"
	AuthorizationTypeExternal  AuthorizationType = "external"
	AuthorizationTypeDevice    AuthorizationType = "device"
)

// Authorization records a subject's grant to a client.
type Authorization struct {
	ID        string
	Subject   string
	ClientID  string
	Status    AuthorizationStatus
	Scopes    []string
	Type      AuthorizationType
	CreatedAt time.Time
}

// TokenStatus is the lifecycle state of a token entry.
type TokenStatus string

// Token statuses. Entries are created inactive during sign-in, promoted
// to valid once issuance completes, redeemed on one-time use, and revoked
// explicitly or by authorization cascade.
const (
	TokenStatusInactive TokenStatus = "inactive"
	TokenStatusValid    TokenStatus = "valid"
	TokenStatusRedeemed TokenStatus = "redeemed"
	TokenStatusRevoked  TokenStatus = "revoked"
	TokenStatusRejected TokenStatus = "rejected"
)

// Token is the server-side record of an issued token.
type Token struct {
	ID              string
	Subject         string
	ClientID        string
	AuthorizationID string
	Type            oauth.TokenType
	Status          TokenStatus

	// ReferenceID is the opaque wire handle for reference tokens and
	// user codes. Empty for self-contained tokens.
	ReferenceID string

	// Payload is the stored token material: the serialized principal
	// envelope, or the full wire token for reference tokens.
	Payload []byte

	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time

	// LastPolledAt paces device-flow token polling across instances.
	LastPolledAt *time.Time
}

// Scope is a registered scope definition.
type Scope struct {
	Name        string
	DisplayName string
	Description string
	Resources   []string
}

// Method names are unique across the store interfaces so a single
// backend type can implement all of them.

// ApplicationStore persists registered applications.
type ApplicationStore interface {
	Create(ctx context.Context, app *Application) error
	FindByClientID(ctx context.Context, clientID string) (*Application, error)
}

// AuthorizationStore persists authorization entries. Revocation is
// monotonic: a revoked entry never returns to valid.
type AuthorizationStore interface {
	CreateAuthorization(ctx context.Context, authorization *Authorization) error
	FindAuthorizationByID(ctx context.Context, id string) (*Authorization, error)

	// FindBySubjectAndClient returns the valid authorizations a subject
	// granted to a client, most recent first.
	FindBySubjectAndClient(ctx context.Context, subject, clientID string) ([]*Authorization, error)

	// RevokeAuthorization marks the authorization revoked. Revoking an
	// absent entry returns ErrNotFound.
	RevokeAuthorization(ctx context.Context, id string) error
}

// TokenStore persists token entries.
type TokenStore interface {
	CreateToken(ctx context.Context, token *Token) error
	FindTokenByID(ctx context.Context, id string) (*Token, error)
	FindByReferenceID(ctx context.Context, referenceID string) (*Token, error)
	UpdateToken(ctx context.Context, token *Token) error

	// Redeem atomically transitions the token from valid to redeemed.
	// Exactly one concurrent caller succeeds; the rest receive
	// ErrAlreadyRedeemed. Entries in any other state also return
	// ErrAlreadyRedeemed.
	Redeem(ctx context.Context, id string, at time.Time) error

	// RevokeToken marks the token revoked regardless of its current state.
	RevokeToken(ctx context.Context, id string) error

	// RevokeByAuthorizationID revokes every token referencing the
	// authorization and reports how many were transitioned.
	RevokeByAuthorizationID(ctx context.Context, authorizationID string) (int, error)

	// Prune removes entries that expired before the given time.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// ScopeStore persists scope definitions.
type ScopeStore interface {
	CreateScope(ctx context.Context, scope *Scope) error
	FindScopeByName(ctx context.Context, name string) (*Scope, error)
	FindScopesByNames(ctx context.Context, names []string) ([]*Scope, error)
}

// RequestCache stores serialized authorization request payloads under a
// server-generated request_id with a bounded lifetime.
type RequestCache interface {
	StoreRequest(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	LoadRequest(ctx context.Context, id string) ([]byte, error)
	DeleteRequest(ctx context.Context, id string) error
}

// Stores bundles the persistence surface handed to a transaction.
type Stores struct {
	Applications   ApplicationStore
	Authorizations AuthorizationStore
	Tokens         TokenStore
	Scopes         ScopeStore
	Requests       RequestCache
}
