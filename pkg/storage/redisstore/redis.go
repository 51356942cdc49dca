// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore provides Redis-backed implementations of the storage
// contracts, enabling horizontal scaling: entries are stored as JSON blobs
// under prefixed keys with TTLs derived from the entry expiration, and
// single-use redemption runs as an optimistic transaction so exactly one
// contender wins.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authframe/pkg/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// retentionSlack keeps expired entries around long enough for the
// protocol-level "expired" rejections to stay distinguishable from
// "unknown token".
const retentionSlack = time.Hour

// Config holds the Redis connection configuration.
type Config struct {
	// Addr is the Redis server address.
	Addr string

	// Username and Password authenticate against Redis ACLs.
	Username string
	Password string

	DB int

	// KeyPrefix namespaces every key, e.g. "authframe:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Storage implements the storage contracts on Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Storage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewWithClient wraps an existing client, which lets tests inject one.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Storage {
	return &Storage{client: client, keyPrefix: keyPrefix}
}

// Close releases the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

// Stores returns the storage bundle backed by this instance.
func (s *Storage) Stores() *storage.Stores {
	return &storage.Stores{
		Applications:   s,
		Authorizations: s,
		Tokens:         s,
		Scopes:         s,
		Requests:       s,
	}
}

func (s *Storage) applicationKey(clientID string) string { return s.keyPrefix + "app:" + clientID }
func (s *Storage) authorizationKey(id string) string     { return s.keyPrefix + "authz:" + id }
func (s *Storage) authorizationIndexKey(subject, clientID string) string {
	return s.keyPrefix + "authz-index:" + subject + ":" + clientID
}
func (s *Storage) tokenKey(id string) string          { return s.keyPrefix + "tok:" + id }
func (s *Storage) tokenRefKey(ref string) string      { return s.keyPrefix + "tok-ref:" + ref }
func (s *Storage) tokenAuthzKey(authID string) string { return s.keyPrefix + "tok-authz:" + authID }
func (s *Storage) scopeKey(name string) string        { return s.keyPrefix + "scope:" + name }
func (s *Storage) requestKey(id string) string        { return s.keyPrefix + "req:" + id }

func tokenTTL(token *storage.Token) time.Duration {
	if token.ExpiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(token.ExpiresAt) + retentionSlack
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func getJSON[T any](ctx context.Context, client redis.UniversalClient, key string) (*T, error) {
	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", key, err)
	}
	return &value, nil
}

func setJSON(ctx context.Context, client redis.UniversalClient, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", key, err)
	}
	if err := client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// --- ApplicationStore ---

// Create registers an application.
func (s *Storage) Create(ctx context.Context, app *storage.Application) error {
	key := s.applicationKey(app.ClientID)
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", key, err)
	}
	set, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !set {
		return storage.ErrDuplicate
	}
	return nil
}

// FindByClientID looks up an application by client identifier.
func (s *Storage) FindByClientID(ctx context.Context, clientID string) (*storage.Application, error) {
	return getJSON[storage.Application](ctx, s.client, s.applicationKey(clientID))
}

// --- AuthorizationStore ---

// CreateAuthorization persists an authorization entry.
func (s *Storage) CreateAuthorization(ctx context.Context, authorization *storage.Authorization) error {
	if err := setJSON(ctx, s.client, s.authorizationKey(authorization.ID), authorization, 0); err != nil {
		return err
	}
	index := s.authorizationIndexKey(authorization.Subject, authorization.ClientID)
	if err := s.client.SAdd(ctx, index, authorization.ID).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", index, err)
	}
	return nil
}

// FindAuthorizationByID looks up an authorization entry.
func (s *Storage) FindAuthorizationByID(ctx context.Context, id string) (*storage.Authorization, error) {
	return getJSON[storage.Authorization](ctx, s.client, s.authorizationKey(id))
}

// FindBySubjectAndClient returns valid authorizations, most recent first.
func (s *Storage) FindBySubjectAndClient(ctx context.Context, subject, clientID string) ([]*storage.Authorization, error) {
	index := s.authorizationIndexKey(subject, clientID)
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", index, err)
	}
	var matched []*storage.Authorization
	for _, id := range ids {
		authorization, err := s.FindAuthorizationByID(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if authorization.Status == storage.AuthorizationStatusValid {
			matched = append(matched, authorization)
		}
	}
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].CreatedAt.After(matched[j-1].CreatedAt); j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}
	return matched, nil
}

// RevokeAuthorization marks an authorization revoked.
func (s *Storage) RevokeAuthorization(ctx context.Context, id string) error {
	authorization, err := s.FindAuthorizationByID(ctx, id)
	if err != nil {
		return err
	}
	authorization.Status = storage.AuthorizationStatusRevoked
	return setJSON(ctx, s.client, s.authorizationKey(id), authorization, 0)
}

// --- TokenStore ---

// CreateToken persists a token entry and its secondary indexes.
func (s *Storage) CreateToken(ctx context.Context, token *storage.Token) error {
	ttl := tokenTTL(token)
	if err := setJSON(ctx, s.client, s.tokenKey(token.ID), token, ttl); err != nil {
		return err
	}
	if token.ReferenceID != "" {
		if err := s.client.Set(ctx, s.tokenRefKey(token.ReferenceID), token.ID, ttl).Err(); err != nil {
			return fmt.Errorf("redis set reference index: %w", err)
		}
	}
	if token.AuthorizationID != "" {
		if err := s.client.SAdd(ctx, s.tokenAuthzKey(token.AuthorizationID), token.ID).Err(); err != nil {
			return fmt.Errorf("redis sadd authorization index: %w", err)
		}
	}
	return nil
}

// FindTokenByID looks up a token entry by identifier.
func (s *Storage) FindTokenByID(ctx context.Context, id string) (*storage.Token, error) {
	return getJSON[storage.Token](ctx, s.client, s.tokenKey(id))
}

// FindByReferenceID looks up a token entry by its opaque wire handle.
func (s *Storage) FindByReferenceID(ctx context.Context, referenceID string) (*storage.Token, error) {
	id, err := s.client.Get(ctx, s.tokenRefKey(referenceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis get reference index: %w", err)
	}
	return s.FindTokenByID(ctx, id)
}

// UpdateToken replaces a stored token entry. Revocation stays monotonic.
func (s *Storage) UpdateToken(ctx context.Context, token *storage.Token) error {
	key := s.tokenKey(token.ID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("redis get %s: %w", key, err)
		}
		var existing storage.Token
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return fmt.Errorf("redis decode %s: %w", key, err)
		}
		if existing.Status == storage.TokenStatusRevoked && token.Status != storage.TokenStatusRevoked {
			return nil
		}
		encoded, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("redis encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, tokenTTL(token))
			if token.ReferenceID != "" && token.ReferenceID != existing.ReferenceID {
				pipe.Set(ctx, s.tokenRefKey(token.ReferenceID), token.ID, tokenTTL(token))
			}
			return nil
		})
		return err
	}, key)
}

// Redeem transitions the token from valid to redeemed with an optimistic
// transaction: a concurrent writer aborts the pipeline, so exactly one
// contender observes the valid state and wins.
func (s *Storage) Redeem(ctx context.Context, id string, at time.Time) error {
	key := s.tokenKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("redis get %s: %w", key, err)
		}
		var token storage.Token
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return fmt.Errorf("redis decode %s: %w", key, err)
		}
		if token.Status != storage.TokenStatusValid {
			return storage.ErrAlreadyRedeemed
		}
		token.Status = storage.TokenStatusRedeemed
		redeemed := at
		token.RedeemedAt = &redeemed
		encoded, err := json.Marshal(&token)
		if err != nil {
			return fmt.Errorf("redis encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, tokenTTL(&token))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another contender modified the entry mid-flight; they won.
		return storage.ErrAlreadyRedeemed
	}
	return err
}

// RevokeToken marks a token revoked.
func (s *Storage) RevokeToken(ctx context.Context, id string) error {
	token, err := s.FindTokenByID(ctx, id)
	if err != nil {
		return err
	}
	token.Status = storage.TokenStatusRevoked
	return setJSON(ctx, s.client, s.tokenKey(id), token, tokenTTL(token))
}

// RevokeByAuthorizationID revokes every token referencing an authorization.
func (s *Storage) RevokeByAuthorizationID(ctx context.Context, authorizationID string) (int, error) {
	index := s.tokenAuthzKey(authorizationID)
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers %s: %w", index, err)
	}
	revoked := 0
	for _, id := range ids {
		token, err := s.FindTokenByID(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return revoked, err
		}
		if token.Status == storage.TokenStatusRevoked {
			continue
		}
		token.Status = storage.TokenStatusRevoked
		if err := setJSON(ctx, s.client, s.tokenKey(id), token, tokenTTL(token)); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Prune is a no-op for Redis: entry TTLs already bound retention.
func (s *Storage) Prune(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// --- ScopeStore ---

// CreateScope registers a scope definition.
func (s *Storage) CreateScope(ctx context.Context, scope *storage.Scope) error {
	key := s.scopeKey(scope.Name)
	raw, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", key, err)
	}
	set, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !set {
		return storage.ErrDuplicate
	}
	return nil
}

// FindScopeByName looks up a scope definition.
func (s *Storage) FindScopeByName(ctx context.Context, name string) (*storage.Scope, error) {
	return getJSON[storage.Scope](ctx, s.client, s.scopeKey(name))
}

// FindScopesByNames looks up multiple scope definitions, skipping unknown names.
func (s *Storage) FindScopesByNames(ctx context.Context, names []string) ([]*storage.Scope, error) {
	var matched []*storage.Scope
	for _, name := range names {
		scope, err := s.FindScopeByName(ctx, name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		matched = append(matched, scope)
	}
	return matched, nil
}

// --- RequestCache ---

// StoreRequest caches a serialized authorization request payload.
func (s *Storage) StoreRequest(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.requestKey(id), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set request cache: %w", err)
	}
	return nil
}

// LoadRequest retrieves a cached authorization request payload.
func (s *Storage) LoadRequest(ctx context.Context, id string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis get request cache: %w", err)
	}
	return raw, nil
}

// DeleteRequest removes a cached authorization request payload.
func (s *Storage) DeleteRequest(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.requestKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del request cache: %w", err)
	}
	return nil
}
