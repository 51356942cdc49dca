// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides in-memory implementations of the storage
// contracts. The implementation is thread-safe and suitable for
// development, testing and single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/authframe/pkg/logger"
	"github.com/stacklok/authframe/pkg/storage"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = 5 * time.Minute

// cachedRequest wraps a cached authorization request with its deadline.
type cachedRequest struct {
	payload   []byte
	expiresAt time.Time
}

// Storage implements every storage contract with mutex-guarded maps.
//
// Tokens are indexed both by id and by reference handle so bearer lookups
// stay O(1). Redemption takes the write lock for the full compare-and-set,
// which gives the single-use guarantee the token endpoint depends on.
type Storage struct {
	mu sync.RWMutex

	applications   map[string]*storage.Application
	authorizations map[string]*storage.Authorization
	tokens         map[string]*storage.Token
	tokensByRef    map[string]string
	scopes         map[string]*storage.Scope
	requests       map[string]*cachedRequest

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	stopOnce        sync.Once
}

// Option configures a Storage instance.
type Option func(*Storage)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Storage) {
		s.cleanupInterval = interval
	}
}

// New creates a Storage with initialized maps and starts the background
// cleanup goroutine. Call Stop to halt it.
func New(opts ...Option) *Storage {
	s := &Storage{
		applications:    make(map[string]*storage.Application),
		authorizations:  make(map[string]*storage.Authorization),
		tokens:          make(map[string]*storage.Token),
		tokensByRef:     make(map[string]string),
		scopes:          make(map[string]*storage.Scope),
		requests:        make(map[string]*cachedRequest),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
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

// Stop halts the background cleanup goroutine and waits for it to exit.
func (s *Storage) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
}

func (s *Storage) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			removed := s.sweep(now)
			if removed > 0 {
				logger.Debugw("swept expired entries", "count", removed)
			}
		}
	}
}

func (s *Storage) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tok := range s.tokens {
		if !tok.ExpiresAt.IsZero() && tok.ExpiresAt.Before(now) {
			s.deleteTokenLocked(id, tok)
			removed++
		}
	}
	for id, req := range s.requests {
		if req.expiresAt.Before(now) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed
}

func (s *Storage) deleteTokenLocked(id string, tok *storage.Token) {
	if tok.ReferenceID != "" {
		delete(s.tokensByRef, tok.ReferenceID)
	}
	delete(s.tokens, id)
}

// --- ApplicationStore ---

// Create registers an application.
func (s *Storage) Create(_ context.Context, app *storage.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ClientID]; exists {
		return storage.ErrDuplicate
	}
	copied := *app
	s.applications[app.ClientID] = &copied
	return nil
}

// FindByClientID looks up an application by client identifier.
func (s *Storage) FindByClientID(_ context.Context, clientID string) (*storage.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *app
	return &copied, nil
}

// --- AuthorizationStore ---

// CreateAuthorization persists an authorization entry.
func (s *Storage) CreateAuthorization(_ context.Context, authorization *storage.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authorizations[authorization.ID]; exists {
		return storage.ErrDuplicate
	}
	copied := *authorization
	s.authorizations[authorization.ID] = &copied
	return nil
}

// FindAuthorizationByID looks up an authorization entry.
func (s *Storage) FindAuthorizationByID(_ context.Context, id string) (*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authorization, ok := s.authorizations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *authorization
	return &copied, nil
}

// FindBySubjectAndClient returns valid authorizations, most recent first.
func (s *Storage) FindBySubjectAndClient(_ context.Context, subject, clientID string) ([]*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*storage.Authorization
	for _, a := range s.authorizations {
		if a.Subject == subject && a.ClientID == clientID && a.Status == storage.AuthorizationStatusValid {
			copied := *a
			matched = append(matched, &copied)
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
func (s *Storage) RevokeAuthorization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	authorization, ok := s.authorizations[id]
	if !ok {
		return storage.ErrNotFound
	}
	authorization.Status = storage.AuthorizationStatusRevoked
	return nil
}

// --- TokenStore ---

// CreateToken persists a token entry.
func (s *Storage) CreateToken(_ context.Context, token *storage.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.ID]; exists {
		return storage.ErrDuplicate
	}
	copied := copyToken(token)
	s.tokens[token.ID] = copied
	if token.ReferenceID != "" {
		s.tokensByRef[token.ReferenceID] = token.ID
	}
	return nil
}

// FindTokenByID looks up a token entry by identifier.
func (s *Storage) FindTokenByID(_ context.Context, id string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyToken(token), nil
}

// FindByReferenceID looks up a token entry by its opaque wire handle.
func (s *Storage) FindByReferenceID(_ context.Context, referenceID string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokensByRef[referenceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	token, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyToken(token), nil
}

// UpdateToken replaces a stored token entry.
func (s *Storage) UpdateToken(_ context.Context, token *storage.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tokens[token.ID]
	if !ok {
		return storage.ErrNotFound
	}
	// Revocation is monotonic.
	if existing.Status == storage.TokenStatusRevoked && token.Status != storage.TokenStatusRevoked {
		return nil
	}
	if existing.ReferenceID != "" && existing.ReferenceID != token.ReferenceID {
		delete(s.tokensByRef, existing.ReferenceID)
	}
	copied := copyToken(token)
	s.tokens[token.ID] = copied
	if token.ReferenceID != "" {
		s.tokensByRef[token.ReferenceID] = token.ID
	}
	return nil
}

// Redeem transitions the token from valid to redeemed under the write
// lock, so exactly one concurrent caller observes the valid state.
func (s *Storage) Redeem(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	if token.Status != storage.TokenStatusValid {
		return storage.ErrAlreadyRedeemed
	}
	token.Status = storage.TokenStatusRedeemed
	redeemed := at
	token.RedeemedAt = &redeemed
	return nil
}

// RevokeToken marks a token revoked.
func (s *Storage) RevokeToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	token.Status = storage.TokenStatusRevoked
	return nil
}

// RevokeByAuthorizationID revokes every token referencing an authorization.
func (s *Storage) RevokeByAuthorizationID(_ context.Context, authorizationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, token := range s.tokens {
		if token.AuthorizationID == authorizationID && token.Status != storage.TokenStatusRevoked {
			token.Status = storage.TokenStatusRevoked
			revoked++
		}
	}
	return revoked, nil
}

// Prune removes token entries that expired before the given time.
func (s *Storage) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, token := range s.tokens {
		if !token.ExpiresAt.IsZero() && token.ExpiresAt.Before(before) {
			s.deleteTokenLocked(id, token)
			removed++
		}
	}
	return removed, nil
}

// --- ScopeStore ---

// CreateScope registers a scope definition.
func (s *Storage) CreateScope(_ context.Context, scope *storage.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scopes[scope.Name]; exists {
		return storage.ErrDuplicate
	}
	copied := *scope
	s.scopes[scope.Name] = &copied
	return nil
}

// FindScopeByName looks up a scope definition.
func (s *Storage) FindScopeByName(_ context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope, ok := s.scopes[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *scope
	return &copied, nil
}

// FindScopesByNames looks up multiple scope definitions, skipping unknown names.
func (s *Storage) FindScopesByNames(_ context.Context, names []string) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*storage.Scope
	for _, name := range names {
		if scope, ok := s.scopes[name]; ok {
			copied := *scope
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

// --- RequestCache ---

// StoreRequest caches a serialized authorization request payload.
func (s *Storage) StoreRequest(_ context.Context, id string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id] = &cachedRequest{
		payload:   append([]byte(nil), payload...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// LoadRequest retrieves a cached authorization request payload.
func (s *Storage) LoadRequest(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok || req.expiresAt.Before(time.Now()) {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), req.payload...), nil
}

// DeleteRequest removes a cached authorization request payload.
func (s *Storage) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

func copyToken(token *storage.Token) *storage.Token {
	copied := *token
	copied.Payload = append([]byte(nil), token.Payload...)
	if token.RedeemedAt != nil {
		at := *token.RedeemedAt
		copied.RedeemedAt = &at
	}
	if token.LastPolledAt != nil {
		at := *token.LastPolledAt
		copied.LastPolledAt = &at
	}
	return &copied
}
