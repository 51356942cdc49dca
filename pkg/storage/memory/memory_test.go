// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/storage"
)

func withStorage(t *testing.T, fn func(*testing.T, *Storage)) {
	t.Helper()
	s := New(WithCleanupInterval(time.Hour))
	t.Cleanup(s.Stop)
	fn(t, s)
}

func validToken(authorizationID string) *storage.Token {
	now := time.Now().UTC()
	return &storage.Token{
		ID:              uuid.NewString(),
		Subject:         "user-1",
		ClientID:        "client-1",
		AuthorizationID: authorizationID,
		Type:            oauth.TokenTypeAuthorizationCode,
		Status:          storage.TokenStatusValid,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		app := &storage.Application{
			ClientID:     "c1",
			ClientSecret: "secret",
			Type:         oauth.ClientTypeConfidential,
			RedirectURIs: []string{"https://c1/cb"},
		}
		require.NoError(t, s.Create(ctx, app))
		assert.ErrorIs(t, s.Create(ctx, app), storage.ErrDuplicate)

		found, err := s.FindByClientID(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, app.ClientID, found.ClientID)

		_, err = s.FindByClientID(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		token := validToken("")
		token.ReferenceID = "ref-1"
		token.Payload = []byte("payload")
		require.NoError(t, s.CreateToken(ctx, token))

		byID, err := s.FindTokenByID(ctx, token.ID)
		require.NoError(t, err)
		assert.Equal(t, token.ID, byID.ID)
		assert.Equal(t, []byte("payload"), byID.Payload)

		byRef, err := s.FindByReferenceID(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, token.ID, byRef.ID)

		// Returned entries are copies: mutating one must not leak.
		byID.Status = storage.TokenStatusRevoked
		again, err := s.FindTokenByID(ctx, token.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenStatusValid, again.Status)
	})
}

func TestRedeemIsAtomic(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		token := validToken("")
		require.NoError(t, s.CreateToken(ctx, token))

		const contenders = 32
		winners := make(chan struct{}, contenders)
		var g errgroup.Group
		for i := 0; i < contenders; i++ {
			g.Go(func() error {
				err := s.Redeem(ctx, token.ID, time.Now().UTC())
				if err == nil {
					winners <- struct{}{}
					return nil
				}
				if err == storage.ErrAlreadyRedeemed {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		close(winners)

		count := 0
		for range winners {
			count++
		}
		assert.Equal(t, 1, count, "exactly one contender redeems the token")

		entry, err := s.FindTokenByID(ctx, token.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenStatusRedeemed, entry.Status)
		assert.NotNil(t, entry.RedeemedAt)
	})
}

func TestRedeemRequiresValidState(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		token := validToken("")
		token.Status = storage.TokenStatusInactive
		require.NoError(t, s.CreateToken(ctx, token))

		assert.ErrorIs(t, s.Redeem(ctx, token.ID, time.Now()), storage.ErrAlreadyRedeemed)
		assert.ErrorIs(t, s.Redeem(ctx, "missing", time.Now()), storage.ErrNotFound)
	})
}

func TestRevocationCascade(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		authorization := &storage.Authorization{
			ID:        uuid.NewString(),
			Subject:   "user-1",
			ClientID:  "client-1",
			Status:    storage.AuthorizationStatusValid,
			Type:      storage.AuthorizationTypeAdHoc,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateAuthorization(ctx, authorization))

		var linked []*storage.Token
		for i := 0; i < 3; i++ {
			token := validToken(authorization.ID)
			require.NoError(t, s.CreateToken(ctx, token))
			linked = append(linked, token)
		}
		unrelated := validToken("")
		require.NoError(t, s.CreateToken(ctx, unrelated))

		revoked, err := s.RevokeByAuthorizationID(ctx, authorization.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, revoked)
		require.NoError(t, s.RevokeAuthorization(ctx, authorization.ID))

		for _, token := range linked {
			entry, err := s.FindTokenByID(ctx, token.ID)
			require.NoError(t, err)
			assert.Equal(t, storage.TokenStatusRevoked, entry.Status)
		}
		entry, err := s.FindTokenByID(ctx, unrelated.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenStatusValid, entry.Status)

		stored, err := s.FindAuthorizationByID(ctx, authorization.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.AuthorizationStatusRevoked, stored.Status)
	})
}

func TestRevocationIsMonotonic(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		token := validToken("")
		require.NoError(t, s.CreateToken(ctx, token))
		require.NoError(t, s.RevokeToken(ctx, token.ID))

		// An update trying to resurrect the token is silently ignored.
		token.Status = storage.TokenStatusValid
		require.NoError(t, s.UpdateToken(ctx, token))

		entry, err := s.FindTokenByID(ctx, token.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TokenStatusRevoked, entry.Status)
	})
}

func TestFindBySubjectAndClient(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		older := &storage.Authorization{
			ID: uuid.NewString(), Subject: "user-1", ClientID: "c1",
			Status: storage.AuthorizationStatusValid, CreatedAt: time.Now().Add(-time.Hour),
		}
		newer := &storage.Authorization{
			ID: uuid.NewString(), Subject: "user-1", ClientID: "c1",
			Status: storage.AuthorizationStatusValid, CreatedAt: time.Now(),
		}
		revoked := &storage.Authorization{
			ID: uuid.NewString(), Subject: "user-1", ClientID: "c1",
			Status: storage.AuthorizationStatusRevoked, CreatedAt: time.Now(),
		}
		other := &storage.Authorization{
			ID: uuid.NewString(), Subject: "user-2", ClientID: "c1",
			Status: storage.AuthorizationStatusValid, CreatedAt: time.Now(),
		}
		for _, a := range []*storage.Authorization{older, newer, revoked, other} {
			require.NoError(t, s.CreateAuthorization(ctx, a))
		}

		matched, err := s.FindBySubjectAndClient(ctx, "user-1", "c1")
		require.NoError(t, err)
		require.Len(t, matched, 2)
		assert.Equal(t, newer.ID, matched[0].ID, "most recent first")
		assert.Equal(t, older.ID, matched[1].ID)
	})
}

func TestPrune(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		expired := validToken("")
		expired.ReferenceID = "expired-ref"
		expired.ExpiresAt = time.Now().Add(-time.Hour)
		live := validToken("")
		require.NoError(t, s.CreateToken(ctx, expired))
		require.NoError(t, s.CreateToken(ctx, live))

		removed, err := s.Prune(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.FindTokenByID(ctx, expired.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindByReferenceID(ctx, "expired-ref")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindTokenByID(ctx, live.ID)
		assert.NoError(t, err)
	})
}

func TestRequestCache(t *testing.T) {
	t.Parallel()
	withStorage(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		require.NoError(t, s.StoreRequest(ctx, "r1", []byte("payload"), time.Minute))

		payload, err := s.LoadRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), payload)

		require.NoError(t, s.StoreRequest(ctx, "r2", []byte("gone"), -time.Second))
		_, err = s.LoadRequest(ctx, "r2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.DeleteRequest(ctx, "r1"))
		_, err = s.LoadRequest(ctx, "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
