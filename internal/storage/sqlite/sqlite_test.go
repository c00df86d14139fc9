package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wheelauth/internal/domain/models"
	"wheelauth/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "000001_init.up.sql"))
	require.NoError(t, err)
	_, err = s.db.Exec(string(schema))
	require.NoError(t, err)

	return s
}

func saveTestUser(t *testing.T, s *Storage, email string) *models.User {
	t.Helper()

	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		PassHash:  "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		FullName:  "Test User",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveUser(context.Background(), user))
	return user
}

func newToken(userID string, expiresAt time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
}

func TestSaveUser_DuplicateEmail(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	saveTestUser(t, s, "a@x.com")

	dup := &models.User{
		ID:        uuid.NewString(),
		Email:     "a@x.com",
		PassHash:  "irrelevant",
		CreatedAt: time.Now().UTC(),
	}
	err := s.SaveUser(ctx, dup)
	require.ErrorIs(t, err, storage.ErrUserExists)
}

func TestUserLookup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user := saveTestUser(t, s, "b@x.com")

	byEmail, err := s.UserByEmail(ctx, "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	byID, err := s.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, byID.Email)

	_, err = s.UserByEmail(ctx, "missing@x.com")
	require.ErrorIs(t, err, storage.ErrUserNotFound)

	_, err = s.UserByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user := saveTestUser(t, s, "c@x.com")
	old := newToken(user.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, old))

	replacement := newToken(user.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.RotateRefreshToken(ctx, old.TokenHash, replacement))

	rotated, err := s.RefreshTokenByHash(ctx, old.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, rotated.RevokedAt)

	stored, err := s.RefreshTokenByHash(ctx, replacement.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, stored.RevokedAt)

	// Losing side of a rotation race: the record is already revoked.
	err = s.RotateRefreshToken(ctx, old.TokenHash, newToken(user.ID, time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, storage.ErrTokenRevoked)

	// Loser must not have inserted anything besides the winner's record.
	err = s.RotateRefreshToken(ctx, uuid.NewString(), newToken(user.ID, time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRotateRefreshToken_Concurrent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user := saveTestUser(t, s, "race@x.com")
	old := newToken(user.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, old))

	const attempts = 8
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			errs <- s.RotateRefreshToken(ctx, old.TokenHash, newToken(user.ID, time.Now().Add(time.Hour)))
		}()
	}

	var wins int
	for i := 0; i < attempts; i++ {
		err := <-errs
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, storage.ErrTokenRevoked)
	}
	assert.Equal(t, 1, wins)
}

func TestRevokeAllForUser(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user := saveTestUser(t, s, "d@x.com")
	other := saveTestUser(t, s, "e@x.com")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveRefreshToken(ctx, newToken(user.ID, time.Now().Add(time.Hour))))
	}
	kept := newToken(other.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, kept))

	affected, err := s.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, affected)

	// Idempotent: nothing left to revoke.
	affected, err = s.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)

	untouched, err := s.RefreshTokenByHash(ctx, kept.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, untouched.RevokedAt)
}

func TestPurgeTokens(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := saveTestUser(t, s, "f@x.com")

	expired := newToken(user.ID, now.Add(-time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, expired))

	revoked := newToken(user.ID, now.Add(time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, revoked))
	_, err := s.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)

	active := newToken(user.ID, now.Add(time.Hour))
	require.NoError(t, s.SaveRefreshToken(ctx, active))

	// RevokeAllForUser above revoked "expired" too, still purgeable either way.
	deleted, err := s.PurgeTokens(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = s.RefreshTokenByHash(ctx, expired.TokenHash)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.RefreshTokenByHash(ctx, revoked.TokenHash)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	stored, err := s.RefreshTokenByHash(ctx, active.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, stored.RevokedAt)
}

func TestWrap_TransientFailures(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, true},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"plain", errors.New("disk I/O error"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := wrap(tc.err)
			if tc.transient {
				assert.ErrorIs(t, got, storage.ErrUnavailable)
			} else {
				assert.NotErrorIs(t, got, storage.ErrUnavailable)
			}
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestExpiredContext_ReportsUnavailable(t *testing.T) {
	s := newTestStorage(t)
	user := saveTestUser(t, s, "g@x.com")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := s.SaveRefreshToken(ctx, newToken(user.ID, time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = s.RevokeAllForUser(ctx, user.ID)
	require.ErrorIs(t, err, storage.ErrUnavailable)
}
