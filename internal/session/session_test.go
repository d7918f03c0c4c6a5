package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/lavente-care/auth-core/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg session.Config) *session.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.WrapClient(rdb)

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.TokenEncryption {
		cfg.EncryptionMasterKey = "test-master-secret"
		cfg.EncryptionSalt = "test-salt"
	}

	m, err := session.New(store, c, cfg)
	require.NoError(t, err)
	return m
}

func createParams(userID string) session.CreateParams {
	return session.CreateParams{
		UserID:       userID,
		AccessToken:  "access-token-value",
		RefreshToken: "refresh-token-value",
		TokenTTL:     time.Hour,
		RefreshTTL:   24 * time.Hour,
		IPAddress:    "127.0.0.1",
		UserAgent:    "test-agent",
	}
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, session.Config{TokenEncryption: true})
	ctx := context.Background()

	s, err := m.Create(ctx, createParams("user-1"))
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Equal(t, "access-token-value", s.AccessToken)

	got, err := m.Get(ctx, s.ID, "test-agent", "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "access-token-value", got.AccessToken)
	require.Equal(t, "refresh-token-value", got.RefreshToken)
}

func TestManager_GetMissingReturnsNotFound(t *testing.T) {
	m := newTestManager(t, session.Config{})
	_, err := m.Get(context.Background(), "nonexistent", "", "")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_FingerprintMismatchRejected(t *testing.T) {
	m := newTestManager(t, session.Config{EnforceIPConsistency: true})
	ctx := context.Background()

	s, err := m.Create(ctx, createParams("user-2"))
	require.NoError(t, err)

	_, err = m.Get(ctx, s.ID, "test-agent", "10.0.0.9")
	require.ErrorIs(t, err, session.ErrFingerprintMismatch)
}

func TestManager_UpdateActivityExtendsNearExpiry(t *testing.T) {
	m := newTestManager(t, session.Config{TTL: 200 * time.Millisecond, RefreshThreshold: 150 * time.Millisecond})
	ctx := context.Background()

	s, err := m.Create(ctx, createParams("user-3"))
	require.NoError(t, err)

	// Wait until the remaining TTL (~100ms) is below the 150ms threshold.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.UpdateActivity(ctx, s.ID))

	got, err := m.Get(ctx, s.ID, "", "")
	require.NoError(t, err)
	require.True(t, got.ExpiresAt.After(s.ExpiresAt))
}

func TestManager_RotateChangesIDPreservesTokens(t *testing.T) {
	m := newTestManager(t, session.Config{TokenEncryption: true})
	ctx := context.Background()

	s, err := m.Create(ctx, createParams("user-4"))
	require.NoError(t, err)

	rotated, err := m.Rotate(ctx, s.ID)
	require.NoError(t, err)
	require.NotEqual(t, s.ID, rotated.ID)
	require.Equal(t, "access-token-value", rotated.AccessToken)

	_, err = m.Get(ctx, s.ID, "", "")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_DestroyRemovesSession(t *testing.T) {
	m := newTestManager(t, session.Config{})
	ctx := context.Background()

	s, err := m.Create(ctx, createParams("user-5"))
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, s.ID))

	_, err = m.Get(ctx, s.ID, "", "")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestManager_ConcurrencyCapEvictsOldest(t *testing.T) {
	m := newTestManager(t, session.Config{MaxConcurrentSessions: 2})
	ctx := context.Background()

	first, err := m.Create(ctx, createParams("user-6"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Create(ctx, createParams("user-6"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Create(ctx, createParams("user-6"))
	require.NoError(t, err)

	sessions, err := m.ListForUser(ctx, "user-6")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	for _, s := range sessions {
		require.NotEqual(t, first.ID, s.ID)
	}
}

func TestManager_DestroyAllForUser(t *testing.T) {
	m := newTestManager(t, session.Config{MaxConcurrentSessions: 10})
	ctx := context.Background()

	_, err := m.Create(ctx, createParams("user-7"))
	require.NoError(t, err)
	_, err = m.Create(ctx, createParams("user-7"))
	require.NoError(t, err)

	require.NoError(t, m.DestroyAllForUser(ctx, "user-7"))

	sessions, err := m.ListForUser(ctx, "user-7")
	require.NoError(t, err)
	require.Empty(t, sessions)
}
