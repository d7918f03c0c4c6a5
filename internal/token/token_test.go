package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lavente-care/auth-core/internal/blacklist"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/lavente-care/auth-core/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*token.Engine, *blacklist.Blacklist) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.WrapClient(rdb)

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	bl := blacklist.New(store, c, nil, blacklist.Config{RetentionBufferDays: 1, UserRetentionDays: 30})

	eng := token.New(token.Config{
		Secret:     "test-secret-value-at-least-32-bytes-long",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Issuer:     "auth-core-test",
		Audience:   "auth-core",
	}, store, bl)

	return eng, bl
}

func testUser() token.UserSource {
	return token.UserSource{
		UserID:      "user-1",
		Email:       "a@example.com",
		Name:        "A User",
		Roles:       []string{"user"},
		Permissions: []string{"read:doc"},
	}
}

func TestEngine_GenerateAndVerify(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := eng.GenerateTokens(ctx, testUser())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	principal, err := eng.VerifyToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
	require.Equal(t, []string{"user"}, principal.Roles)
}

func TestEngine_VerifyInvalidToken(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.VerifyToken(context.Background(), "not-a-jwt")
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestEngine_RevokedTokenFailsVerification(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := eng.GenerateTokens(ctx, testUser())
	require.NoError(t, err)

	require.NoError(t, eng.RevokeToken(ctx, pair.AccessToken, blacklist.ReasonLogout, "user-1"))

	_, err = eng.VerifyToken(ctx, pair.AccessToken)
	require.Error(t, err)
}

func TestEngine_RefreshTokenIssuesNewPair(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := eng.GenerateTokens(ctx, testUser())
	require.NoError(t, err)

	result, err := eng.RefreshToken(ctx, pair.RefreshToken, true, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Pair.AccessToken)
	require.Equal(t, "user-1", result.Principal.UserID)

	// old refresh token should now be revoked since rotateOld was true
	_, err = eng.RefreshToken(ctx, pair.RefreshToken, true, nil)
	require.Error(t, err)
}

func TestEngine_RefreshRejectsAccessToken(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := eng.GenerateTokens(ctx, testUser())
	require.NoError(t, err)

	_, err = eng.RefreshToken(ctx, pair.AccessToken, false, nil)
	require.ErrorIs(t, err, token.ErrWrongType)
}

func TestEngine_RevokeAllUserTokens(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := eng.GenerateTokens(ctx, testUser())
	require.NoError(t, err)

	require.NoError(t, eng.RevokeAllUserTokens(ctx, "user-1", blacklist.ReasonBreach, "admin"))

	_, err = eng.VerifyToken(ctx, pair.AccessToken)
	require.Error(t, err)
}
