package cache_test

import (
	"testing"
	"time"

	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	c.Set(cache.Data, "permissions", "user-1", []string{"read:doc"}, time.Minute)

	v, ok := c.Get(cache.Data, "permissions", "user-1")
	require.True(t, ok)
	require.Equal(t, []string{"read:doc"}, v)
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	c.Set(cache.Data, "permissions", "user-1", "v", -time.Second)

	_, ok := c.Get(cache.Data, "permissions", "user-1")
	require.False(t, ok)
}

func TestCache_LongKeysAreHashed(t *testing.T) {
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	longKey := "this-is-a-very-long-raw-token-value-that-exceeds-the-pass-through-threshold-for-sure"
	c.Set(cache.Validation, "jwt", longKey, true, time.Minute)

	v, ok := c.Get(cache.Validation, "jwt", longKey)
	require.True(t, ok)
	require.Equal(t, true, v)
}

func TestCache_InvalidatePattern(t *testing.T) {
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	c.Set(cache.Data, "permissions", "user-1", "a", time.Minute)
	c.Set(cache.Data, "permissions", "user-2", "b", time.Minute)
	c.Set(cache.Data, "roles", "admin", "c", time.Minute)

	c.InvalidatePattern(cache.Data, "permissions")

	_, ok1 := c.Get(cache.Data, "permissions", "user-1")
	_, ok2 := c.Get(cache.Data, "permissions", "user-2")
	_, ok3 := c.Get(cache.Data, "roles", "admin")
	require.False(t, ok1)
	require.False(t, ok2)
	require.True(t, ok3)
}

func TestCache_ValidationAndDataAreIndependentLevels(t *testing.T) {
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	c.Set(cache.Validation, "jwt", "tok", "valid", time.Minute)
	_, ok := c.Get(cache.Data, "jwt", "tok")
	require.False(t, ok)
}
