package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.WrapClient(rdb)
}

func TestClient_SetExGet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEx(ctx, "foo", time.Minute, "bar"))

	v, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	require.Equal(t, "bar", v)
}

func TestClient_GetMissingReturnsErrNotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestClient_Incr(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestClient_Pipeline(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	pipe := c.Pipeline()
	pipe.SetEx("a", time.Minute, "1")
	pipe.SAdd("set-a", "member-1")
	pipe.ZAdd("zset-a", 1, "member-1")
	pipe.Expire("set-a", time.Minute)
	require.NoError(t, pipe.Exec(ctx))

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestClient_Keys(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEx(ctx, "token:u1:aa", time.Minute, "x"))
	require.NoError(t, c.SetEx(ctx, "token:u1:bb", time.Minute, "x"))
	require.NoError(t, c.SetEx(ctx, "token:u2:cc", time.Minute, "x"))

	keys, err := c.Keys(ctx, "token:u1:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestClient_HealthCheck(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.HealthCheck(context.Background()))
}

func TestClient_SMembersAndSRem(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	pipe := c.Pipeline()
	pipe.SAdd("set-b", "m1")
	pipe.SAdd("set-b", "m2")
	require.NoError(t, pipe.Exec(ctx))

	members, err := c.SMembers(ctx, "set-b")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m1", "m2"}, members)

	require.NoError(t, c.SRem(ctx, "set-b", "m1"))
	members, err = c.SMembers(ctx, "set-b")
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, members)
}
