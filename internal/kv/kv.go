// Package kv provides typed operations over a remote key-value store
// (Redis), the leaf dependency of the Secure Cache, Token Blacklist,
// Session Manager, and API-Key Service (spec §4.1).
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist. Callers use
// this to distinguish a cache miss from a transport error — the former is
// routine, the latter decides fail-open vs fail-closed (spec §7).
var ErrNotFound = errors.New("kv: key not found")

// KV is the contract every component depends on. In tests a
// miniredis-backed *redis.Client, wrapped by WrapClient, provides it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, member string) error
	Pipeline() Pipeline
	HealthCheck(ctx context.Context) error
}

// Pipeline batches several write operations into a single atomic round
// trip, per spec §4.1's "pipeline() (atomic multi-op with per-op error
// surfaced)". Each queued op is applied to the underlying redis.Pipeliner
// on Exec; the first per-op error is returned, but all queued ops are
// still sent (matching go-redis's pipeline semantics).
type Pipeline interface {
	SetEx(key string, ttl time.Duration, value string)
	SAdd(key string, member string)
	SRem(key string, member string)
	ZAdd(key string, score float64, member string)
	Expire(key string, ttl time.Duration)
	Del(key string)
	Exec(ctx context.Context) error
}

// Client adapts a *redis.Client to the KV interface.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis using the given address/password/db, verifying
// reachability with a short-deadline PING before returning — failure here
// aborts startup the same way the teacher's storage.NewPostgres does for
// the relational store.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// WrapClient adapts an already-constructed *redis.Client (e.g. one pointed
// at miniredis in tests) to the KV interface.
func WrapClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (c *Client) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) SRem(ctx context.Context, key string, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Pipeline() Pipeline {
	return &redisPipeline{pipe: c.rdb.TxPipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) SetEx(key string, ttl time.Duration, value string) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) SAdd(key string, member string) {
	p.pipe.SAdd(context.Background(), key, member)
}

func (p *redisPipeline) SRem(key string, member string) {
	p.pipe.SRem(context.Background(), key, member)
}

func (p *redisPipeline) Del(key string) {
	p.pipe.Del(context.Background(), key)
}

func (p *redisPipeline) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
