// Package cache implements the Secure Cache: a dual LRU+TTL cache for
// permissions, sessions, token-validation results, and user-info (spec
// §4.2). It fails open — any internal error is treated as a cache miss so
// a flaky cache never blocks a request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind selects which of the two LRU levels an entry belongs to.
type Kind int

const (
	// Validation holds short-lived token-verification results.
	Validation Kind = iota
	// Data holds permissions, roles, session snapshots, and user-info —
	// generally larger values with a longer TTL.
	Data
)

// hashThreshold is the longest printable literal we pass straight through;
// anything longer is hashed, per spec §4.2.
const hashThreshold = 48

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is the Secure Cache. It is safe for concurrent use: lookups and
// single-key mutations use the LRU's own internal locking, and
// InvalidatePattern additionally holds the cache's own mutex while it scans.
type Cache struct {
	mu         sync.Mutex
	validation *lru.Cache[string, entry]
	data       *lru.Cache[string, entry]
}

// Config bounds the two LRU levels by entry count.
type Config struct {
	ValidationSize int
	DataSize       int
}

// New builds a Secure Cache. Size <= 0 falls back to a sane default so a
// zero-value Config doesn't disable caching outright.
func New(cfg Config) (*Cache, error) {
	if cfg.ValidationSize <= 0 {
		cfg.ValidationSize = 10_000
	}
	if cfg.DataSize <= 0 {
		cfg.DataSize = 50_000
	}

	validation, err := lru.New[string, entry](cfg.ValidationSize)
	if err != nil {
		return nil, err
	}
	data, err := lru.New[string, entry](cfg.DataSize)
	if err != nil {
		return nil, err
	}
	return &Cache{validation: validation, data: data}, nil
}

func (c *Cache) levelFor(kind Kind) *lru.Cache[string, entry] {
	if kind == Validation {
		return c.validation
	}
	return c.data
}

// cacheKey builds "<prefix>:<key>" for short literals, or
// "<prefix>:<sha256(key)>" for long/complex keys, per spec §4.2.
func cacheKey(prefix, key string) string {
	if len(key) <= hashThreshold {
		return prefix + ":" + key
	}
	sum := sha256.Sum256([]byte(key))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached value for (kind, prefix, key) and whether it was
// found and unexpired. A stale-but-present entry counts as a miss and is
// evicted lazily.
func (c *Cache) Get(kind Kind, prefix, key string) (any, bool) {
	level := c.levelFor(kind)
	ck := cacheKey(prefix, key)

	e, ok := level.Get(ck)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		level.Remove(ck)
		return nil, false
	}
	return e.value, true
}

// Set stores value under (kind, prefix, key) with the given TTL.
func (c *Cache) Set(kind Kind, prefix, key string, value any, ttl time.Duration) {
	level := c.levelFor(kind)
	ck := cacheKey(prefix, key)
	level.Add(ck, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Invalidate removes a single (kind, prefix, key) entry.
func (c *Cache) Invalidate(kind Kind, prefix, key string) {
	c.levelFor(kind).Remove(cacheKey(prefix, key))
}

// InvalidatePattern removes every entry in the given kind whose stored key
// (post-hashing) starts with "<prefix>:". golang-lru has no native scan,
// so this walks the current key set under lock — acceptable since
// invalidation is rare relative to lookups (role/permission mutation,
// spec §4.6).
func (c *Cache) InvalidatePattern(kind Kind, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	level := c.levelFor(kind)
	want := prefix + ":"
	for _, k := range level.Keys() {
		if strings.HasPrefix(k, want) {
			level.Remove(k)
		}
	}
}

// Len reports the number of entries in a level, including expired entries
// not yet evicted, mainly for tests and health checks.
func (c *Cache) Len(kind Kind) int {
	return c.levelFor(kind).Len()
}
