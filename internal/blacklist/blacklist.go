// Package blacklist implements the Token Blacklist: the revocation store
// fronting the KV (spec §4.3). Writes are fail-closed and wrapped in
// retry+circuit-breaker; reads are fail-open and never touch the breaker.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/sony/gobreaker"
)

const (
	tokenKeyPrefix     = "jwt:blacklist:token:"
	userKeyPrefix      = "jwt:blacklist:user:"
	userTokensSuffix   = ":tokens"
	userRevokedSuffix  = ":revoked"
	auditKeyPrefix     = "jwt:blacklist:audit:"
	legacyRevokedPrefx = "revoked:"
	auditTTL           = 90 * 24 * time.Hour
	legacyFastPathTTL  = 24 * time.Hour
)

// Reason enumerates why a token or user was revoked (spec §3).
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonAdmin          Reason = "admin"
	ReasonBreach         Reason = "breach"
	ReasonPasswordChange Reason = "password-change"
	ReasonSuspended      Reason = "suspended"
	ReasonCompromised    Reason = "compromised"
	ReasonExpired        Reason = "expired"
	ReasonPolicy         Reason = "policy"
)

// Record is the per-token revocation entry (spec §3 RevocationRecord).
type Record struct {
	TokenID         string         `json:"tokenId"`
	UserID          string         `json:"userId"`
	Reason          Reason         `json:"reason"`
	RevokedAt       time.Time      `json:"revokedAt"`
	RevokedAtMillis int64          `json:"revokedAtMillis"`
	RevokedBy       string         `json:"revokedBy,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	DeviceID        string         `json:"deviceId,omitempty"`
	IPAddress       string         `json:"ipAddress,omitempty"`
	UserAgent       string         `json:"userAgent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UserRecord is the per-user revocation entry (spec §3 UserRevocationRecord).
type UserRecord struct {
	UserID          string         `json:"userId"`
	Reason          Reason         `json:"reason"`
	RevokedAt       time.Time      `json:"revokedAt"`
	RevokedAtMillis int64          `json:"revokedAtMillis"`
	RevokedBy       string         `json:"revokedBy,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TokenInfo is the minimum parsed-token shape callers must supply — the
// blacklist itself does not verify signatures, only trusts already-parsed
// claims (spec §4.3 "validate token (parse header+payload+signature
// structure...)" is the Token Engine's job before calling in here).
type TokenInfo struct {
	JTI    string
	UserID string
	IAT    time.Time
	Exp    time.Time
}

// Config controls retention, batching, and the circuit breaker.
type Config struct {
	RetentionBufferDays int
	UserRetentionDays   int
	BatchSize           int
	CBThreshold         uint32
	CBTimeout           time.Duration
	CBResetTimeout      time.Duration
}

// Blacklist is the revocation store.
type Blacklist struct {
	kv     kv.KV
	cache  *cache.Cache
	logger *slog.Logger
	cfg    Config
	cb     *gobreaker.CircuitBreaker
}

// New builds a Blacklist. cache may be nil to disable the read-through
// cache (reads then always hit the KV).
func New(store kv.KV, c *cache.Cache, logger *slog.Logger, cfg Config) *Blacklist {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CBThreshold <= 0 {
		cfg.CBThreshold = 5
	}
	if cfg.CBTimeout <= 0 {
		cfg.CBTimeout = 10 * time.Second
	}
	if cfg.CBResetTimeout <= 0 {
		cfg.CBResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "blacklist-kv-write",
		Timeout: cfg.CBResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBThreshold
		},
	})

	return &Blacklist{kv: store, cache: c, logger: logger, cfg: cfg, cb: cb}
}

// StoreRevocation revokes a single token. Write path: fail-closed — any
// error means the record is NOT considered stored (spec §4.3).
func (b *Blacklist) StoreRevocation(ctx context.Context, tok TokenInfo, reason Reason, by string, meta map[string]any) error {
	now := time.Now()
	if !tok.Exp.After(now) {
		// Already expired; nothing to revoke, but idempotently succeed.
		return nil
	}

	record := Record{
		TokenID:         tok.JTI,
		UserID:          tok.UserID,
		Reason:          reason,
		RevokedAt:       now,
		RevokedAtMillis: now.UnixMilli(),
		RevokedBy:       by,
		Metadata:        meta,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "blacklist: marshal record", err)
	}

	ttl := time.Duration(0)
	if remaining := tok.Exp.Sub(now); remaining > 0 {
		ttl = remaining
	}
	ttl += time.Duration(b.cfg.RetentionBufferDays) * 24 * time.Hour

	auditKey := auditKeyPrefix + now.Format("2006-01-02")
	userTokensKey := userKeyPrefix + tok.UserID + userTokensSuffix

	err = b.writeWithResilience(ctx, func(ctx context.Context) error {
		pipe := b.kv.Pipeline()
		pipe.SetEx(tokenKeyPrefix+tok.JTI, ttl, string(payload))
		pipe.SAdd(userTokensKey, tok.JTI)
		pipe.Expire(userTokensKey, ttl)
		pipe.ZAdd(auditKey, float64(now.UnixMilli()), string(payload))
		pipe.Expire(auditKey, auditTTL)
		return pipe.Exec(ctx)
	})
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "blacklist: store revocation failed", err)
	}

	if b.cache != nil {
		b.cache.Invalidate(cache.Validation, "jwt", tok.JTI)
	}
	return nil
}

// StoreUserRevocation revokes every token a user may hold, present or
// future-issued-before-now, via the "iat < revokedAtMillis" rule.
func (b *Blacklist) StoreUserRevocation(ctx context.Context, userID string, reason Reason, by string, meta map[string]any) error {
	now := time.Now()
	record := UserRecord{
		UserID:          userID,
		Reason:          reason,
		RevokedAt:       now,
		RevokedAtMillis: now.UnixMilli(),
		RevokedBy:       by,
		Metadata:        meta,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "blacklist: marshal user record", err)
	}

	ttl := time.Duration(b.cfg.UserRetentionDays) * 24 * time.Hour
	key := userKeyPrefix + userID + userRevokedSuffix

	err = b.writeWithResilience(ctx, func(ctx context.Context) error {
		return b.kv.SetEx(ctx, key, ttl, string(payload))
	})
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "blacklist: store user revocation failed", err)
	}

	if b.cache != nil {
		b.cache.InvalidatePattern(cache.Validation, "jwt")
	}
	return nil
}

// GetUserRevocation fetches the UserRecord for userID, if any. Fail-open:
// KV errors are reported as "no record" rather than propagated, since this
// sits on the read path.
func (b *Blacklist) GetUserRevocation(ctx context.Context, userID string) (*UserRecord, bool) {
	key := userKeyPrefix + userID + userRevokedSuffix
	raw, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var rec UserRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		b.logger.Error("blacklist_user_record_corrupt", "user_id", userID, "error", err)
		return nil, false
	}
	return &rec, true
}

// IsRevoked answers whether tok is revoked, consulting cache, then the
// direct per-token record, then the user-wide record. Fail-open throughout:
// any KV error is treated as "not revoked" so an outage never blocks
// already-legitimate traffic (spec §4.3, §7).
func (b *Blacklist) IsRevoked(ctx context.Context, tok TokenInfo) bool {
	if b.cache != nil {
		if v, ok := b.cache.Get(cache.Validation, "jwt", tok.JTI); ok {
			if revoked, ok := v.(bool); ok {
				return revoked
			}
		}
	}

	revoked := b.checkDirect(ctx, tok.JTI) || b.checkUserWide(ctx, tok)

	if b.cache != nil {
		b.cache.Set(cache.Validation, "jwt", tok.JTI, revoked, 5*time.Minute)
	}
	return revoked
}

func (b *Blacklist) checkDirect(ctx context.Context, jti string) bool {
	_, err := b.kv.Get(ctx, tokenKeyPrefix+jti)
	if err == nil {
		return true
	}
	if errors.Is(err, kv.ErrNotFound) {
		// Legacy fast-path key "revoked:<jti>", kept for backward
		// compatibility with callers that only ever wrote that shortcut.
		_, err = b.kv.Get(ctx, legacyRevokedPrefx+jti)
		return err == nil
	}
	// KV error: fail open.
	return false
}

func (b *Blacklist) checkUserWide(ctx context.Context, tok TokenInfo) bool {
	rec, ok := b.GetUserRevocation(ctx, tok.UserID)
	if !ok {
		return false
	}
	return tok.IAT.UnixMilli() < rec.RevokedAtMillis
}

// BatchRevoke revokes many tokens, chunking into Config.BatchSize pipelined
// writes. Partial success is the success model: the returned map reports
// one bool per JTI.
func (b *Blacklist) BatchRevoke(ctx context.Context, toks []TokenInfo, reason Reason, by string) map[string]bool {
	results := make(map[string]bool, len(toks))
	batchSize := b.cfg.BatchSize

	for start := 0; start < len(toks); start += batchSize {
		end := start + batchSize
		if end > len(toks) {
			end = len(toks)
		}
		chunk := toks[start:end]

		now := time.Now()
		auditKey := auditKeyPrefix + now.Format("2006-01-02")

		err := b.writeWithResilience(ctx, func(ctx context.Context) error {
			pipe := b.kv.Pipeline()
			for _, tok := range chunk {
				record := Record{
					TokenID: tok.JTI, UserID: tok.UserID, Reason: reason,
					RevokedAt: now, RevokedAtMillis: now.UnixMilli(), RevokedBy: by,
				}
				payload, err := json.Marshal(record)
				if err != nil {
					continue
				}
				ttl := time.Duration(0)
				if remaining := tok.Exp.Sub(now); remaining > 0 {
					ttl = remaining
				}
				ttl += time.Duration(b.cfg.RetentionBufferDays) * 24 * time.Hour
				pipe.SetEx(tokenKeyPrefix+tok.JTI, ttl, string(payload))
				pipe.ZAdd(auditKey, float64(now.UnixMilli()), string(payload))
			}
			pipe.Expire(auditKey, auditTTL)
			return pipe.Exec(ctx)
		})

		for _, tok := range chunk {
			results[tok.JTI] = err == nil
		}
	}

	if b.cache != nil {
		for _, tok := range toks {
			if results[tok.JTI] {
				b.cache.Invalidate(cache.Validation, "jwt", tok.JTI)
			}
		}
	}
	return results
}

// CleanupExpired is a best-effort sweep that drops blacklist keys whose
// TTL the KV itself has not yet reaped (Redis handles actual expiry; this
// mainly trims the user-tokens index sets which don't carry per-member
// TTL). It is safe to run from a periodic worker.
func (b *Blacklist) CleanupExpired(ctx context.Context, userID string) error {
	key := userKeyPrefix + userID + userTokensSuffix
	jtis, err := b.kv.SMembers(ctx, key)
	if err != nil {
		return err
	}
	for _, jti := range jtis {
		if _, err := b.kv.Get(ctx, tokenKeyPrefix+jti); errors.Is(err, kv.ErrNotFound) {
			_ = b.kv.SRem(ctx, key, jti)
		}
	}
	return nil
}

// HealthCheck reports whether the backing KV is reachable.
func (b *Blacklist) HealthCheck(ctx context.Context) error {
	return b.kv.HealthCheck(ctx)
}

// writeWithResilience runs fn under the circuit breaker, retrying
// transient failures with exponential backoff inside each breaker call
// (spec §4.3: "retry-with-exponential-backoff + circuit breaker").
func (b *Blacklist) writeWithResilience(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		return nil, backoff.Retry(func() error {
			return fn(ctx)
		}, bo)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("blacklist: circuit open: %w", err)
	}
	return err
}

// NewTokenID generates a random jti for a freshly issued token.
func NewTokenID() string {
	return uuid.New().String()
}
