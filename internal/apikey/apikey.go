// Package apikey implements the API-Key Service: generation, hashing,
// validation, rotation, per-user listing, and usage counting (spec §4.7).
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
	"golang.org/x/crypto/bcrypt"
)

const (
	previewLen     = 8
	defaultPrefix  = "lvk"
	randomBytes    = 32
	keyKeyPrefix   = "apikey:"
	validationTTL  = 10 * time.Minute
)

var (
	ErrInactive = apperr.New(apperr.Unauthorized, "api key is inactive")
	ErrExpired  = apperr.New(apperr.Unauthorized, "api key has expired")
	ErrInvalid  = apperr.New(apperr.Unauthorized, "invalid api key")
	ErrNotFound = errors.New("apikey: not found")
)

// Key is the persisted record (spec §3 ApiKey). The raw key material is
// never stored — only its bcrypt hash and a short cleartext preview.
type Key struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	UserID      string         `json:"userId"`
	KeyHash     string         `json:"keyHash"`
	KeyPreview  string         `json:"keyPreview"`
	Scopes      []string       `json:"scopes,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	IsActive    bool           `json:"isActive"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time     `json:"lastUsedAt,omitempty"`
	UsageCount  int64          `json:"usageCount"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Summary is what List returns: never the hash or raw key (spec §4.7 List).
type Summary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPreview string     `json:"keyPreview"`
	Scopes     []string   `json:"scopes,omitempty"`
	IsActive   bool       `json:"isActive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount int64      `json:"usageCount"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CreateParams is the input to Create.
type CreateParams struct {
	Name        string
	UserID      string
	Scopes      []string
	Permissions []string
	ExpiresAt   *time.Time
	Metadata    map[string]any
}

// Config controls hashing cost and cleanup grace.
type Config struct {
	Prefix       string
	HashRounds   int
	CleanupGrace time.Duration
}

// Service is the API-Key Service.
type Service struct {
	kv    kv.KV
	cache *cache.Cache
	cfg   Config
	audit audit.Logger
}

func New(store kv.KV, c *cache.Cache, cfg Config) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.HashRounds <= 0 {
		cfg.HashRounds = bcrypt.DefaultCost
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = 24 * time.Hour
	}
	return &Service{kv: store, cache: c, cfg: cfg, audit: audit.NoopLogger{}}
}

// SetAuditLogger wires a durable audit sink for key creation and
// revocation; without it, these events are only visible via the KV-backed
// cache invalidation side effects, not a queryable trail.
func (s *Service) SetAuditLogger(l audit.Logger) {
	if l == nil {
		l = audit.NoopLogger{}
	}
	s.audit = l
}

func userKeysIndex(userID string) string { return "user:" + userID + ":apikeys" }
func previewIndex(preview string) string { return "apikey:preview:" + preview }

// Create generates a fresh key, persists its record, and returns the
// record plus the raw key — the only time the raw value is ever available
// (spec §4.7 Create).
func (s *Service) Create(ctx context.Context, p CreateParams) (*Key, string, error) {
	raw := make([]byte, randomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", apperr.Wrap(apperr.ServiceError, "apikey: generate random bytes", err)
	}
	rawKey := fmt.Sprintf("%s_%s", s.cfg.Prefix, base64.RawURLEncoding.EncodeToString(raw))

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), s.cfg.HashRounds)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ServiceError, "apikey: hash key", err)
	}

	now := time.Now()
	key := &Key{
		ID:          uuid.New().String(),
		Name:        p.Name,
		UserID:      p.UserID,
		KeyHash:     string(hash),
		KeyPreview:  previewOf(rawKey),
		Scopes:      p.Scopes,
		Permissions: p.Permissions,
		IsActive:    true,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    p.Metadata,
	}

	if err := s.persist(ctx, key); err != nil {
		return nil, "", err
	}

	pipe := s.kv.Pipeline()
	pipe.SAdd(userKeysIndex(p.UserID), key.ID)
	pipe.SAdd(previewIndex(key.KeyPreview), key.ID)
	if err := pipe.Exec(ctx); err != nil {
		return nil, "", apperr.Wrap(apperr.ServiceError, "apikey: index key", err)
	}

	s.audit.Log(ctx, p.UserID, audit.EventAPIKeyCreated, key.ID, map[string]string{"name": p.Name})

	return key, rawKey, nil
}

func previewOf(rawKey string) string {
	if len(rawKey) <= previewLen {
		return rawKey
	}
	return rawKey[:previewLen]
}

func (s *Service) persist(ctx context.Context, key *Key) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "apikey: marshal", err)
	}
	if err := s.kv.SetEx(ctx, keyKeyPrefix+key.ID, 0, string(payload)); err != nil {
		return apperr.Wrap(apperr.ServiceError, "apikey: persist", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*Key, error) {
	raw, err := s.kv.Get(ctx, keyKeyPrefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Wrap(apperr.ServiceError, "apikey: load", err)
	}
	var key Key
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "apikey: corrupt record", err)
	}
	return &key, nil
}

// Validate parses the raw key, finds candidates sharing its keyPreview,
// and performs a constant-time bcrypt comparison against each — limiting
// bcrypt cost to one comparison per genuine candidate rather than a full
// table scan (spec §4.7 Validate, §9 Open Question resolution).
func (s *Service) Validate(ctx context.Context, rawKey string) (*Key, error) {
	preview := previewOf(rawKey)

	if s.cache != nil {
		if v, ok := s.cache.Get(cache.Validation, "apikey", hashRaw(rawKey)); ok {
			if key, ok := v.(*Key); ok {
				return key, nil
			}
			return nil, ErrInvalid
		}
	}

	candidates, err := s.kv.SMembers(ctx, previewIndex(preview))
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "apikey: lookup preview candidates", err)
	}

	for _, id := range candidates {
		key, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
			continue
		}

		if !key.IsActive {
			return nil, ErrInactive
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			return nil, ErrExpired
		}

		now := time.Now()
		key.LastUsedAt = &now
		key.UsageCount++
		_ = s.persist(ctx, key)

		if s.cache != nil {
			s.cache.Set(cache.Validation, "apikey", hashRaw(rawKey), key, validationTTL)
		}
		return key, nil
	}

	return nil, ErrInvalid
}

func hashRaw(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Rotate creates a new key for the same user/scopes and revokes the old
// one. The two steps are not transactional: if revocation fails after the
// new key is created, the new key is still returned and the old key stays
// active; Cleanup does not revoke it (spec §4.7 Rotate).
func (s *Service) Rotate(ctx context.Context, oldID string) (*Key, string, error) {
	old, err := s.load(ctx, oldID)
	if err != nil {
		return nil, "", err
	}

	fresh, rawKey, err := s.Create(ctx, CreateParams{
		Name: old.Name, UserID: old.UserID, Scopes: old.Scopes,
		Permissions: old.Permissions, ExpiresAt: old.ExpiresAt, Metadata: old.Metadata,
	})
	if err != nil {
		return nil, "", err
	}

	_ = s.Revoke(ctx, oldID)

	return fresh, rawKey, nil
}

// Revoke flips isActive to false and invalidates any cached validation
// decision (spec §4.7 Revoke).
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	key.IsActive = false
	key.UpdatedAt = time.Now()
	if err := s.persist(ctx, key); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidatePattern(cache.Validation, "apikey")
	}
	s.audit.Log(ctx, key.UserID, audit.EventAPIKeyRevoked, key.ID, nil)
	return nil
}

// List returns summaries of every key belonging to userID — never the
// hash or raw key (spec §4.7 List).
func (s *Service) List(ctx context.Context, userID string) ([]Summary, error) {
	ids, err := s.kv.SMembers(ctx, userKeysIndex(userID))
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "apikey: list", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		key, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ID: key.ID, Name: key.Name, KeyPreview: key.KeyPreview,
			Scopes: key.Scopes, IsActive: key.IsActive, ExpiresAt: key.ExpiresAt,
			LastUsedAt: key.LastUsedAt, UsageCount: key.UsageCount, CreatedAt: key.CreatedAt,
		})
	}
	return out, nil
}

// Cleanup deletes key records whose expiry plus the configured grace
// period has passed (spec §4.7 Cleanup).
func (s *Service) Cleanup(ctx context.Context, userID string) (int, error) {
	ids, err := s.kv.SMembers(ctx, userKeysIndex(userID))
	if err != nil {
		return 0, apperr.Wrap(apperr.ServiceError, "apikey: cleanup list", err)
	}

	removed := 0
	cutoff := time.Now().Add(-s.cfg.CleanupGrace)
	for _, id := range ids {
		key, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		if key.ExpiresAt == nil || key.ExpiresAt.After(cutoff) {
			continue
		}
		if err := s.kv.Del(ctx, keyKeyPrefix+id); err != nil {
			continue
		}
		_ = s.kv.SRem(ctx, userKeysIndex(userID), id)
		_ = s.kv.SRem(ctx, previewIndex(key.KeyPreview), id)
		removed++
	}
	return removed, nil
}
