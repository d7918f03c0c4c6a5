// Package session implements the Session Manager: session CRUD, activity
// refresh, rotation, encrypted token storage, concurrency cap, and
// fingerprint/IP/UA binding (spec §4.5, §3 Session).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
)

var (
	ErrNotFound        = errors.New("session: not found")
	ErrFingerprintMismatch = errors.New("session: fingerprint mismatch")
)

const sessionKeyPrefix = "session:"

func userSessionsKey(userID string) string {
	return "user:" + userID + ":sessions"
}

// Session is the persisted record (spec §3).
type Session struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId"`
	IdPSessionID      string         `json:"keycloakSessionId,omitempty"`
	AccessToken       string         `json:"accessToken"`
	RefreshToken      string         `json:"refreshToken"`
	IDToken           string         `json:"idToken,omitempty"`
	TokenExpiresAt    time.Time      `json:"tokenExpiresAt"`
	RefreshExpiresAt  time.Time      `json:"refreshExpiresAt"`
	Fingerprint       string         `json:"fingerprint"`
	DeviceInfo        string         `json:"deviceInfo,omitempty"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	UserAgent         string         `json:"userAgent,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	RotatedAt         time.Time      `json:"rotatedAt"`
	LastActivity      time.Time      `json:"lastActivity"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	IsActive          bool           `json:"isActive"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CreateParams is the input to Create.
type CreateParams struct {
	UserID       string
	IdPSessionID string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenTTL     time.Duration
	RefreshTTL   time.Duration
	DeviceInfo   string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
}

// Config controls the manager's lifecycle policy (spec §6 Session config).
type Config struct {
	TTL                         time.Duration
	RefreshThreshold            time.Duration
	MaxConcurrentSessions       int
	EnforceIPConsistency        bool
	EnforceUserAgentConsistency bool
	TokenEncryption             bool
	RotationInterval            time.Duration
	EncryptionMasterKey         string
	EncryptionSalt              string
	KDFIterations               int
}

// Manager owns all Session records exclusively (spec §3 ownership note).
type Manager struct {
	kv     kv.KV
	cache  *cache.Cache
	cfg    Config
	cipher *tokenCipher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Session Manager, deriving the at-rest encryption key once
// from the configured master secret (spec §5 "Encryption key" policy).
func New(store kv.KV, c *cache.Cache, cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 5 * time.Minute
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 5
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 24 * time.Hour
	}

	m := &Manager{kv: store, cache: c, cfg: cfg, locks: make(map[string]*sync.Mutex)}

	if cfg.TokenEncryption {
		if cfg.EncryptionMasterKey == "" {
			return nil, apperr.New(apperr.ServiceError, "session: token encryption enabled but no master key configured")
		}
		c, err := newTokenCipher(cfg.EncryptionMasterKey, cfg.EncryptionSalt, cfg.KDFIterations)
		if err != nil {
			return nil, apperr.Wrap(apperr.ServiceError, "session: build cipher", err)
		}
		m.cipher = c
	}

	return m, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) encrypt(v string) (string, error) {
	if m.cipher == nil {
		return v, nil
	}
	return m.cipher.Encrypt(v)
}

func (m *Manager) decrypt(v string) (string, error) {
	if m.cipher == nil {
		return v, nil
	}
	return m.cipher.Decrypt(v)
}

// Create builds and persists a new session, evicting the user's oldest
// session first if the concurrency cap would otherwise be exceeded (spec
// §4.5 concurrency cap).
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if err := m.enforceConcurrencyCap(ctx, p.UserID); err != nil {
		return nil, err
	}

	now := time.Now()
	ttl := p.TokenTTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}

	encAccess, err := m.encrypt(p.AccessToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: encrypt access token", err)
	}
	encRefresh, err := m.encrypt(p.RefreshToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: encrypt refresh token", err)
	}
	encID := ""
	if p.IDToken != "" {
		encID, err = m.encrypt(p.IDToken)
		if err != nil {
			return nil, apperr.Wrap(apperr.ServiceError, "session: encrypt id token", err)
		}
	}

	s := &Session{
		ID:               uuid.New().String(),
		UserID:           p.UserID,
		IdPSessionID:     p.IdPSessionID,
		AccessToken:      encAccess,
		RefreshToken:     encRefresh,
		IDToken:          encID,
		TokenExpiresAt:   now.Add(ttl),
		RefreshExpiresAt: now.Add(p.RefreshTTL),
		Fingerprint:      Fingerprint(p.UserID, p.UserAgent, p.IPAddress),
		DeviceInfo:       p.DeviceInfo,
		IPAddress:        p.IPAddress,
		UserAgent:        p.UserAgent,
		CreatedAt:        now,
		RotatedAt:        now,
		LastActivity:     now,
		ExpiresAt:        now.Add(m.cfg.TTL),
		IsActive:         true,
		Metadata:         p.Metadata,
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	pipe := m.kv.Pipeline()
	pipe.SAdd(userSessionsKey(p.UserID), s.ID)
	pipe.Expire(userSessionsKey(p.UserID), m.cfg.TTL)
	if err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: index session", err)
	}

	return m.redacted(s), nil
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "session: marshal", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := m.kv.SetEx(ctx, sessionKeyPrefix+s.ID, ttl, string(payload)); err != nil {
		return apperr.Wrap(apperr.ServiceError, "session: persist", err)
	}
	if m.cache != nil {
		m.cache.Set(cache.Data, "session", s.ID, s, 5*time.Minute)
	}
	return nil
}

// redacted returns a shallow copy with decrypted tokens for the caller;
// tokens are only ever decrypted on the way out, never logged.
func (m *Manager) redacted(s *Session) *Session {
	out := *s
	if access, err := m.decrypt(s.AccessToken); err == nil {
		out.AccessToken = access
	}
	if refresh, err := m.decrypt(s.RefreshToken); err == nil {
		out.RefreshToken = refresh
	}
	if s.IDToken != "" {
		if idTok, err := m.decrypt(s.IDToken); err == nil {
			out.IDToken = idTok
		}
	}
	return &out
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	if m.cache != nil {
		if v, ok := m.cache.Get(cache.Data, "session", id); ok {
			if s, ok := v.(*Session); ok {
				return s, nil
			}
		}
	}

	raw, err := m.kv.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Wrap(apperr.ServiceError, "session: load", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: corrupt record", err)
	}
	if m.cache != nil {
		m.cache.Set(cache.Data, "session", id, &s, 5*time.Minute)
	}
	return &s, nil
}

// Get fetches a session, verifying fingerprint consistency when the
// caller supplies userAgent/ipAddress and the manager is configured to
// enforce them (spec §4.5).
func (m *Manager) Get(ctx context.Context, id, userAgent, ipAddress string) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, ErrNotFound
	}

	if m.cfg.EnforceIPConsistency || m.cfg.EnforceUserAgentConsistency {
		ua, ip := s.UserAgent, s.IPAddress
		if m.cfg.EnforceUserAgentConsistency {
			ua = userAgent
		}
		if m.cfg.EnforceIPConsistency {
			ip = ipAddress
		}
		if Fingerprint(s.UserID, ua, ip) != s.Fingerprint {
			return nil, ErrFingerprintMismatch
		}
	}

	return m.redacted(s), nil
}

// RequiresRotation reports whether a session has stood since its last
// rotation longer than the configured rotation interval (spec §3 "rotated
// every sessionRotationInterval").
func (m *Manager) RequiresRotation(s *Session) bool {
	return time.Since(s.RotatedAt) >= m.cfg.RotationInterval
}

// UpdateActivity refreshes lastActivity and, if the remaining TTL has
// fallen below the configured refresh threshold, extends expiresAt by a
// full TTL window (sliding window, spec §3/§4.5). Writes for a given
// session id are serialized by a per-session lock (spec §5 ordering
// guarantee).
func (m *Manager) UpdateActivity(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !s.IsActive {
		return ErrNotFound
	}

	s.LastActivity = time.Now()
	if time.Until(s.ExpiresAt) < m.cfg.RefreshThreshold {
		s.ExpiresAt = time.Now().Add(m.cfg.TTL)
	}

	return m.persist(ctx, s)
}

// Rotate issues the session a new id while preserving its tokens and
// metadata, invalidating the old id (spec §3 "rotated every
// sessionRotationInterval"). Callers schedule this periodically; Rotate
// itself is idempotent-safe to call early.
func (m *Manager) Rotate(ctx context.Context, id string) (*Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, ErrNotFound
	}

	oldID := s.ID
	s.ID = uuid.New().String()
	s.RotatedAt = time.Now()

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}

	if err := m.kv.Del(ctx, sessionKeyPrefix+oldID); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: invalidate old id", err)
	}
	if m.cache != nil {
		m.cache.Invalidate(cache.Data, "session", oldID)
	}

	pipe := m.kv.Pipeline()
	pipe.SRem(userSessionsKey(s.UserID), oldID)
	pipe.SAdd(userSessionsKey(s.UserID), s.ID)
	if err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: reindex rotated session", err)
	}

	return m.redacted(s), nil
}

// Destroy deactivates and removes a single session (spec §4.5 logout with
// a known sessionId).
func (m *Manager) Destroy(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := m.kv.Del(ctx, sessionKeyPrefix+id); err != nil {
		return apperr.Wrap(apperr.ServiceError, "session: destroy", err)
	}
	if m.cache != nil {
		m.cache.Invalidate(cache.Data, "session", id)
	}
	_ = m.kv.SRem(ctx, userSessionsKey(s.UserID), id)
	return nil
}

// DestroyAllForUser destroys every session for a user (spec §4.5 logout
// without a known session id, and deleteUser). Failures destroying
// individual sessions are accumulated but do not stop the sweep — partial
// success is acceptable (spec §4.4 "do not fail overall if session
// deletion partially fails").
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string) error {
	ids, err := m.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "session: list user sessions", err)
	}

	var firstErr error
	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = m.kv.Del(ctx, userSessionsKey(userID))
	return firstErr
}

// ListForUser returns the active sessions belonging to a user (spec §4.5
// "get sessions").
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "session: list user sessions", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if s.IsActive {
			sessions = append(sessions, m.redacted(s))
		}
	}
	return sessions, nil
}

func (m *Manager) enforceConcurrencyCap(ctx context.Context, userID string) error {
	ids, err := m.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "session: check concurrency cap", err)
	}
	if len(ids) < m.cfg.MaxConcurrentSessions {
		return nil
	}

	var oldest *Session
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil
	}
	return m.Destroy(ctx, oldest.ID)
}

// HealthCheck reports whether the backing KV is reachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.kv.HealthCheck(ctx)
}
