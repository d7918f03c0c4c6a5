// Package token implements the Token Engine: HS256 issuance, verification,
// refresh, and revocation orchestration (spec §4.4), generalized from the
// teacher's RS256 JWTProvider.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/blacklist"
	"github.com/lavente-care/auth-core/internal/kv"
)

var (
	ErrInvalidToken = errors.New("token: invalid token")
	ErrExpiredToken = errors.New("token: expired")
	ErrWrongType    = errors.New("token: wrong token type for operation")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the JWT claim set (spec §6 bearer-token surface).
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Principal is a verified user identity, roles, and permissions. The
// Engine returns this on successful verification; it does not represent a
// storage row.
type Principal struct {
	UserID      string
	Email       string
	Name        string
	Roles       []string
	Permissions []string
}

// UserSource supplies the fields the engine signs into a token. Callers
// (the Orchestrator) implement this from whatever already carries the
// user's roles/permissions at issuance time.
type UserSource struct {
	UserID      string
	Email       string
	Name        string
	Roles       []string
	Permissions []string
}

// Pair is a freshly issued access+refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Config controls signing parameters (spec §6 JWT config block).
type Config struct {
	Secret           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Issuer           string
	Audience         string
	Kid              string
}

// Engine issues and verifies tokens, mirroring each into the KV so they
// can be enumerated for user-wide revocation, and consults the Blacklist
// on verification.
type Engine struct {
	cfg        Config
	kv         kv.KV
	blacklist  *blacklist.Blacklist
}

// New builds a Token Engine. bl may be nil only in tests that don't care
// about revocation.
func New(cfg Config, store kv.KV, bl *blacklist.Blacklist) *Engine {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Kid == "" {
		cfg.Kid = "hs-1"
	}
	return &Engine{cfg: cfg, kv: store, blacklist: bl}
}

// GenerateTokens signs a fresh access+refresh pair for user and mirrors
// both into the KV (spec §4.4 generateTokens).
func (e *Engine) GenerateTokens(ctx context.Context, user UserSource) (*Pair, error) {
	now := time.Now()

	access, accessExp, accessJTI, err := e.sign(user, TypeAccess, now, e.cfg.AccessTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "token: sign access token", err)
	}
	refresh, refreshExp, refreshJTI, err := e.sign(user, TypeRefresh, now, e.cfg.RefreshTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "token: sign refresh token", err)
	}

	if err := e.mirror(ctx, user.UserID, access, accessJTI, e.cfg.AccessTTL); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "token: mirror access token", err)
	}
	if err := e.mirror(ctx, user.UserID, refresh, refreshJTI, e.cfg.RefreshTTL); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "token: mirror refresh token", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (e *Engine) sign(user UserSource, typ string, now time.Time, ttl time.Duration) (string, time.Time, string, error) {
	jti := uuid.New().String()
	exp := now.Add(ttl)

	claims := Claims{
		Email:       user.Email,
		Name:        user.Name,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = e.cfg.Kid
	signed, err := tok.SignedString([]byte(e.cfg.Secret))
	if err != nil {
		return "", time.Time{}, "", err
	}
	return signed, exp, jti, nil
}

func (e *Engine) mirror(ctx context.Context, userID, signed, jti string, ttl time.Duration) error {
	key := fmt.Sprintf("token:%s:%s", userID, hashToken(signed))
	return e.kv.SetEx(ctx, key, ttl, jti)
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

// parse verifies signature and structure only; it does not consult the
// blacklist.
func (e *Engine) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(e.cfg.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyToken validates signature, expiry, and revocation status, and
// returns the embedded principal (spec §4.4 verifyToken / "Verify bearer
// token" hot path).
func (e *Engine) VerifyToken(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := e.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if e.blacklist != nil {
		iat := time.Time{}
		if claims.IssuedAt != nil {
			iat = claims.IssuedAt.Time
		}
		exp := time.Time{}
		if claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		info := blacklist.TokenInfo{JTI: claims.ID, UserID: claims.Subject, IAT: iat, Exp: exp}
		if e.blacklist.IsRevoked(ctx, info) {
			return nil, apperr.New(apperr.TokenRevoked, "token has been revoked")
		}
	}

	return &Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

// RefreshResult carries the new pair plus the identity it was reissued for,
// so the Orchestrator can re-enrich permissions before returning it.
type RefreshResult struct {
	Pair      *Pair
	Principal *Principal
}

// RefreshSource re-fetches current roles/permissions for a subject at
// refresh time, since a long-lived refresh token's embedded claims may be
// stale relative to a role change that happened since issuance.
type RefreshSource func(ctx context.Context, userID string) (UserSource, error)

// RefreshToken verifies a refresh token, optionally revokes it (rotation),
// and issues a new pair (spec §4.4 refreshToken). rotateOld controls
// whether the presented refresh token's jti is revoked on success.
func (e *Engine) RefreshToken(ctx context.Context, refreshToken string, rotateOld bool, resolve RefreshSource) (*RefreshResult, error) {
	claims, err := e.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, ErrWrongType
	}

	if e.blacklist != nil {
		iat := time.Time{}
		if claims.IssuedAt != nil {
			iat = claims.IssuedAt.Time
		}
		exp := time.Time{}
		if claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		info := blacklist.TokenInfo{JTI: claims.ID, UserID: claims.Subject, IAT: iat, Exp: exp}
		if e.blacklist.IsRevoked(ctx, info) {
			return nil, apperr.New(apperr.TokenRevoked, "refresh token has been revoked")
		}
	}

	user := UserSource{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
	if resolve != nil {
		if fresh, err := resolve(ctx, claims.Subject); err == nil {
			user = fresh
		}
	}

	pair, err := e.GenerateTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	if rotateOld && e.blacklist != nil {
		exp := time.Time{}
		if claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		iat := time.Time{}
		if claims.IssuedAt != nil {
			iat = claims.IssuedAt.Time
		}
		_ = e.blacklist.StoreRevocation(ctx, blacklist.TokenInfo{
			JTI: claims.ID, UserID: claims.Subject, IAT: iat, Exp: exp,
		}, blacklist.ReasonPolicy, claims.Subject, nil)
	}

	return &RefreshResult{
		Pair: pair,
		Principal: &Principal{
			UserID: user.UserID, Email: user.Email, Name: user.Name,
			Roles: user.Roles, Permissions: user.Permissions,
		},
	}, nil
}

// RevokeToken revokes a single already-issued token (spec §4.4 logout with
// a known token).
func (e *Engine) RevokeToken(ctx context.Context, tokenString string, reason blacklist.Reason, by string) error {
	if e.blacklist == nil {
		return nil
	}
	claims, err := e.parse(tokenString)
	if err != nil {
		return err
	}
	exp := time.Time{}
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	iat := time.Time{}
	if claims.IssuedAt != nil {
		iat = claims.IssuedAt.Time
	}
	return e.blacklist.StoreRevocation(ctx, blacklist.TokenInfo{
		JTI: claims.ID, UserID: claims.Subject, IAT: iat, Exp: exp,
	}, reason, by, nil)
}

// RevokeAllUserTokens revokes every token the user currently holds or may
// present: it writes the blacklist's user-wide rule (which alone is
// sufficient for verification, since VerifyToken rejects anything issued
// before it), then enumerates the user's mirrored token keys and batch
// revokes each individually so the per-token audit trail reflects the bulk
// revocation too (spec §4.4 logout without a known token, and deleteUser:
// "enumerate token:<userId>:* from the KV and revoke each").
func (e *Engine) RevokeAllUserTokens(ctx context.Context, userID string, reason blacklist.Reason, by string) error {
	if e.blacklist == nil {
		return nil
	}
	if err := e.blacklist.StoreUserRevocation(ctx, userID, reason, by, nil); err != nil {
		return err
	}

	keys, err := e.kv.Keys(ctx, fmt.Sprintf("token:%s:*", userID))
	if err != nil {
		// The user-wide rule above already blocks every token at verify
		// time; per-token audit enumeration is best-effort on top of it.
		return nil
	}
	toks := make([]blacklist.TokenInfo, 0, len(keys))
	for _, key := range keys {
		jti, err := e.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		toks = append(toks, blacklist.TokenInfo{JTI: jti, UserID: userID})
	}
	if len(toks) > 0 {
		e.blacklist.BatchRevoke(ctx, toks, reason, by)
	}
	return nil
}

// JWK is a single entry of a JSON Web Key Set.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// JWKS is the standard JSON Web Key Set envelope.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// GetJWKS returns the engine's public verification keys. HS256 has no
// public key to publish, so this always returns an empty set; the method
// exists so that callers and transport bindings written against a JWKS
// endpoint keep working unchanged if the engine is ever reconfigured for
// RS256.
func (e *Engine) GetJWKS() JWKS {
	return JWKS{Keys: []JWK{}}
}
