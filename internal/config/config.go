// Package config holds typed configuration for every auth-core component,
// loaded from environment variables and validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lavente-care/auth-core/internal/crypto"
)

// JWT holds token signing configuration (spec §6).
type JWT struct {
	Secret           string
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
	Issuer           string
	Audience         string
}

// Session holds session-lifecycle configuration (spec §6).
type Session struct {
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

// CacheTTLs holds per-kind TTLs for the Secure Cache.
type CacheTTLs struct {
	JWT      time.Duration
	APIKey   time.Duration
	Session  time.Duration
	UserInfo time.Duration
}

// Cache holds Secure Cache configuration.
type Cache struct {
	Enabled bool
	TTL     CacheTTLs
}

// Security holds constant-time/hashing knobs.
type Security struct {
	ConstantTimeComparison  bool
	APIKeyHashRounds        int
	KeyDerivationIterations int
}

// Threat holds defensive-control thresholds (spec §6).
type Threat struct {
	MaxFailedAttempts        int
	LockoutDuration          time.Duration
	BruteForceWindow         time.Duration
	IPBlockDuration          time.Duration
	SuspiciousActivityThresh int
	EnableAutoLockout        bool
	EnableIPBlocking         bool
}

// CircuitBreaker holds the Blacklist's breaker configuration.
type CircuitBreaker struct {
	Threshold    uint32
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// Performance holds the Blacklist's batching configuration.
type Performance struct {
	BatchSize     int
	MaxConcurrent int
	Timeout       time.Duration
}

// Retention holds the Blacklist's TTL/retention configuration.
type Retention struct {
	TokenTTLDays int
	UserTTLDays  int
	AuditTTLDays int
}

// Blacklist holds Token Blacklist configuration.
type Blacklist struct {
	CircuitBreaker CircuitBreaker
	Performance    Performance
	Retention      Retention
}

// KV holds the remote key-value store connection configuration.
type KV struct {
	Addr     string
	Password string
	DB       int
}

// IdP holds the external identity provider's connection configuration
// (spec §4.8 IdP Adapter). ClientSecret and AdminPassword may be given as
// plaintext or as an "enc:"-prefixed value produced by crypto.EncryptSecret;
// Load decrypts them with SECRETS_ENCRYPTION_KEY if present.
type IdP struct {
	BaseURL        string
	Realm          string
	ClientID       string
	ClientSecret   string
	AdminUsername  string
	AdminPassword  string
	RequestTimeout time.Duration
}

// Config is the top-level, validated configuration for the auth-core process.
type Config struct {
	Env         string
	JWT         JWT
	Session     Session
	Cache       Cache
	Security    Security
	Threat      Threat
	Blacklist   Blacklist
	KV          KV
	IdP         IdP
	DatabaseURL string

	// RotateOnRefresh is loaded from AUTH_ROTATE_ON_REFRESH (default true),
	// but no component reads it: whether a refresh revokes the old refresh
	// token's jti is decided per request by the "rotate" field of
	// POST /api/v1/auth/refresh, which defaults to false.
	RotateOnRefresh bool

	// AllowPublicRegistration mirrors the teacher's AuthConfig toggle.
	AllowPublicRegistration bool
	DefaultAppURL           string
}

// Load reads configuration from environment variables, applying the
// defaults named in spec §6.
func Load() Config {
	return Config{
		Env: getEnv("APP_ENV", "development"),
		JWT: JWT{
			Secret:           os.Getenv("JWT_SECRET"),
			ExpiresIn:        getEnvAsDuration("JWT_EXPIRES_IN", time.Hour),
			RefreshExpiresIn: getEnvAsDuration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour),
			Issuer:           getEnv("JWT_ISSUER", "auth-core"),
			Audience:         getEnv("JWT_AUDIENCE", "auth-core-clients"),
		},
		Session: Session{
			TTL:                         getEnvAsDuration("SESSION_TTL", time.Hour),
			RefreshThreshold:            getEnvAsDuration("SESSION_REFRESH_THRESHOLD", 5*time.Minute),
			MaxConcurrentSessions:       getEnvAsInt("SESSION_MAX_CONCURRENT", 5),
			EnforceIPConsistency:        getEnvAsBool("SESSION_ENFORCE_IP", true),
			EnforceUserAgentConsistency: getEnvAsBool("SESSION_ENFORCE_UA", false),
			TokenEncryption:             getEnvAsBool("SESSION_TOKEN_ENCRYPTION", true),
			RotationInterval:            getEnvAsDuration("SESSION_ROTATION_INTERVAL", 24*time.Hour),
			EncryptionMasterKey:         os.Getenv("SESSION_ENCRYPTION_MASTER_KEY"),
			EncryptionSalt:              getEnv("SESSION_ENCRYPTION_SALT", "auth-core-session-salt"),
			KDFIterations:               getEnvAsInt("SECURITY_KDF_ITERATIONS", 100_000),
		},
		Cache: Cache{
			Enabled: getEnvAsBool("CACHE_ENABLED", true),
			TTL: CacheTTLs{
				JWT:      getEnvAsDuration("CACHE_TTL_JWT", 300*time.Second),
				APIKey:   getEnvAsDuration("CACHE_TTL_API_KEY", 600*time.Second),
				Session:  getEnvAsDuration("CACHE_TTL_SESSION", 3600*time.Second),
				UserInfo: getEnvAsDuration("CACHE_TTL_USER_INFO", 1800*time.Second),
			},
		},
		Security: Security{
			ConstantTimeComparison:  getEnvAsBool("SECURITY_CONSTANT_TIME", true),
			APIKeyHashRounds:        getEnvAsInt("SECURITY_API_KEY_HASH_ROUNDS", 12),
			KeyDerivationIterations: getEnvAsInt("SECURITY_KDF_ITERATIONS", 100_000),
		},
		Threat: Threat{
			MaxFailedAttempts:        getEnvAsInt("THREAT_MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:          getEnvAsDuration("THREAT_LOCKOUT_DURATION", 15*time.Minute),
			BruteForceWindow:         getEnvAsDuration("THREAT_BRUTE_FORCE_WINDOW", 10*time.Minute),
			IPBlockDuration:          getEnvAsDuration("THREAT_IP_BLOCK_DURATION", 60*time.Minute),
			SuspiciousActivityThresh: getEnvAsInt("THREAT_SUSPICIOUS_THRESHOLD", 10),
			EnableAutoLockout:        getEnvAsBool("THREAT_ENABLE_AUTO_LOCKOUT", true),
			EnableIPBlocking:         getEnvAsBool("THREAT_ENABLE_IP_BLOCKING", true),
		},
		Blacklist: Blacklist{
			CircuitBreaker: CircuitBreaker{
				Threshold:    uint32(getEnvAsInt("BLACKLIST_CB_THRESHOLD", 5)),
				Timeout:      getEnvAsDuration("BLACKLIST_CB_TIMEOUT", 10*time.Second),
				ResetTimeout: getEnvAsDuration("BLACKLIST_CB_RESET_TIMEOUT", 30*time.Second),
			},
			Performance: Performance{
				BatchSize:     getEnvAsInt("BLACKLIST_BATCH_SIZE", 100),
				MaxConcurrent: getEnvAsInt("BLACKLIST_MAX_CONCURRENT", 10),
				Timeout:       getEnvAsDuration("BLACKLIST_TIMEOUT_MS", 5*time.Second),
			},
			Retention: Retention{
				TokenTTLDays: getEnvAsInt("BLACKLIST_TOKEN_TTL_DAYS", 7),
				UserTTLDays:  getEnvAsInt("BLACKLIST_USER_TTL_DAYS", 30),
				AuditTTLDays: getEnvAsInt("BLACKLIST_AUDIT_TTL_DAYS", 90),
			},
		},
		KV: KV{
			Addr:     getEnv("KV_ADDR", "localhost:6379"),
			Password: os.Getenv("KV_PASSWORD"),
			DB:       getEnvAsInt("KV_DB", 0),
		},
		IdP: IdP{
			BaseURL:        os.Getenv("IDP_BASE_URL"),
			Realm:          getEnv("IDP_REALM", "auth-core"),
			ClientID:       getEnv("IDP_CLIENT_ID", "auth-core"),
			ClientSecret:   decryptedEnv("IDP_CLIENT_SECRET"),
			AdminUsername:  os.Getenv("IDP_ADMIN_USERNAME"),
			AdminPassword:  decryptedEnv("IDP_ADMIN_PASSWORD"),
			RequestTimeout: getEnvAsDuration("IDP_REQUEST_TIMEOUT", 10*time.Second),
		},
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RotateOnRefresh:         getEnvAsBool("AUTH_ROTATE_ON_REFRESH", true),
		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", false),
		DefaultAppURL:           os.Getenv("APP_URL"),
	}
}

// Validate aborts startup on unrecoverable config, per spec §4.9 initialize().
func (c Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.KV.Addr == "" {
		return fmt.Errorf("config: KV_ADDR is required")
	}
	if c.Session.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("config: SESSION_MAX_CONCURRENT must be positive")
	}
	if c.Security.APIKeyHashRounds < 4 || c.Security.APIKeyHashRounds > 31 {
		return fmt.Errorf("config: SECURITY_API_KEY_HASH_ROUNDS out of bcrypt range")
	}
	if c.Security.KeyDerivationIterations < 10_000 {
		return fmt.Errorf("config: SECURITY_KDF_ITERATIONS too low for safe PBKDF2 use")
	}
	if c.Session.TokenEncryption && c.Session.EncryptionMasterKey == "" {
		return fmt.Errorf("config: SESSION_ENCRYPTION_MASTER_KEY is required when SESSION_TOKEN_ENCRYPTION is enabled")
	}
	return nil
}

// ParseDuration accepts the spec §4.4 shorthand "<n>(s|m|h|d)" in addition to
// whatever time.ParseDuration already understands. On parse failure it
// returns an error; getEnvAsDuration then falls back to the variable's
// default.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("config: empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	default:
		return 0, fmt.Errorf("config: unrecognized duration %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("config: unrecognized duration %q", s)
	}
	return time.Duration(n) * mult, nil
}

// decryptedEnv reads name and, if it carries the "enc:" prefix, decrypts it
// with SECRETS_ENCRYPTION_KEY. Plaintext values pass through unchanged so
// operators can defer encrypting secrets until they have a key provisioned.
func decryptedEnv(name string) string {
	raw := os.Getenv(name)
	if raw == "" {
		return ""
	}
	key := os.Getenv("SECRETS_ENCRYPTION_KEY")
	plain, err := crypto.DecryptSecret(raw, key)
	if err != nil {
		return raw
	}
	return plain
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
