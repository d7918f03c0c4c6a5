package storage

import (
	"errors"
	"strings"
)

// ParseOriginsEnv splits a comma-separated CORS_ALLOWED_ORIGINS value into
// a trimmed, non-empty origin list.
func ParseOriginsEnv(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// ValidateCORSOrigins rejects wildcard origins and enforces HTTPS (except
// localhost, for local development). Used by config validation when
// loading the transport binding's allowed-origins list.
func ValidateCORSOrigins(origins []string) error {
	for _, origin := range origins {
		if origin == "*" {
			return errors.New("wildcard CORS origin not allowed")
		}
		if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://localhost") {
			return errors.New("only HTTPS origins allowed (except http://localhost for development)")
		}
		if origin == "" || strings.Contains(origin, " ") {
			return errors.New("invalid origin format")
		}
	}
	return nil
}
