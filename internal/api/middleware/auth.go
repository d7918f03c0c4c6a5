package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Principal is the minimal shape AuthMiddleware needs from a verified
// token — built from *orchestrator.Principal by the router's adapter, so
// this package does not import orchestrator.
type Principal struct {
	UserID string
	Roles  []string
}

// TokenVerifier validates a bearer token and returns its principal.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*Principal, error)
}

// AuthMiddleware creates a handler that validates JWT bearer tokens and
// injects the resulting principal into the request context.
func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			principal, err := verifier.VerifyToken(r.Context(), parts[1])
			if err != nil {
				slog.Warn("invalid token", "error", err, "ip", r.RemoteAddr)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, principal.UserID)
			var role string
			if len(principal.Roles) > 0 {
				role = principal.Roles[0]
			}
			ctx = context.WithValue(ctx, RoleKey, role)
			SetSentryUser(ctx, principal.UserID, role, r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
