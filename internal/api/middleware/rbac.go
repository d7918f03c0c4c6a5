package middleware

import (
	"log/slog"
	"net/http"
)

// PermissionChecker evaluates whether a subject may perform an action on a
// resource — satisfied by the router's adapter around
// *orchestrator.Orchestrator's Can.
type PermissionChecker interface {
	Can(userID, role string, action, resource string) bool
}

// RequirePermission builds middleware enforcing that the request's
// principal (injected by AuthMiddleware) can perform action on resource
// against the Permission Evaluator.
func RequirePermission(checker PermissionChecker, action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := GetUserID(r.Context())
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			role, _ := GetRole(r.Context())

			if !checker.Can(userID, role, action, resource) {
				slog.Warn("rbac: permission denied", "user_id", userID, "action", action, "resource", resource)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
