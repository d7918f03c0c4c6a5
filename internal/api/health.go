package api

import (
	"net/http"

	"github.com/lavente-care/auth-core/internal/api/helpers"
)

// Health handles GET /health, aggregating the Orchestrator's IdP/KV/RBAC
// reachability checks into a single liveness response.
func (h *AuthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.orch.HealthCheck(r.Context())

	status := http.StatusOK
	if !report.IdPReachable || !report.KVReachable || !report.RBACReady {
		status = http.StatusServiceUnavailable
	}

	helpers.RespondJSON(w, status, report)
}
