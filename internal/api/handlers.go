// Package api binds the Orchestrator's operations to HTTP. It is
// deliberately thin: request decoding, status-code mapping, response
// encoding — no business logic lives here.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"unicode/utf8"

	"github.com/lavente-care/auth-core/internal/api/helpers"
	customMiddleware "github.com/lavente-care/auth-core/internal/api/middleware"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/orchestrator"
)

// AuthHandler adapts orchestrator.Orchestrator to net/http.
type AuthHandler struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func NewAuthHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{orch: orch, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (req *registerRequest) validate() error {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("invalid email format")
	}
	if utf8.RuneCountInString(req.Password) < 12 {
		return fmt.Errorf("password must be at least 12 characters")
	}
	if len(req.Name) > 100 {
		return fmt.Errorf("name too long (max 100 chars)")
	}
	return nil
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("register: invalid body", "error", err)
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.orch.Register(r.Context(), orchestrator.RegisterParams{
		Email: req.Email, Password: req.Password, Name: req.Name,
	})
	if err != nil {
		h.logger.Error("register: orchestrator error", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if !result.Success {
		helpers.RespondError(w, statusForCode(result.Code), string(result.Code))
		return
	}

	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"principal": result.Principal,
		"tokens":    result.Tokens,
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"deviceInfo"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := helpers.GetRealIP(r).String()
	result, err := h.orch.Login(r.Context(), orchestrator.LoginParams{
		Email: req.Email, Password: req.Password, DeviceInfo: req.DeviceInfo,
		IP: ip, UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Error("login: orchestrator error", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !result.Success {
		helpers.RespondError(w, statusForCode(result.Code), string(result.Code))
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"principal": result.Principal,
		"tokens":    result.Tokens,
		"sessionId": result.Session.ID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	Rotate       bool   `json:"rotate"`
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, principal, err := h.orch.RefreshToken(r.Context(), req.RefreshToken, req.Rotate)
	if err != nil {
		code := apperr.CodeOf(err)
		helpers.RespondError(w, statusForCode(code), string(code))
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"principal": principal,
		"tokens":    pair,
	})
}

type logoutRequest struct {
	SessionID string `json:"sessionId"`
}

// Logout handles POST /api/v1/auth/logout. Requires AuthMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := customMiddleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req logoutRequest
	_ = helpers.DecodeJSON(r, &req)

	presented := bearerToken(r)
	if err := h.orch.Logout(r.Context(), userID, presented, req.SessionID); err != nil {
		h.logger.Error("logout: orchestrator error", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "logout failed")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionValidateRequest struct {
	SessionID string `json:"sessionId"`
}

// ValidateSession handles POST /api/v1/session/validate. It is the HTTP
// entry point for the Session Manager's hot path: fingerprint/IP/UA
// enforcement, sliding-window TTL extension, and rotation (spec §4.5, §8
// scenario S4). No AuthMiddleware is required — the session id itself is
// what is being validated.
func (h *AuthHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionValidateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.SessionID == "" {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orch.ValidateSession(r.Context(), req.SessionID, r.UserAgent(), helpers.GetRealIP(r).String())
	if err != nil {
		h.logger.Error("session validate: orchestrator error", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "session validation failed")
		return
	}
	if !result.Valid {
		helpers.RespondJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"sessionId": result.Session.ID,
		"rotated":   result.Rotated,
	})
}

// Me handles GET /api/v1/me. Requires AuthMiddleware.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := customMiddleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	record, err := h.orch.GetUserByID(r.Context(), userID)
	if err != nil {
		helpers.RespondError(w, http.StatusNotFound, "user not found")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, record)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.InvalidCredentials, apperr.Unauthorized, apperr.TokenExpired, apperr.TokenRevoked:
		return http.StatusUnauthorized
	case apperr.Forbidden, apperr.AccountLocked, apperr.IPBlocked:
		return http.StatusForbidden
	case apperr.ValidationError, apperr.UserExists:
		return http.StatusBadRequest
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
