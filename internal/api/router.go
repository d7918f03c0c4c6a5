package api

import (
	"context"
	"log/slog"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	customMiddleware "github.com/lavente-care/auth-core/internal/api/middleware"
	"github.com/lavente-care/auth-core/internal/orchestrator"
)

// Server wires the chi router to the Orchestrator.
type Server struct {
	Router *chi.Mux
	orch   *orchestrator.Orchestrator
	Logger *slog.Logger
}

// tokenVerifierAdapter satisfies customMiddleware.TokenVerifier by
// converting *orchestrator.Principal to the middleware's narrow shape.
type tokenVerifierAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a tokenVerifierAdapter) VerifyToken(ctx context.Context, tokenString string) (*customMiddleware.Principal, error) {
	p, err := a.orch.VerifyToken(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	return &customMiddleware.Principal{UserID: p.UserID, Roles: p.Roles}, nil
}

// permissionCheckerAdapter satisfies customMiddleware.PermissionChecker by
// delegating to the Orchestrator's Can, re-synthesizing a Principal from the
// userID/role the request context already carries.
type permissionCheckerAdapter struct {
	orch *orchestrator.Orchestrator
}

func (a permissionCheckerAdapter) Can(userID, role string, action, resource string) bool {
	principal := &orchestrator.Principal{UserID: userID, Roles: []string{role}}
	return a.orch.Can(principal, action, resource, nil)
}

// Config controls router-level concerns that are not part of the
// Orchestrator itself: the CORS allowlist and rate-limit shape.
type Config struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewServer builds a chi.Mux binding every Orchestrator operation to HTTP,
// wrapped in the teacher's middleware stack (request ID, Sentry, recovery,
// structured logging, rate limiting, CORS, CSRF on protected routes).
func NewServer(orch *orchestrator.Orchestrator, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	limiter := customMiddleware.NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	r.Use(limiter.Middleware)
	r.Use(customMiddleware.CORS(cfg.AllowedOrigins))

	handler := NewAuthHandler(orch, logger)
	requireAuth := customMiddleware.AuthMiddleware(tokenVerifierAdapter{orch: orch})
	requirePermission := func(action, resource string) func(chi.Router) {
		return func(r chi.Router) {
			r.Use(customMiddleware.RequirePermission(permissionCheckerAdapter{orch: orch}, action, resource))
		}
	}

	r.Get("/health", handler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", handler.Register)
		r.Post("/auth/login", handler.Login)
		r.Post("/auth/refresh", handler.Refresh)
		r.Post("/session/validate", handler.ValidateSession)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(customMiddleware.CSRFMiddleware)

			r.Get("/me", handler.Me)
			r.Post("/auth/logout", handler.Logout)

			r.Route("/admin", func(r chi.Router) {
				requirePermission("manage", "all")(r)
				// Admin-only routes mount here as the Orchestrator grows
				// user-management operations beyond GetUserByID/UpdateUser/DeleteUser.
			})
		})
	})

	return &Server{Router: r, orch: orch, Logger: logger}
}
