// Command authcored runs the long-lived HTTP process: it wires every
// hard-core component to its backing store (KV, relational mirror, IdP)
// and serves the Orchestrator's operations over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/lavente-care/auth-core/internal/api"
	"github.com/lavente-care/auth-core/internal/apikey"
	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/lavente-care/auth-core/internal/blacklist"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/config"
	"github.com/lavente-care/auth-core/internal/idp"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/lavente-care/auth-core/internal/monitor"
	"github.com/lavente-care/auth-core/internal/orchestrator"
	"github.com/lavente-care/auth-core/internal/rbac"
	"github.com/lavente-care/auth-core/internal/session"
	"github.com/lavente-care/auth-core/internal/storage"
	"github.com/lavente-care/auth-core/internal/threat"
	"github.com/lavente-care/auth-core/internal/token"
	"github.com/lavente-care/auth-core/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, TracesSampleRate: 1.0, Environment: cfg.Env}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	redisClient, err := kv.New(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
	if err != nil {
		log.Error("kv_connect_failed", "error", err)
		os.Exit(1)
	}
	log.Info("kv_connected", "addr", cfg.KV.Addr)

	var auditLogger audit.Logger = audit.NoopLogger{}

	var userStore orchestrator.UserStore
	if cfg.DatabaseURL != "" {
		dbPool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database_connect_failed", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		mirror := storage.NewMirror(dbPool)
		userStore = mirror
		auditLogger = audit.NewDBLogger(mirror, log)
		log.Info("database_connected")
	} else {
		log.Warn("database_url_missing", "details", "relational mirror and durable audit trail disabled")
	}

	secureCache, err := cache.New(cache.Config{})
	if err != nil {
		log.Error("cache_init_failed", "error", err)
		os.Exit(1)
	}

	bl := blacklist.New(redisClient, secureCache, log, blacklist.Config{
		RetentionBufferDays: cfg.Blacklist.Retention.TokenTTLDays,
		UserRetentionDays:   cfg.Blacklist.Retention.UserTTLDays,
		CBThreshold:         cfg.Blacklist.CircuitBreaker.Threshold,
		CBTimeout:           cfg.Blacklist.CircuitBreaker.Timeout,
		CBResetTimeout:      cfg.Blacklist.CircuitBreaker.ResetTimeout,
		BatchSize:           cfg.Blacklist.Performance.BatchSize,
	})

	tokenEngine := token.New(token.Config{
		Secret: cfg.JWT.Secret, AccessTTL: cfg.JWT.ExpiresIn, RefreshTTL: cfg.JWT.RefreshExpiresIn,
		Issuer: cfg.JWT.Issuer, Audience: cfg.JWT.Audience,
	}, redisClient, bl)

	sessionMgr, err := session.New(redisClient, secureCache, session.Config{
		TTL: cfg.Session.TTL, RefreshThreshold: cfg.Session.RefreshThreshold,
		MaxConcurrentSessions:       cfg.Session.MaxConcurrentSessions,
		EnforceIPConsistency:        cfg.Session.EnforceIPConsistency,
		EnforceUserAgentConsistency: cfg.Session.EnforceUserAgentConsistency,
		TokenEncryption:             cfg.Session.TokenEncryption,
		RotationInterval:            cfg.Session.RotationInterval,
		EncryptionMasterKey:         cfg.Session.EncryptionMasterKey,
		EncryptionSalt:              cfg.Session.EncryptionSalt,
		KDFIterations:               cfg.Session.KDFIterations,
	})
	if err != nil {
		log.Error("session_manager_init_failed", "error", err)
		os.Exit(1)
	}

	evaluator := rbac.New(redisClient, secureCache)
	evaluator.SetAuditLogger(auditLogger)

	keys := apikey.New(redisClient, secureCache, apikey.Config{HashRounds: cfg.Security.APIKeyHashRounds})
	keys.SetAuditLogger(auditLogger)

	threatCtl := threat.New(threat.Config{
		MaxFailedAttempts: cfg.Threat.MaxFailedAttempts, LockoutDuration: cfg.Threat.LockoutDuration,
		BruteForceWindow: cfg.Threat.BruteForceWindow, IPBlockDuration: cfg.Threat.IPBlockDuration,
		SuspiciousActivityThreshold: cfg.Threat.SuspiciousActivityThresh,
		EnableAutoLockout:           cfg.Threat.EnableAutoLockout, EnableIPBlocking: cfg.Threat.EnableIPBlocking,
	})

	threatStop := make(chan struct{})
	threatCtl.Run(threatStop, 60*time.Second)

	mon := monitor.New(nil, os.Getenv("SENTRY_DSN") != "")

	idpAdapter := idp.New(idp.Config{
		BaseURL: cfg.IdP.BaseURL, Realm: cfg.IdP.Realm, ClientID: cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret, AdminUsername: cfg.IdP.AdminUsername,
		AdminPassword: cfg.IdP.AdminPassword, RequestTimeout: cfg.IdP.RequestTimeout,
	})
	if err := idpAdapter.Initialize(ctx); err != nil {
		log.Error("idp_initialize_failed", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Services{
		Token: tokenEngine, Session: sessionMgr, RBAC: evaluator, APIKeys: keys,
		Threat: threatCtl, Blacklist: bl, IdP: idpAdapter, Monitor: mon,
		Store: userStore, Audit: auditLogger,
	})
	if err := orch.Initialize(ctx); err != nil {
		log.Error("orchestrator_initialize_failed", "error", err)
		os.Exit(1)
	}

	allowedOrigins := storage.ParseOriginsEnv(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if err := storage.ValidateCORSOrigins(allowedOrigins); err != nil {
		log.Error("cors_origins_invalid", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(orch, log, api.Config{AllowedOrigins: allowedOrigins})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr: ":" + port, Handler: server.Router,
		ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)
		close(threatStop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			_ = httpServer.Close()
		}
		log.Info("server_shutdown_complete")
	}
}
