// Package orchestrator implements the Auth Orchestrator: the top-level
// operations (login, register, refresh, logout, verify, user CRUD) that
// compose the Token Engine, Session Manager, Permission Evaluator,
// API-Key Service, Threat Controller, and IdP Adapter (spec §4.9).
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/lavente-care/auth-core/internal/apikey"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/lavente-care/auth-core/internal/blacklist"
	"github.com/lavente-care/auth-core/internal/idp"
	"github.com/lavente-care/auth-core/internal/monitor"
	"github.com/lavente-care/auth-core/internal/rbac"
	"github.com/lavente-care/auth-core/internal/session"
	"github.com/lavente-care/auth-core/internal/threat"
	"github.com/lavente-care/auth-core/internal/token"
)

// MirrorRecord is the flat relational-mirror row for a user (spec §6
// "core does not own user records canonically ... mirrored in the
// relational store").
type MirrorRecord struct {
	UserID    string
	Email     string
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserStore is the relational mirror the Orchestrator writes through to.
// It never becomes the system of record; the IdP remains authoritative.
type UserStore interface {
	Mirror(ctx context.Context, rec MirrorRecord) error
	Get(ctx context.Context, userID string) (*MirrorRecord, error)
	Update(ctx context.Context, userID string, patch map[string]any) error
	SoftDelete(ctx context.Context, userID string) error
}

// Services bundles every component the Orchestrator composes. It is
// constructor-injected and held by value references only — no component
// holds a back-pointer to the Orchestrator, breaking the cyclic
// dependency the source's dependency-injection container otherwise
// allows (spec §9 "Cyclic references" design note).
type Services struct {
	Token     *token.Engine
	Session   *session.Manager
	RBAC      *rbac.Evaluator
	APIKeys   *apikey.Service
	Threat    *threat.Controller
	Blacklist *blacklist.Blacklist
	IdP       *idp.Adapter
	Monitor   *monitor.Monitor
	Store     UserStore
	Audit     audit.Logger
}

func (s Services) audit() audit.Logger {
	if s.Audit == nil {
		return audit.NoopLogger{}
	}
	return s.Audit
}

// monitor returns a Sink that is safe to call even when no Monitor was
// configured, mirroring the audit() accessor above.
func (s Services) monitor() monitor.Sink {
	if s.Monitor == nil {
		return noopSink{}
	}
	return s.Monitor
}

type noopSink struct{}

func (noopSink) RecordCounter(string, int64, map[string]string)      {}
func (noopSink) RecordTimer(string, time.Duration, map[string]string) {}
func (noopSink) RecordGauge(string, float64, map[string]string)      {}

// Orchestrator is the top-level entry point the transport layer calls
// into.
type Orchestrator struct {
	svc Services
}

func New(svc Services) *Orchestrator {
	return &Orchestrator{svc: svc}
}

// Initialize brings up the IdP adapter (spec §4.9 initialize()). The
// default role set is seeded by rbac.New, not here.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.svc.IdP != nil {
		if err := o.svc.IdP.Initialize(ctx); err != nil {
			return apperr.Wrap(apperr.ServiceError, "orchestrator: initialize idp adapter", err)
		}
	}
	return nil
}

// Principal is the caller-facing identity returned from successful
// operations.
type Principal struct {
	UserID      string
	Email       string
	Name        string
	Roles       []string
	Permissions []string
}

func (o *Orchestrator) enrich(p *token.Principal) *Principal {
	subject := rbac.Subject{UserID: p.UserID, Roles: p.Roles, DirectPermissions: p.Permissions}
	perms := o.svc.RBAC.GetUserPermissions(subject)
	return &Principal{UserID: p.UserID, Email: p.Email, Name: p.Name, Roles: p.Roles, Permissions: perms}
}

// LoginParams is the input to Login.
type LoginParams struct {
	Email      string
	Password   string
	DeviceInfo string
	IP         string
	UserAgent  string
}

// LoginResult is a result sum: check Success before reading the other
// fields (spec §4.9 "result sum").
type LoginResult struct {
	Success   bool
	Principal *Principal
	Tokens    *token.Pair
	Session   *session.Session
	Code      apperr.Code
}

// Login authenticates against the IdP, issues tokens, creates a session,
// and records the outcome with the Threat Controller (spec §4.9 login,
// "Login" hot path in §2).
func (o *Orchestrator) Login(ctx context.Context, p LoginParams) (*LoginResult, error) {
	if o.svc.Threat.IsIPBlocked(p.IP) {
		return &LoginResult{Success: false, Code: apperr.IPBlocked}, nil
	}

	_, err := o.svc.IdP.AuthenticateDirectGrant(ctx, p.Email, p.Password)
	if err != nil {
		o.svc.Threat.RecordFailedAttempt(p.Email, p.IP, p.UserAgent)
		o.svc.Threat.CheckIPBlocking(p.IP, p.Email)
		o.svc.monitor().RecordCounter("login.failure", 1, map[string]string{"ip": p.IP})
		o.svc.audit().Log(ctx, p.Email, audit.EventLoginFailed, "session", map[string]string{"ip": p.IP})
		if o.svc.Threat.IsAccountLocked(p.Email) {
			o.svc.audit().Log(ctx, p.Email, audit.EventAccountLocked, "session", map[string]string{"ip": p.IP})
			return &LoginResult{Success: false, Code: apperr.AccountLocked}, nil
		}
		return &LoginResult{Success: false, Code: apperr.InvalidCredentials}, nil
	}

	users, err := o.svc.IdP.FindUsers(ctx, idp.UserFilter{Email: p.Email})
	if err != nil || len(users) == 0 {
		return &LoginResult{Success: false, Code: apperr.ServiceError}, nil
	}
	idpUser := users[0]

	roleMappings, err := o.svc.IdP.ListUserRoles(ctx, idpUser.ID)
	roleNames := make([]string, 0, len(roleMappings))
	if err == nil {
		for _, r := range roleMappings {
			roleNames = append(roleNames, r.Name)
		}
	}
	if len(roleNames) == 0 {
		roleNames = []string{"user"}
	}

	subject := rbac.Subject{UserID: idpUser.ID, Roles: roleNames}
	permissions := o.svc.RBAC.GetUserPermissions(subject)

	userSource := token.UserSource{
		UserID: idpUser.ID, Email: idpUser.Email, Name: idpUser.Username,
		Roles: roleNames, Permissions: permissions,
	}
	pair, err := o.svc.Token.GenerateTokens(ctx, userSource)
	if err != nil {
		return nil, err
	}
	o.svc.monitor().RecordCounter("token.issued", 1, map[string]string{"user_id": idpUser.ID})

	sess, err := o.svc.Session.Create(ctx, session.CreateParams{
		UserID: idpUser.ID, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken,
		TokenTTL: time.Until(pair.AccessExpiresAt), RefreshTTL: time.Until(pair.RefreshExpiresAt),
		DeviceInfo: p.DeviceInfo, IPAddress: p.IP, UserAgent: p.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	o.svc.monitor().RecordCounter("session.created", 1, map[string]string{"user_id": idpUser.ID})

	o.svc.Threat.RecordSuccessfulAuth(idpUser.ID, p.IP)
	o.svc.monitor().RecordCounter("login.success", 1, map[string]string{"user_id": idpUser.ID})
	o.svc.audit().Log(ctx, idpUser.ID, audit.EventLoginSuccess, "session", map[string]string{"ip": p.IP, "session_id": sess.ID})

	return &LoginResult{
		Success: true,
		Principal: &Principal{
			UserID: idpUser.ID, Email: idpUser.Email, Name: idpUser.Username,
			Roles: roleNames, Permissions: permissions,
		},
		Tokens:  pair,
		Session: sess,
	}, nil
}

// RegisterParams is the input to Register.
type RegisterParams struct {
	Email    string
	Password string
	Name     string
	Roles    []string
}

// RegisterResult mirrors LoginResult's success/failure sum shape.
type RegisterResult struct {
	Success   bool
	Principal *Principal
	Tokens    *token.Pair
	Code      apperr.Code
}

// Register creates a new identity in the IdP, mirrors it into the
// relational store, and issues an initial token pair (spec §4.9 register).
func (o *Orchestrator) Register(ctx context.Context, p RegisterParams) (*RegisterResult, error) {
	existing, err := o.svc.IdP.FindUsers(ctx, idp.UserFilter{Email: p.Email})
	if err == nil && len(existing) > 0 {
		return &RegisterResult{Success: false, Code: apperr.UserExists}, nil
	}

	roles := p.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}

	userID, err := o.svc.IdP.CreateUser(ctx, idp.User{Username: p.Email, Email: p.Email}, p.Password)
	if err != nil {
		return nil, err
	}

	if len(p.Roles) > 0 {
		mappings := make([]idp.RoleMapping, 0, len(p.Roles))
		for _, r := range p.Roles {
			mappings = append(mappings, idp.RoleMapping{Name: r})
		}
		_ = o.svc.IdP.AssignUserRoles(ctx, userID, mappings)
	}

	if o.svc.Store != nil {
		now := time.Now()
		_ = o.svc.Store.Mirror(ctx, MirrorRecord{
			UserID: userID, Email: p.Email, Name: p.Name, Active: true,
			CreatedAt: now, UpdatedAt: now,
		})
	}

	subject := rbac.Subject{UserID: userID, Roles: roles}
	permissions := o.svc.RBAC.GetUserPermissions(subject)

	pair, err := o.svc.Token.GenerateTokens(ctx, token.UserSource{
		UserID: userID, Email: p.Email, Name: p.Name, Roles: roles, Permissions: permissions,
	})
	if err != nil {
		return nil, err
	}
	o.svc.monitor().RecordCounter("token.issued", 1, map[string]string{"user_id": userID})

	o.svc.audit().Log(ctx, userID, audit.EventRegister, "user", map[string]string{"email": p.Email})

	return &RegisterResult{
		Success: true,
		Principal: &Principal{
			UserID: userID, Email: p.Email, Name: p.Name, Roles: roles, Permissions: permissions,
		},
		Tokens: pair,
	}, nil
}

// RefreshToken delegates to the Token Engine, re-enriching the returned
// principal with current permissions (spec §4.9 refreshToken).
func (o *Orchestrator) RefreshToken(ctx context.Context, refreshToken string, rotateOld bool) (*token.Pair, *Principal, error) {
	result, err := o.svc.Token.RefreshToken(ctx, refreshToken, rotateOld, nil)
	if err != nil {
		return nil, nil, err
	}
	return result.Pair, o.enrich(result.Principal), nil
}

// Logout revokes the presented token (or every token the user holds, if
// none is given), and destroys the named session or all of the user's
// sessions. Session-deletion failures do not fail the overall call (spec
// §4.9 logout).
func (o *Orchestrator) Logout(ctx context.Context, userID, presentedToken, sessionID string) error {
	if presentedToken != "" {
		_ = o.svc.Token.RevokeToken(ctx, presentedToken, blacklist.ReasonLogout, userID)
	} else {
		_ = o.svc.Token.RevokeAllUserTokens(ctx, userID, blacklist.ReasonLogout, userID)
	}
	o.svc.monitor().RecordCounter("logout", 1, map[string]string{"user_id": userID})
	o.svc.audit().Log(ctx, userID, audit.EventLogout, "session", map[string]string{"session_id": sessionID})

	if sessionID != "" {
		_ = o.svc.Session.Destroy(ctx, sessionID)
		return nil
	}
	_ = o.svc.Session.DestroyAllForUser(ctx, userID)
	return nil
}

// VerifyToken delegates to the Token Engine and re-enriches the returned
// principal (spec §4.9 verifyToken, "Verify bearer token" hot path).
func (o *Orchestrator) VerifyToken(ctx context.Context, tokenString string) (*Principal, error) {
	p, err := o.svc.Token.VerifyToken(ctx, tokenString)
	if err != nil {
		o.svc.monitor().RecordCounter("token.verify.failure", 1, nil)
		return nil, err
	}
	o.svc.monitor().RecordCounter("token.verify.success", 1, map[string]string{"user_id": p.UserID})
	return o.enrich(p), nil
}

// SessionValidation is the result of ValidateSession (spec §8 scenario S4).
type SessionValidation struct {
	Valid    bool
	Session  *session.Session
	Rotated  bool
}

// ValidateSession is the Session Manager's hot-path check exposed at the
// Orchestrator level: it loads the session enforcing fingerprint/IP/UA
// consistency, refreshes its sliding-window TTL, and rotates the session id
// if the configured rotation interval has elapsed (spec §4.5, §8 scenario
// S4). A fingerprint mismatch destroys the stale session rather than
// merely rejecting the call, so a stolen session id cannot be retried from
// a different origin.
func (o *Orchestrator) ValidateSession(ctx context.Context, sessionID, userAgent, ipAddress string) (*SessionValidation, error) {
	sess, err := o.svc.Session.Get(ctx, sessionID, userAgent, ipAddress)
	if err != nil {
		if errors.Is(err, session.ErrFingerprintMismatch) {
			_ = o.svc.Session.Destroy(ctx, sessionID)
			o.svc.audit().Log(ctx, "", audit.EventSessionDestroyed, "session", map[string]string{"session_id": sessionID, "ip": ipAddress, "reason": "fingerprint_mismatch"})
			return &SessionValidation{Valid: false}, nil
		}
		if errors.Is(err, session.ErrNotFound) {
			return &SessionValidation{Valid: false}, nil
		}
		return nil, err
	}

	if err := o.svc.Session.UpdateActivity(ctx, sess.ID); err != nil {
		return nil, err
	}

	rotated := false
	if o.svc.Session.RequiresRotation(sess) {
		rotatedSess, err := o.svc.Session.Rotate(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess = rotatedSess
		rotated = true
		o.svc.audit().Log(ctx, sess.UserID, audit.EventSessionRotated, "session", map[string]string{"session_id": sess.ID})
	}

	return &SessionValidation{Valid: true, Session: sess, Rotated: rotated}, nil
}

// GetUserByID fetches the mirror row for userID.
func (o *Orchestrator) GetUserByID(ctx context.Context, userID string) (*MirrorRecord, error) {
	if o.svc.Store == nil {
		return nil, apperr.New(apperr.ServiceError, "orchestrator: no user store configured")
	}
	return o.svc.Store.Get(ctx, userID)
}

// UpdateUser patches the IdP record and the mirror row.
func (o *Orchestrator) UpdateUser(ctx context.Context, userID string, patch map[string]any) error {
	if err := o.svc.IdP.UpdateUser(ctx, userID, patch); err != nil {
		return err
	}
	if o.svc.Store != nil {
		return o.svc.Store.Update(ctx, userID, patch)
	}
	return nil
}

// DeleteUser revokes every token the user holds, then deletes from the
// IdP and soft-deletes the mirror row (spec §4.9 deleteUser: "first
// revokes all user tokens").
func (o *Orchestrator) DeleteUser(ctx context.Context, userID string) error {
	_ = o.svc.Token.RevokeAllUserTokens(ctx, userID, blacklist.ReasonAdmin, "system")
	_ = o.svc.Session.DestroyAllForUser(ctx, userID)

	if err := o.svc.IdP.DeleteUser(ctx, userID); err != nil {
		return err
	}
	o.svc.audit().Log(ctx, userID, audit.EventUserDeleted, "user", nil)
	if o.svc.Store != nil {
		return o.svc.Store.SoftDelete(ctx, userID)
	}
	return nil
}

// Can delegates to the Permission Evaluator (spec §4.9 can()).
func (o *Orchestrator) Can(principal *Principal, action, resource string, attrs map[string]any) bool {
	subject := rbac.Subject{UserID: principal.UserID, Roles: principal.Roles, DirectPermissions: principal.Permissions}
	return o.svc.RBAC.Can(subject, action, resource, attrs)
}

// Health is the aggregate health report (spec §4.9 healthCheck()).
type Health struct {
	IdPReachable bool
	KVReachable  bool
	RBACReady    bool
}

// HealthCheck aggregates booleans from the IdP, the KV (via the
// Blacklist/Session stores), and the Permission Evaluator (always ready
// once constructed, spec §4.9 healthCheck()).
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := Health{RBACReady: o.svc.RBAC != nil}

	if o.svc.IdP != nil {
		h.IdPReachable = o.svc.IdP.HealthCheck(ctx) == nil
	}
	if o.svc.Blacklist != nil {
		h.KVReachable = o.svc.Blacklist.HealthCheck(ctx) == nil
	} else if o.svc.Session != nil {
		h.KVReachable = o.svc.Session.HealthCheck(ctx) == nil
	}
	return h
}
