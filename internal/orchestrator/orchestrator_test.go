package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lavente-care/auth-core/internal/apikey"
	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/blacklist"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/idp"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/lavente-care/auth-core/internal/monitor"
	"github.com/lavente-care/auth-core/internal/orchestrator"
	"github.com/lavente-care/auth-core/internal/rbac"
	"github.com/lavente-care/auth-core/internal/session"
	"github.com/lavente-care/auth-core/internal/threat"
	"github.com/lavente-care/auth-core/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]orchestrator.MirrorRecord
}

func newFakeStore() *fakeStore { return &fakeStore{records: make(map[string]orchestrator.MirrorRecord)} }

func (s *fakeStore) Mirror(ctx context.Context, rec orchestrator.MirrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
	return nil
}
func (s *fakeStore) Get(ctx context.Context, userID string) (*orchestrator.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return nil, apperr.New(apperr.ServiceError, "not found")
	}
	return &r, nil
}
func (s *fakeStore) Update(ctx context.Context, userID string, patch map[string]any) error {
	return nil
}
func (s *fakeStore) SoftDelete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

type fakeIdPServer struct {
	srv   *httptest.Server
	users map[string]idp.User
}

func newFakeIdP(t *testing.T) (*httptest.Server, *idp.Adapter) {
	t.Helper()
	registered := map[string]idp.User{
		"alice@example.com": {ID: "idp-alice", Username: "alice@example.com", Email: "alice@example.com", Enabled: true},
		"admin":             {ID: "idp-admin", Username: "admin", Enabled: true},
	}
	credentials := map[string]string{"alice@example.com": "correct-password", "admin": "admin"}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		username := r.FormValue("username")
		password := r.FormValue("password")
		if registered[username].ID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if credentials[username] != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "idp-at", "refresh_token": "idp-rt", "expires_in": 300})
	})
	mux.HandleFunc("/admin/realms/test/users", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			email, _ := body["email"].(string)
			if _, exists := registered[email]; exists {
				w.WriteHeader(http.StatusConflict)
				return
			}
			registered[email] = idp.User{ID: "idp-" + email, Username: email, Email: email, Enabled: true}
			if creds, ok := body["credentials"].([]any); ok && len(creds) > 0 {
				if c0, ok := creds[0].(map[string]any); ok {
					credentials[email] = c0["value"].(string)
				}
			}
			w.Header().Set("Location", "https://idp.example/admin/realms/test/users/idp-"+email)
			w.WriteHeader(http.StatusCreated)
		default:
			email := r.URL.Query().Get("email")
			u, ok := registered[email]
			if !ok {
				json.NewEncoder(w).Encode([]idp.User{})
				return
			}
			json.NewEncoder(w).Encode([]idp.User{u})
		}
	})
	mux.HandleFunc("/admin/realms/test/users/{id}/role-mappings/realm", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]idp.RoleMapping{})
	})
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter := idp.New(idp.Config{BaseURL: srv.URL, Realm: "test", ClientID: "auth-core", AdminUsername: "admin", AdminPassword: "admin"})
	return srv, adapter
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.WrapClient(rdb)

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	bl := blacklist.New(store, c, nil, blacklist.Config{RetentionBufferDays: 1, UserRetentionDays: 30})
	tok := token.New(token.Config{Secret: "test-secret-at-least-32-bytes-long!!", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour, Issuer: "auth-core-test"}, store, bl)

	sessMgr, err := session.New(store, c, session.Config{TTL: time.Hour, MaxConcurrentSessions: 5})
	require.NoError(t, err)

	evaluator := rbac.New(store, c)
	keys := apikey.New(store, c, apikey.Config{HashRounds: 4})
	threatCtl := threat.New(threat.Config{MaxFailedAttempts: 3, EnableAutoLockout: true, EnableIPBlocking: true})
	mon := monitor.New(nil, false)

	_, adapter := newFakeIdP(t)
	require.NoError(t, adapter.Initialize(context.Background()))

	return orchestrator.New(orchestrator.Services{
		Token: tok, Session: sessMgr, RBAC: evaluator, APIKeys: keys,
		Threat: threatCtl, Blacklist: bl, IdP: adapter, Monitor: mon, Store: newFakeStore(),
	})
}

func TestOrchestrator_LoginSuccess(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := o.Login(ctx, orchestrator.LoginParams{Email: "alice@example.com", Password: "correct-password", IP: "127.0.0.1"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "idp-alice", result.Principal.UserID)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotNil(t, result.Session)
}

func TestOrchestrator_LoginInvalidCredentials(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := o.Login(ctx, orchestrator.LoginParams{Email: "alice@example.com", Password: "wrong-password", IP: "127.0.0.2"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperr.InvalidCredentials, result.Code)
}

func TestOrchestrator_RegisterThenLogin(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	reg, err := o.Register(ctx, orchestrator.RegisterParams{Email: "bob@example.com", Password: "strongpass1", Name: "Bob"})
	require.NoError(t, err)
	require.True(t, reg.Success)
	require.NotEmpty(t, reg.Tokens.AccessToken)

	login, err := o.Login(ctx, orchestrator.LoginParams{Email: "bob@example.com", Password: "strongpass1", IP: "127.0.0.4"})
	require.NoError(t, err)
	require.True(t, login.Success)
}

func TestOrchestrator_RegisterExistingUser(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := o.Register(ctx, orchestrator.RegisterParams{Email: "alice@example.com", Password: "whatever1"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, apperr.UserExists, result.Code)
}

func TestOrchestrator_VerifyAndLogout(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	login, err := o.Login(ctx, orchestrator.LoginParams{Email: "alice@example.com", Password: "correct-password", IP: "127.0.0.3"})
	require.NoError(t, err)
	require.True(t, login.Success)

	principal, err := o.VerifyToken(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "idp-alice", principal.UserID)

	require.NoError(t, o.Logout(ctx, principal.UserID, login.Tokens.AccessToken, login.Session.ID))

	_, err = o.VerifyToken(ctx, login.Tokens.AccessToken)
	require.Error(t, err)
}

func TestOrchestrator_HealthCheck(t *testing.T) {
	o := newTestOrchestrator(t)
	h := o.HealthCheck(context.Background())
	require.True(t, h.IdPReachable)
	require.True(t, h.KVReachable)
	require.True(t, h.RBACReady)
}
