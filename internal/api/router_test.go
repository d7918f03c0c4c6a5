package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lavente-care/auth-core/internal/api"
	"github.com/lavente-care/auth-core/internal/apikey"
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
)

func newFakeIdP(t *testing.T) *idp.Adapter {
	t.Helper()
	registered := map[string]idp.User{
		"alice@example.com": {ID: "idp-alice", Username: "alice@example.com", Email: "alice@example.com", Enabled: true},
		"admin":             {ID: "idp-admin", Username: "admin", Enabled: true},
	}
	credentials := map[string]string{"alice@example.com": "correct-password", "admin": "admin"}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		username, password := r.FormValue("username"), r.FormValue("password")
		if registered[username].ID == "" || credentials[username] != password {
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
	require.NoError(t, adapter.Initialize(context.Background()))
	return adapter
}

func newTestServer(t *testing.T) *api.Server {
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

	orch := orchestrator.New(orchestrator.Services{
		Token: tok, Session: sessMgr, RBAC: evaluator, APIKeys: keys,
		Threat: threatCtl, Blacklist: bl, IdP: newFakeIdP(t), Monitor: mon,
	})

	return api.NewServer(orch, nil, api.Config{AllowedOrigins: []string{"https://app.example.com"}, RateLimitRPS: 1000, RateLimitBurst: 1000})
}

func TestRouter_HealthOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_LoginSuccess(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "correct-password"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["sessionId"])
}

func TestRouter_LoginInvalidCredentials(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_MeRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_RegisterThenMe(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "carol@example.com", "password": "strongpassword1", "name": "Carol"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	tokens := out["tokens"].(map[string]any)
	accessToken := tokens["AccessToken"].(string)
	require.NotEmpty(t, accessToken)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	// No relational store configured in this test, so GetUserByID fails,
	// but authentication itself must succeed (not 401).
	require.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
