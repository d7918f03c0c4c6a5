package idp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/idp"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *idp.Adapter) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("password") == "wrong" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-xyz", "refresh_token": "refresh-xyz", "expires_in": 300,
		})
	})
	mux.HandleFunc("/admin/realms/test/users", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "https://idp.example/admin/realms/test/users/new-user-id")
			w.WriteHeader(http.StatusCreated)
		default:
			json.NewEncoder(w).Encode([]idp.User{{ID: "u1", Username: "alice", Email: "alice@example.com", Enabled: true}})
		}
	})
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter := idp.New(idp.Config{
		BaseURL: srv.URL, Realm: "test", ClientID: "auth-core",
		AdminUsername: "admin", AdminPassword: "admin",
	})
	return srv, adapter
}

func TestAdapter_Initialize(t *testing.T) {
	_, adapter := newTestServer(t)
	require.NoError(t, adapter.Initialize(context.Background()))
}

func TestAdapter_AuthenticateDirectGrant(t *testing.T) {
	_, adapter := newTestServer(t)
	tokens, err := adapter.AuthenticateDirectGrant(context.Background(), "alice", "correct")
	require.NoError(t, err)
	require.Equal(t, "access-xyz", tokens.AccessToken)
}

func TestAdapter_AuthenticateDirectGrantCoarseError(t *testing.T) {
	_, adapter := newTestServer(t)
	_, err := adapter.AuthenticateDirectGrant(context.Background(), "alice", "wrong")
	require.Equal(t, apperr.InvalidCredentials, apperr.CodeOf(err))
}

func TestAdapter_CreateUser(t *testing.T) {
	_, adapter := newTestServer(t)
	require.NoError(t, adapter.Initialize(context.Background()))

	id, err := adapter.CreateUser(context.Background(), idp.User{Username: "bob", Email: "bob@example.com"}, "secret123")
	require.NoError(t, err)
	require.Equal(t, "new-user-id", id)
}

func TestAdapter_FindUsers(t *testing.T) {
	_, adapter := newTestServer(t)
	require.NoError(t, adapter.Initialize(context.Background()))

	users, err := adapter.FindUsers(context.Background(), idp.UserFilter{Email: "alice@example.com"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
}

func TestAdapter_HealthCheck(t *testing.T) {
	_, adapter := newTestServer(t)
	require.NoError(t, adapter.HealthCheck(context.Background()))
}
