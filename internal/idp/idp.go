// Package idp implements the IdP Adapter: a Keycloak-shaped Direct-Grant
// plus Admin REST client (spec §4.10). Error messages returned to callers
// are deliberately coarse — no user-enumeration signals leak past this
// boundary.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lavente-care/auth-core/internal/apperr"
)

// Tokens is the pair returned by a successful Direct-Grant exchange.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// User is the IdP-shaped user record (distinct from the core's Principal —
// this is what the Admin API returns).
type User struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Email    string            `json:"email"`
	Enabled  bool              `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// UserFilter narrows FindUsers.
type UserFilter struct {
	Email    string
	Username string
	Enabled  *bool
}

// Config points the adapter at a realm and its service-account credentials
// (spec §4.10 initialize()).
type Config struct {
	BaseURL          string
	Realm            string
	ClientID         string
	ClientSecret     string
	AdminUsername    string
	AdminPassword    string
	RequestTimeout   time.Duration
}

// Adapter is the IdP Adapter.
type Adapter struct {
	cfg    Config
	client *http.Client

	adminToken string
}

func New(cfg Config) *Adapter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Initialize logs in the configured service account and caches the admin
// bearer token for subsequent Admin API calls (spec §4.10 initialize()).
func (a *Adapter) Initialize(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {a.cfg.ClientID},
		"username":   {a.cfg.AdminUsername},
		"password":   {a.cfg.AdminPassword},
	}
	if a.cfg.ClientSecret != "" {
		form.Set("client_secret", a.cfg.ClientSecret)
	}

	tokens, err := a.tokenRequest(ctx, form)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "idp: initialize service account", err)
	}
	a.adminToken = tokens.AccessToken
	return nil
}

func (a *Adapter) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", a.cfg.BaseURL, a.cfg.Realm)
}

func (a *Adapter) adminBaseURL() string {
	return fmt.Sprintf("%s/admin/realms/%s", a.cfg.BaseURL, a.cfg.Realm)
}

func (a *Adapter) tokenRequest(ctx context.Context, form url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, coarseAuthError(resp.StatusCode)
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("idp: decode token response: %w", err)
	}
	return &tokens, nil
}

// coarseAuthError maps IdP status codes to the narrow set the Orchestrator
// is allowed to see — no distinction between "user not found" and "wrong
// password" (spec §4.10 security constraint).
func coarseAuthError(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		return apperr.New(apperr.InvalidCredentials, "invalid credentials")
	}
	return apperr.New(apperr.ServiceError, "identity provider unavailable")
}

// AuthenticateDirectGrant exchanges a username/password for an access and
// refresh token pair via the realm's Direct-Grant flow (spec §4.10).
func (a *Adapter) AuthenticateDirectGrant(ctx context.Context, username, password string) (*Tokens, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {a.cfg.ClientID},
		"username":   {username},
		"password":   {password},
	}
	if a.cfg.ClientSecret != "" {
		form.Set("client_secret", a.cfg.ClientSecret)
	}
	return a.tokenRequest(ctx, form)
}

// RefreshAccessToken exchanges a refresh token for a new pair.
func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	if a.cfg.ClientSecret != "" {
		form.Set("client_secret", a.cfg.ClientSecret)
	}
	return a.tokenRequest(ctx, form)
}

func (a *Adapter) adminRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.adminBaseURL()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.adminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return a.client.Do(req)
}

// FindUsers queries the Admin API for users matching filter (spec §4.10).
func (a *Adapter) FindUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	q := url.Values{}
	if filter.Email != "" {
		q.Set("email", filter.Email)
	}
	if filter.Username != "" {
		q.Set("username", filter.Username)
	}
	if filter.Enabled != nil {
		q.Set("enabled", fmt.Sprintf("%t", *filter.Enabled))
	}

	resp, err := a.adminRequest(ctx, http.MethodGet, "/users?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: find users", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.ServiceError, "idp: find users failed")
	}

	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: decode users", err)
	}
	return users, nil
}

// CreateUser creates a new IdP-managed identity (spec §4.10, §4.4 register).
func (a *Adapter) CreateUser(ctx context.Context, u User, password string) (string, error) {
	payload := map[string]any{
		"username": u.Username,
		"email":    u.Email,
		"enabled":  true,
		"credentials": []map[string]any{
			{"type": "password", "value": password, "temporary": false},
		},
	}

	resp, err := a.adminRequest(ctx, http.MethodPost, "/users", payload)
	if err != nil {
		return "", apperr.Wrap(apperr.ServiceError, "idp: create user", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", apperr.New(apperr.UserExists, "user already exists")
	}
	if resp.StatusCode != http.StatusCreated {
		return "", apperr.New(apperr.ServiceError, "idp: create user failed")
	}

	location := resp.Header.Get("Location")
	parts := strings.Split(location, "/")
	if len(parts) == 0 {
		return "", apperr.New(apperr.ServiceError, "idp: create user: missing location header")
	}
	return parts[len(parts)-1], nil
}

// UpdateUser patches fields on an existing IdP user.
func (a *Adapter) UpdateUser(ctx context.Context, userID string, patch map[string]any) error {
	resp, err := a.adminRequest(ctx, http.MethodPut, "/users/"+userID, patch)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "idp: update user", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.ServiceError, "idp: update user failed")
	}
	return nil
}

// DeleteUser removes an IdP user.
func (a *Adapter) DeleteUser(ctx context.Context, userID string) error {
	resp, err := a.adminRequest(ctx, http.MethodDelete, "/users/"+userID, nil)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "idp: delete user", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apperr.New(apperr.ServiceError, "idp: delete user failed")
	}
	return nil
}

// RoleMapping is a single realm role a user holds.
type RoleMapping struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListUserRoles returns the realm roles assigned to userID.
func (a *Adapter) ListUserRoles(ctx context.Context, userID string) ([]RoleMapping, error) {
	resp, err := a.adminRequest(ctx, http.MethodGet, "/users/"+userID+"/role-mappings/realm", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: list user roles", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.ServiceError, "idp: list user roles failed")
	}

	var roles []RoleMapping
	if err := json.NewDecoder(resp.Body).Decode(&roles); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: decode roles", err)
	}
	return roles, nil
}

// AssignUserRoles grants the given realm roles to userID.
func (a *Adapter) AssignUserRoles(ctx context.Context, userID string, roles []RoleMapping) error {
	resp, err := a.adminRequest(ctx, http.MethodPost, "/users/"+userID+"/role-mappings/realm", roles)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "idp: assign user roles", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apperr.New(apperr.ServiceError, "idp: assign user roles failed")
	}
	return nil
}

// ListRealmRoleMappings returns every role defined in the realm.
func (a *Adapter) ListRealmRoleMappings(ctx context.Context) ([]RoleMapping, error) {
	resp, err := a.adminRequest(ctx, http.MethodGet, "/roles", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: list realm roles", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.ServiceError, "idp: list realm roles failed")
	}

	var roles []RoleMapping
	if err := json.NewDecoder(resp.Body).Decode(&roles); err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "idp: decode realm roles", err)
	}
	return roles, nil
}

// HealthCheck verifies the realm's well-known configuration endpoint
// responds, without requiring an admin token.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/realms/%s/.well-known/openid-configuration", a.cfg.BaseURL, a.cfg.Realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "idp: health check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.ServiceError, "idp: health check failed")
	}
	return nil
}
