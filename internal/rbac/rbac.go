// Package rbac implements the Permission Evaluator: the role/permission
// model, ability construction, evaluation, and field-level permits (spec
// §4.6).
package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/kv"
)

// ManageAction and AllResource are the wildcard sentinels for an open action/resource string set:
// "manage" matches any action, "all" matches any resource (spec §4.6).
const (
	ManageAction = "manage"
	AllResource  = "all"
)

// Permission is one grant within a role.
type Permission struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Fields     []string       `json:"fields,omitempty"`
}

// Role is the named bundle of permissions a user may carry.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// Rule is one entry in a built Ability — the interpreted, non-compiled
// representation used at evaluation time (spec §9 ability/rule design).
type Rule struct {
	Action     string
	Resource   string
	Conditions map[string]any
	Fields     []string
	Invert     bool
}

// Ability is an ordered list of rules for a single subject, built once
// per role-version and cached thereafter.
type Ability struct {
	Rules []Rule
}

// Subject is the user-shaped input to Can/GetUserPermissions: a set of
// role names plus any permission strings granted directly.
type Subject struct {
	UserID             string
	Roles              []string
	DirectPermissions  []string
}

var (
	ErrInvalidPermission = apperr.New(apperr.ValidationError, "rbac: permission must have non-empty action and resource")
	ErrRoleNotFound      = apperr.New(apperr.ValidationError, "rbac: role not found")
)

// Evaluator owns the in-memory role map (spec §3 "Role map is owned by
// the Permission Evaluator"). The KV copy is advisory only.
type Evaluator struct {
	mu    sync.RWMutex
	roles map[string]*Role

	// roleVersion increments on every mutation; it is folded into the
	// ability cache key so a stale cached ability is never served after
	// a role changes (spec §4.6 "bumping the role-version counter").
	roleVersion uint64

	kv    kv.KV
	cache *cache.Cache
	audit audit.Logger
}

// New builds an Evaluator seeded with the three default roles (spec §3):
// admin (manage:all), user (basic self-access), guest (read user).
func New(store kv.KV, c *cache.Cache) *Evaluator {
	e := &Evaluator{
		roles: make(map[string]*Role),
		kv:    store,
		cache: c,
		audit: audit.NoopLogger{},
	}
	e.seedDefaults()
	return e
}

// SetAuditLogger wires a durable audit sink for role mutations.
func (e *Evaluator) SetAuditLogger(l audit.Logger) {
	if l == nil {
		l = audit.NoopLogger{}
	}
	e.audit = l
}

func (e *Evaluator) seedDefaults() {
	e.roles["admin"] = &Role{
		ID:   "admin", Name: "admin", Description: "full access",
		Permissions: []Permission{{Action: ManageAction, Resource: AllResource}},
	}
	e.roles["user"] = &Role{
		ID:   "user", Name: "user", Description: "basic self-access",
		Permissions: []Permission{
			{Action: "read", Resource: "self"},
			{Action: "update", Resource: "self"},
		},
	}
	e.roles["guest"] = &Role{
		ID:   "guest", Name: "guest", Description: "read-only access to user resources",
		Permissions: []Permission{{Action: "read", Resource: "user"}},
	}
}

// AddRole inserts or replaces a role, validating every permission has a
// non-empty action and resource (spec §3 Role invariant).
func (e *Evaluator) AddRole(ctx context.Context, role Role) error {
	for _, p := range role.Permissions {
		if p.Action == "" || p.Resource == "" {
			return ErrInvalidPermission
		}
	}

	e.mu.Lock()
	e.roles[role.Name] = &role
	e.roleVersion++
	e.mu.Unlock()

	e.mirrorAndInvalidate(ctx, &role)
	e.audit.Log(ctx, "system", audit.EventRoleChanged, role.Name, map[string]string{"op": "add_role"})
	return nil
}

// RemoveRole deletes a role by name.
func (e *Evaluator) RemoveRole(ctx context.Context, name string) error {
	e.mu.Lock()
	if _, ok := e.roles[name]; !ok {
		e.mu.Unlock()
		return ErrRoleNotFound
	}
	delete(e.roles, name)
	e.roleVersion++
	e.mu.Unlock()

	if e.kv != nil {
		_ = e.kv.Del(ctx, "role:"+name)
	}
	e.invalidateCaches()
	e.audit.Log(ctx, "system", audit.EventRoleChanged, name, map[string]string{"op": "remove_role"})
	return nil
}

// AddPermissionToRole appends a permission to an existing role.
func (e *Evaluator) AddPermissionToRole(ctx context.Context, roleName string, p Permission) error {
	if p.Action == "" || p.Resource == "" {
		return ErrInvalidPermission
	}

	e.mu.Lock()
	role, ok := e.roles[roleName]
	if !ok {
		e.mu.Unlock()
		return ErrRoleNotFound
	}
	role.Permissions = append(role.Permissions, p)
	e.roleVersion++
	updated := *role
	e.mu.Unlock()

	e.mirrorAndInvalidate(ctx, &updated)
	e.audit.Log(ctx, "system", audit.EventRoleChanged, roleName, map[string]string{"op": "add_permission"})
	return nil
}

// RemovePermissionFromRole drops every permission matching action+resource.
func (e *Evaluator) RemovePermissionFromRole(ctx context.Context, roleName, action, resource string) error {
	e.mu.Lock()
	role, ok := e.roles[roleName]
	if !ok {
		e.mu.Unlock()
		return ErrRoleNotFound
	}
	kept := role.Permissions[:0]
	for _, p := range role.Permissions {
		if p.Action == action && p.Resource == resource {
			continue
		}
		kept = append(kept, p)
	}
	role.Permissions = kept
	e.roleVersion++
	updated := *role
	e.mu.Unlock()

	e.mirrorAndInvalidate(ctx, &updated)
	e.audit.Log(ctx, "system", audit.EventRoleChanged, roleName, map[string]string{"op": "remove_permission"})
	return nil
}

func (e *Evaluator) mirrorAndInvalidate(ctx context.Context, role *Role) {
	if e.kv != nil {
		if payload, err := json.Marshal(role); err == nil {
			_ = e.kv.SetEx(ctx, "role:"+role.Name, time.Hour, string(payload))
		}
	}
	e.invalidateCaches()
}

func (e *Evaluator) invalidateCaches() {
	if e.cache == nil {
		return
	}
	e.cache.InvalidatePattern(cache.Data, "permissions")
	e.cache.InvalidatePattern(cache.Data, "roles")
	e.cache.InvalidatePattern(cache.Data, "ability")
}

func (e *Evaluator) version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.roleVersion
}

func (e *Evaluator) roleByName(name string) (*Role, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[name]
	return r, ok
}

// BuildAbility constructs the Ability for a subject: role-derived rules
// followed by direct permission rules, reusing the cached ability for the
// current role-version if present (spec §4.6).
func (e *Evaluator) BuildAbility(subject Subject) *Ability {
	cacheKey := fmt.Sprintf("%s:v%d", subject.UserID, e.version())
	if e.cache != nil {
		if v, ok := e.cache.Get(cache.Data, "ability", cacheKey); ok {
			if ab, ok := v.(*Ability); ok {
				return ab
			}
		}
	}

	var rules []Rule
	for _, roleName := range subject.Roles {
		role, ok := e.roleByName(roleName)
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			rules = append(rules, Rule{
				Action: p.Action, Resource: p.Resource,
				Conditions: p.Conditions, Fields: p.Fields,
			})
		}
	}
	for _, direct := range subject.DirectPermissions {
		action, resource, ok := splitPermission(direct)
		if !ok {
			continue
		}
		rules = append(rules, Rule{Action: action, Resource: resource})
	}

	ability := &Ability{Rules: rules}
	if e.cache != nil {
		e.cache.Set(cache.Data, "ability", cacheKey, ability, 10*time.Minute)
	}
	return ability
}

func splitPermission(s string) (action, resource string, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Can evaluates whether subject may perform action on resource, optionally
// against a structured attribute map (spec §4.6 can()).
func (e *Evaluator) Can(subject Subject, action, resource string, attrs map[string]any) bool {
	ability := e.BuildAbility(subject)

	for _, rule := range ability.Rules {
		if !matches(rule.Action, action) || !matches(rule.Resource, resource) {
			continue
		}
		if !conditionsSatisfied(rule.Conditions, attrs) {
			continue
		}
		if rule.Invert {
			return false
		}
		return true
	}
	return false
}

func matches(ruleValue, candidate string) bool {
	if ruleValue == ManageAction || ruleValue == AllResource {
		return true
	}
	return ruleValue == candidate
}

// conditionsSatisfied evaluates a rule's conditions against the supplied
// attribute map. Conditions are vacuously true when attrs is nil, since
// structural checks only apply when a concrete subject is supplied (spec
// §4.6).
func conditionsSatisfied(conditions map[string]any, attrs map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}
	if attrs == nil {
		return true
	}
	for key, want := range conditions {
		got, ok := attrs[key]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// GetUserPermissions returns the union of role-derived and direct
// permission strings for a subject (spec §4.6 getUserPermissions).
func (e *Evaluator) GetUserPermissions(subject Subject) []string {
	ability := e.BuildAbility(subject)
	seen := make(map[string]struct{}, len(ability.Rules))
	out := make([]string, 0, len(ability.Rules))
	for _, rule := range ability.Rules {
		key := rule.Action + ":" + rule.Resource
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// GetPermittedFields returns the union of field lists across every rule
// matching action+resource (spec §4.6 getPermittedFields).
func (e *Evaluator) GetPermittedFields(subject Subject, action, resource string) []string {
	ability := e.BuildAbility(subject)
	seen := make(map[string]struct{})
	var out []string
	for _, rule := range ability.Rules {
		if !matches(rule.Action, action) || !matches(rule.Resource, resource) {
			continue
		}
		for _, f := range rule.Fields {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
