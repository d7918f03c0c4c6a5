package rbac_test

import (
	"context"
	"testing"

	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/rbac"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *rbac.Evaluator {
	t.Helper()
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	return rbac.New(nil, c)
}

func TestEvaluator_DefaultRolesSeeded(t *testing.T) {
	e := newTestEvaluator(t)

	admin := rbac.Subject{UserID: "u1", Roles: []string{"admin"}}
	require.True(t, e.Can(admin, "delete", "anything", nil))

	guest := rbac.Subject{UserID: "u2", Roles: []string{"guest"}}
	require.True(t, e.Can(guest, "read", "user", nil))
	require.False(t, e.Can(guest, "write", "user", nil))
}

func TestEvaluator_DirectPermissions(t *testing.T) {
	e := newTestEvaluator(t)

	subject := rbac.Subject{UserID: "u3", DirectPermissions: []string{"approve:invoice"}}
	require.True(t, e.Can(subject, "approve", "invoice", nil))
	require.False(t, e.Can(subject, "approve", "payroll", nil))
}

func TestEvaluator_ConditionsMustMatchAttrs(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, e.AddRole(ctx, rbac.Role{
		Name: "owner-only",
		Permissions: []rbac.Permission{
			{Action: "update", Resource: "document", Conditions: map[string]any{"ownerId": "u4"}},
		},
	}))

	subject := rbac.Subject{UserID: "u4", Roles: []string{"owner-only"}}
	require.True(t, e.Can(subject, "update", "document", map[string]any{"ownerId": "u4"}))
	require.False(t, e.Can(subject, "update", "document", map[string]any{"ownerId": "someone-else"}))
}

func TestEvaluator_RoleMutationInvalidatesCachedAbility(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, e.AddRole(ctx, rbac.Role{Name: "editor", Permissions: []rbac.Permission{
		{Action: "edit", Resource: "post"},
	}}))

	subject := rbac.Subject{UserID: "u5", Roles: []string{"editor"}}
	require.True(t, e.Can(subject, "edit", "post", nil))
	require.False(t, e.Can(subject, "publish", "post", nil))

	require.NoError(t, e.AddPermissionToRole(ctx, "editor", rbac.Permission{Action: "publish", Resource: "post"}))

	require.True(t, e.Can(subject, "publish", "post", nil))
}

func TestEvaluator_GetUserPermissionsUnion(t *testing.T) {
	e := newTestEvaluator(t)

	subject := rbac.Subject{UserID: "u6", Roles: []string{"user"}, DirectPermissions: []string{"export:report"}}
	perms := e.GetUserPermissions(subject)

	require.Contains(t, perms, "read:self")
	require.Contains(t, perms, "update:self")
	require.Contains(t, perms, "export:report")
}

func TestEvaluator_GetPermittedFields(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := context.Background()

	require.NoError(t, e.AddRole(ctx, rbac.Role{Name: "support", Permissions: []rbac.Permission{
		{Action: "read", Resource: "ticket", Fields: []string{"status", "subject"}},
	}}))

	subject := rbac.Subject{UserID: "u7", Roles: []string{"support"}}
	fields := e.GetPermittedFields(subject, "read", "ticket")
	require.ElementsMatch(t, []string{"status", "subject"}, fields)
}

func TestEvaluator_AddRoleRejectsInvalidPermission(t *testing.T) {
	e := newTestEvaluator(t)
	err := e.AddRole(context.Background(), rbac.Role{
		Name:        "broken",
		Permissions: []rbac.Permission{{Action: "", Resource: "x"}},
	})
	require.ErrorIs(t, err, rbac.ErrInvalidPermission)
}

func TestEvaluator_RemoveRoleNotFound(t *testing.T) {
	e := newTestEvaluator(t)
	err := e.RemoveRole(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, rbac.ErrRoleNotFound)
}
