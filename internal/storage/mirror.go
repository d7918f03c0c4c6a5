package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente-care/auth-core/internal/apperr"
	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/lavente-care/auth-core/internal/orchestrator"
)

// Mirror implements the relational half of the Auth Orchestrator's
// UserStore contract against a flat `users` table, and the audit.Writer
// contract against `audit_log`. It never originates identity — every row
// here is written in response to an IdP event (spec.md §1 Non-goal: "core
// does not own user records canonically; user identity is authoritative
// in the IdP, mirrored in the relational store").
type Mirror struct {
	pool *pgxpool.Pool
}

func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

var (
	_ orchestrator.UserStore = (*Mirror)(nil)
	_ audit.Writer           = (*Mirror)(nil)
)

// Mirror upserts the IdP-sourced record, matching on user_id.
func (m *Mirror) Mirror(ctx context.Context, rec orchestrator.MirrorRecord) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO users (user_id, email, name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			updated_at = now()
	`, rec.UserID, rec.Email, rec.Name, rec.Active)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "storage: mirror user", err)
	}
	return nil
}

// Get returns the mirrored row for userID, or a ServiceError if the mirror
// has never seen this user (e.g. created directly in the IdP out of band)
// or the row is soft-deleted.
func (m *Mirror) Get(ctx context.Context, userID string) (*orchestrator.MirrorRecord, error) {
	var rec orchestrator.MirrorRecord
	err := m.pool.QueryRow(ctx, `
		SELECT user_id, email, name, active, created_at, updated_at
		FROM users WHERE user_id = $1 AND deleted_at IS NULL
	`, userID).Scan(&rec.UserID, &rec.Email, &rec.Name, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ServiceError, "storage: user not mirrored")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceError, "storage: get user", err)
	}
	return &rec, nil
}

// Update patches arbitrary fields on the mirror row (the orchestrator uses
// this for profile-field updates that don't warrant a full re-mirror).
func (m *Mirror) Update(ctx context.Context, userID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	if email, ok := patch["email"].(string); ok {
		if _, err := m.pool.Exec(ctx, `UPDATE users SET email = $1, updated_at = now() WHERE user_id = $2`, email, userID); err != nil {
			return apperr.Wrap(apperr.ServiceError, "storage: update user email", err)
		}
	}
	if name, ok := patch["name"].(string); ok {
		if _, err := m.pool.Exec(ctx, `UPDATE users SET name = $1, updated_at = now() WHERE user_id = $2`, name, userID); err != nil {
			return apperr.Wrap(apperr.ServiceError, "storage: update user name", err)
		}
	}
	return nil
}

// SoftDelete marks the mirror row deleted without removing it, preserving
// audit-trail referential integrity (deleted users still have historical
// audit_log rows pointing at them).
func (m *Mirror) SoftDelete(ctx context.Context, userID string) error {
	_, err := m.pool.Exec(ctx, `UPDATE users SET active = false, deleted_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "storage: soft delete user", err)
	}
	return nil
}

// WriteAudit appends a single audit row (audit.Writer). Failures are never
// fatal to the caller's primary operation — audit.DBLogger logs and
// swallows write errors rather than failing a login/logout/register call
// over a secondary audit trail.
func (m *Mirror) WriteAudit(ctx context.Context, e audit.Entry) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_id, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, e.ActorID, e.Action, e.Resource, e.MetadataJSON())
	if err != nil {
		return apperr.Wrap(apperr.ServiceError, "storage: write audit row", err)
	}
	return nil
}
