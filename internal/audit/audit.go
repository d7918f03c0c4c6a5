// Package audit implements the durable audit trail for orchestrator,
// API-key and role events. It sits beside the Token Blacklist's KV
// sorted-set audit records (spec.md §4.3); blacklist revocations are not
// written through this package.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// EventType categorizes an audit row.
type EventType string

const (
	EventLoginSuccess    EventType = "LOGIN_SUCCESS"
	EventLoginFailed     EventType = "LOGIN_FAILED"
	EventLogout          EventType = "LOGOUT"
	EventRegister        EventType = "REGISTER"
	EventTokenRevoked    EventType = "TOKEN_REVOKED"
	EventSessionRotated  EventType = "SESSION_ROTATED"
	EventSessionDestroyed EventType = "SESSION_DESTROYED"
	EventAPIKeyCreated   EventType = "API_KEY_CREATED"
	EventAPIKeyRevoked   EventType = "API_KEY_REVOKED"
	EventRoleChanged     EventType = "ROLE_CHANGED"
	EventAccountLocked   EventType = "ACCOUNT_LOCKED"
	EventUserDeleted     EventType = "USER_DELETED"
)

// Logger is the contract the Orchestrator writes lifecycle events through.
type Logger interface {
	Log(ctx context.Context, actorID string, action EventType, resource string, metadata map[string]string)
}

// JSONLogger writes structured logs to stdout tagged with a "log_type" key
// a log aggregator can route to a separate, append-only index.
type JSONLogger struct {
	logger *slog.Logger
}

func NewJSONLogger() *JSONLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, actorID string, action EventType, resource string, metadata map[string]string) {
	fields := []any{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("actor_id", actorID),
		slog.String("action", string(action)),
		slog.String("resource", resource),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	for k, v := range metadata {
		fields = append(fields, slog.String("meta_"+k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// NoopLogger discards every event; useful for tests and for processes that
// run without a relational mirror configured.
type NoopLogger struct{}

func (NoopLogger) Log(context.Context, string, EventType, string, map[string]string) {}
