package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Entry is a single durable audit row, written through a Writer.
type Entry struct {
	ActorID   string
	Action    EventType
	Resource  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// MetadataJSON marshals Metadata for storage, falling back to an empty
// object rather than failing the write over an unmarshalable field.
func (e Entry) MetadataJSON() []byte {
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Writer is the narrow persistence contract DBLogger writes through —
// satisfied by internal/storage's relational Mirror, kept separate here so
// this package never imports storage (storage already imports this package
// for Writer and Entry, and Go forbids import cycles).
type Writer interface {
	WriteAudit(ctx context.Context, e Entry) error
}

// DBLogger persists audit events to the relational mirror, logging (but
// never failing the caller on) write errors — a secondary audit trail must
// never block a login, logout, or registration.
type DBLogger struct {
	writer Writer
	logger *slog.Logger
}

func NewDBLogger(writer Writer, logger *slog.Logger) *DBLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBLogger{writer: writer, logger: logger}
}

func (d *DBLogger) Log(ctx context.Context, actorID string, action EventType, resource string, metadata map[string]string) {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	err := d.writer.WriteAudit(ctx, Entry{
		ActorID:  actorID,
		Action:   action,
		Resource: resource,
		Metadata: meta,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "audit_db_insert_failed", "action", string(action), "actor", actorID, "error", err)
	}
}
