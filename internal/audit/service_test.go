package audit_test

import (
	"context"
	"testing"

	"github.com/lavente-care/auth-core/internal/audit"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	entries []audit.Entry
	failOn  audit.EventType
}

func (f *fakeWriter) WriteAudit(ctx context.Context, e audit.Entry) error {
	if e.Action == f.failOn {
		return context.DeadlineExceeded
	}
	f.entries = append(f.entries, e)
	return nil
}

func TestDBLogger_WritesThroughToWriter(t *testing.T) {
	w := &fakeWriter{}
	logger := audit.NewDBLogger(w, nil)

	logger.Log(context.Background(), "user-1", audit.EventLoginSuccess, "session", map[string]string{"ip": "127.0.0.1"})

	require.Len(t, w.entries, 1)
	require.Equal(t, "user-1", w.entries[0].ActorID)
	require.Equal(t, audit.EventLoginSuccess, w.entries[0].Action)
	require.Equal(t, "127.0.0.1", w.entries[0].Metadata["ip"])
}

func TestDBLogger_WriteFailureDoesNotPanic(t *testing.T) {
	w := &fakeWriter{failOn: audit.EventLoginFailed}
	logger := audit.NewDBLogger(w, nil)

	require.NotPanics(t, func() {
		logger.Log(context.Background(), "user-2", audit.EventLoginFailed, "session", nil)
	})
	require.Empty(t, w.entries)
}

func TestEntry_MetadataJSONFallsBackOnUnmarshalable(t *testing.T) {
	e := audit.Entry{Metadata: map[string]any{"fn": func() {}}}
	require.Equal(t, []byte("{}"), e.MetadataJSON())
}
