package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnotes/drift/internal/db"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewLog(db.NewStore(conn))
}

func TestAuditTrailAppendOnly(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.RecordResolution(ctx, "note", "n1", LastWriteWins, WinnerServer))
	require.NoError(t, l.RecordResolution(ctx, "note", "n2", ClientWins, WinnerLocal))

	entries, err := l.ListResolutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, "n2", entries[0].EntityID)
	assert.Equal(t, LastWriteWins, entries[1].Strategy)
	assert.Equal(t, WinnerServer, entries[1].Winner)
	assert.False(t, entries[0].ResolvedAt.IsZero())
}

func TestManualQueueLifecycle(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	local := map[string]any{"title": "mine"}
	server := map[string]any{"title": "theirs"}
	id, err := l.EnqueueManual(ctx, "note", "n1", local, server)
	require.NoError(t, err)

	pending, err := l.ListManual(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mine", pending[0].LocalPayload["title"])
	assert.Equal(t, "theirs", pending[0].ServerPayload["title"])

	entry, err := l.ResolveManual(ctx, id, WinnerLocal)
	require.NoError(t, err)
	assert.True(t, entry.Resolved)
	assert.Equal(t, WinnerLocal, entry.Winner)

	pending, err = l.ListManual(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Resolution lands in the audit trail.
	audit, err := l.ListResolutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, Manual, audit[0].Strategy)

	// Double-resolve is rejected.
	_, err = l.ResolveManual(ctx, id, WinnerServer)
	assert.Error(t, err)
}

func TestResolveManualValidatesWinner(t *testing.T) {
	l := newTestLog(t)
	_, err := l.ResolveManual(context.Background(), 1, "merged")
	assert.Error(t, err)
}

func TestGetManualMissing(t *testing.T) {
	l := newTestLog(t)
	_, err := l.GetManual(context.Background(), 999)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
