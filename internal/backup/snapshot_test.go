package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/queue"
)

func newLocalData(t *testing.T) (*db.Store, *queue.Queue) {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := db.NewStore(conn)
	return store, queue.New(store)
}

func seed(t *testing.T, store *db.Store, q *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.ApplyEntity(ctx, db.EntityWrite{
		EntityType: "note", EntityID: "n1", Version: 3,
		Data: map[string]any{"title": "hello"},
	}))
	require.NoError(t, store.ApplyEntity(ctx, db.EntityWrite{
		EntityType: "note", EntityID: "n2", Version: 1,
		Data: map[string]any{"title": "gone"}, Deleted: true,
	}))
	_, err := q.Enqueue(ctx, queue.Operation{
		ID: "op-1", EntityType: "note", EntityID: "n3", Op: queue.OpInsert,
		Payload: map[string]any{"title": "queued"},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetKVTime(ctx, db.KeyLastSyncAt, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSnapshotCreateAndRestore(t *testing.T) {
	ctx := context.Background()
	store, q := newLocalData(t)
	seed(t, store, q)
	dest := NewFolderStore(t.TempDir())

	snap := NewSnapshotter(store, q, dest, "laptop")
	key, err := snap.Create(ctx)
	require.NoError(t, err)
	assert.Contains(t, key, "devices/laptop/snapshots/")

	keys, err := snap.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	// Restore into a fresh dataset.
	store2, q2 := newLocalData(t)
	restore := NewSnapshotter(store2, q2, dest, "laptop")
	require.NoError(t, restore.Restore(ctx, key))

	lv, err := store2.GetEntity(ctx, "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), lv.Version)
	assert.Equal(t, "hello", lv.Data["title"])

	tomb, err := store2.GetEntity(ctx, "note", "n2")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	n, err := q2.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wm, err := store2.GetKVTime(ctx, db.KeyLastSyncAt)
	require.NoError(t, err)
	assert.Equal(t, 2026, wm.Year())
}

func TestRestoreDoesNotRegressNewerEntities(t *testing.T) {
	ctx := context.Background()
	store, q := newLocalData(t)
	seed(t, store, q)
	dest := NewFolderStore(t.TempDir())

	snap := NewSnapshotter(store, q, dest, "laptop")
	key, err := snap.Create(ctx)
	require.NoError(t, err)

	// The entity moved on since the snapshot was taken.
	require.NoError(t, store.ApplyEntity(ctx, db.EntityWrite{
		EntityType: "note", EntityID: "n1", Version: 9,
		Data: map[string]any{"title": "newer"},
	}))

	require.NoError(t, snap.Restore(ctx, key))
	lv, err := store.GetEntity(ctx, "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), lv.Version)
	assert.Equal(t, "newer", lv.Data["title"])
}

func TestKeepPrunesOldSnapshots(t *testing.T) {
	ctx := context.Background()
	store, q := newLocalData(t)
	seed(t, store, q)
	dest := NewFolderStore(t.TempDir())
	snap := NewSnapshotter(store, q, dest, "laptop")

	var keys []string
	for i := 0; i < 3; i++ {
		key, err := snap.Create(ctx)
		require.NoError(t, err)
		keys = append(keys, key)
		time.Sleep(2 * time.Millisecond) // distinct timestamped names
	}

	deleted, err := snap.Keep(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := snap.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[1:], remaining)

	// Keep with headroom is a no-op.
	deleted, err = snap.Keep(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
