package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnotes/drift/internal/blob"
	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/ratelimit"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(db.NewStore(conn), opts...)
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	_, err := q.Enqueue(ctx, Operation{
		EntityType: "note", EntityID: "n1", Op: OpInsert,
		Payload: map[string]any{"title": "first"}, CreatedAt: base,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Operation{
		EntityType: "note", EntityID: "n2", Op: OpUpdate,
		Payload: map[string]any{"title": "urgent"}, Priority: 90, CreatedAt: base.Add(time.Second),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Operation{
		EntityType: "note", EntityID: "n3", Op: OpDelete, CreatedAt: base.Add(2 * time.Second),
	})
	require.NoError(t, err)

	ops, err := q.DequeueBatch(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	// priority desc first, then created_at asc
	assert.Equal(t, "n2", ops[0].EntityID)
	assert.Equal(t, "n1", ops[1].EntityID)
	assert.Equal(t, "n3", ops[2].EntityID)
	assert.Equal(t, DefaultPriority, ops[1].Priority)
}

func TestDequeueFilters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, et := range []string{"note", "task", "note"} {
		_, err := q.Enqueue(ctx, Operation{EntityType: et, EntityID: et, Op: OpInsert})
		require.NoError(t, err)
	}

	ops, err := q.DequeueBatch(ctx, Filter{EntityTypes: []string{"task"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "task", ops[0].EntityType)

	ops, err = q.DequeueBatch(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestMarkSyncedAndPendingCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, Operation{EntityType: "note", EntityID: "n1", Op: OpInsert})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Operation{EntityType: "note", EntityID: "n2", Op: OpInsert})
	require.NoError(t, err)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.MarkSynced(ctx, id1))
	n, err = q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := q.DequeueBatch(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "n2", ops[0].EntityID)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/drift.db"
	ctx := context.Background()

	conn, err := db.Open(path)
	require.NoError(t, err)
	q := New(db.NewStore(conn))
	id, err := q.Enqueue(ctx, Operation{
		EntityType: "note", EntityID: "n1", Op: OpUpdate,
		Payload: map[string]any{"body": "survives restarts"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn2, err := db.Open(path)
	require.NoError(t, err)
	defer conn2.Close()
	q2 := New(db.NewStore(conn2))

	ops, err := q2.DequeueBatch(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
	assert.Equal(t, "survives restarts", ops[0].Payload["body"])
}

func TestPayloadSpillover(t *testing.T) {
	blobs := blob.New(t.TempDir(), nil)
	q := newTestQueue(t, WithBlobStore(blobs, 128))
	ctx := context.Background()

	big := strings.Repeat("x", 1024)
	id, err := q.Enqueue(ctx, Operation{
		EntityType: "note", EntityID: "n1", Op: OpInsert,
		Payload: map[string]any{"body": big},
	})
	require.NoError(t, err)

	// Row must not carry the payload inline.
	var payload, blobHash *string
	err = q.store.DB().QueryRow(`SELECT payload, blob_hash FROM sync_operations WHERE op_id = ?`, id).
		Scan(&payload, &blobHash)
	require.NoError(t, err)
	assert.Nil(t, payload)
	require.NotNil(t, blobHash)

	ops, err := q.DequeueBatch(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, big, ops[0].Payload["body"])
}

func TestPrune(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Operation{EntityType: "note", EntityID: "n1", Op: OpInsert})
	require.NoError(t, err)
	keep, err := q.Enqueue(ctx, Operation{EntityType: "note", EntityID: "n2", Op: OpInsert})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, id, keep))

	// Age the first row past retention.
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	_, err = q.store.DB().Exec(`UPDATE sync_operations SET synced_at = ? WHERE op_id = ?`, old, id)
	require.NoError(t, err)

	pruned, err := q.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	var remaining int
	require.NoError(t, q.store.DB().QueryRow(`SELECT COUNT(*) FROM sync_operations`).Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestPendingOperationsSkipsLimiter(t *testing.T) {
	// One token, refilling over an hour: a throttled read would block.
	tb := ratelimit.NewTokenBucket(1, time.Hour, false)
	q := newTestQueue(t, WithLimiter(tb))
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := q.Enqueue(ctx, Operation{EntityType: "note", EntityID: id, Op: OpInsert})
		require.NoError(t, err)
	}

	ops, err := q.PendingOperations(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	assert.Equal(t, float64(1), tb.Tokens())

	// The push path still pays per operation.
	ops, err = q.DequeueBatch(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
	assert.Less(t, tb.Tokens(), float64(1))
}

func TestEnqueueRejectsUnknownOp(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), Operation{EntityType: "note", EntityID: "n1", Op: "upsert"})
	assert.Error(t, err)
}
