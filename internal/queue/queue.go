// Package queue is the durable, priority-ordered log of pending local
// mutations. Rows live in SQLite so nothing is lost between enqueue and
// confirmed server acknowledgment, including across process restarts.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftnotes/drift/internal/blob"
	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/ratelimit"
)

// Operation kinds.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation statuses.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// DefaultPriority is assigned when the caller does not care. Higher
// priorities drain sooner.
const DefaultPriority = 50

// Operation is one pending local mutation.
type Operation struct {
	ID         string
	EntityType string
	EntityID   string
	Op         string
	Payload    map[string]any
	Priority   int
	RetryCount int
	CreatedAt  time.Time
}

// Filter narrows DequeueBatch.
type Filter struct {
	EntityTypes []string
	MinPriority int
	Limit       int
}

// Queue persists operations and hands them out in priority order.
// An optional token bucket throttles dequeue throughput; an optional
// blob store absorbs payloads too large for a row.
type Queue struct {
	store          *db.Store
	blobs          *blob.Store
	limiter        *ratelimit.TokenBucket
	spillThreshold int
}

// Option configures a Queue.
type Option func(*Queue)

// WithBlobStore enables payload spillover for payloads whose JSON
// encoding exceeds threshold bytes.
func WithBlobStore(blobs *blob.Store, threshold int) Option {
	return func(q *Queue) {
		q.blobs = blobs
		q.spillThreshold = threshold
	}
}

// WithLimiter makes DequeueBatch consume one token per returned operation.
func WithLimiter(tb *ratelimit.TokenBucket) Option {
	return func(q *Queue) { q.limiter = tb }
}

func New(store *db.Store, opts ...Option) *Queue {
	q := &Queue{store: store}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends op. A missing ID gets a fresh UUID, a zero priority the
// default. The row is committed before return.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if op.Op != OpInsert && op.Op != OpUpdate && op.Op != OpDelete {
		return "", fmt.Errorf("invalid operation %q", op.Op)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Priority == 0 {
		op.Priority = DefaultPriority
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var payloadCol, blobHash sql.NullString
	if q.blobs != nil && q.spillThreshold > 0 && len(payloadJSON) > q.spillThreshold {
		hash, err := q.blobs.Put(payloadJSON)
		if err != nil {
			return "", fmt.Errorf("spill payload: %w", err)
		}
		blobHash = sql.NullString{String: hash, Valid: true}
	} else {
		payloadCol = sql.NullString{String: string(payloadJSON), Valid: true}
	}

	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_operations (op_id, entity_type, entity_id, op, payload, blob_hash, priority, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, op.ID, op.EntityType, op.EntityID, op.Op, payloadCol, blobHash, op.Priority, StatusPending,
			op.CreatedAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return op.ID, nil
}

// DequeueBatch returns pending operations ordered by priority desc then
// age, bounded by f.Limit. Operations stay pending until MarkSynced.
// With a limiter configured, each returned operation costs one token.
func (q *Queue) DequeueBatch(ctx context.Context, f Filter) ([]Operation, error) {
	return q.selectPending(ctx, f, true)
}

// PendingOperations reads pending operations without charging the
// dequeue limiter. For snapshots and inspection, never for pushing.
func (q *Queue) PendingOperations(ctx context.Context, f Filter) ([]Operation, error) {
	return q.selectPending(ctx, f, false)
}

func (q *Queue) selectPending(ctx context.Context, f Filter, throttled bool) ([]Operation, error) {
	query := `
		SELECT op_id, entity_type, entity_id, op, payload, blob_hash, priority, retry_count, created_at
		FROM sync_operations
		WHERE status = ?`
	args := []any{StatusPending}
	if len(f.EntityTypes) > 0 {
		query += fmt.Sprintf(" AND entity_type IN (%s)", placeholders(len(f.EntityTypes)))
		for _, et := range f.EntityTypes {
			args = append(args, et)
		}
	}
	if f.MinPriority > 0 {
		query += " AND priority >= ?"
		args = append(args, f.MinPriority)
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		if throttled && q.limiter != nil {
			if err := q.limiter.Acquire(ctx, 1); err != nil {
				return out, err
			}
		}
		op, err := q.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	return out, nil
}

func (q *Queue) scanOperation(rows *sql.Rows) (Operation, error) {
	var op Operation
	var payload, blobHash, createdAt sql.NullString
	if err := rows.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Op,
		&payload, &blobHash, &op.Priority, &op.RetryCount, &createdAt); err != nil {
		return op, fmt.Errorf("scan operation: %w", err)
	}
	op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)

	raw := []byte(payload.String)
	if blobHash.Valid && blobHash.String != "" {
		if q.blobs == nil {
			return op, fmt.Errorf("operation %s has spilled payload but no blob store", op.ID)
		}
		var err error
		raw, err = q.blobs.Get(blobHash.String)
		if err != nil {
			return op, fmt.Errorf("rehydrate payload %s: %w", op.ID, err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &op.Payload); err != nil {
			return op, fmt.Errorf("parse payload %s: %w", op.ID, err)
		}
	}
	return op, nil
}

// MarkSynced records server acknowledgment for ids. Only acknowledged
// operations ever leave pending.
func (q *Queue) MarkSynced(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, StatusSynced, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(fmt.Sprintf(`
			UPDATE sync_operations SET status = ?, synced_at = ?
			WHERE op_id IN (%s)
		`, placeholders(len(ids))), args...)
		return err
	})
}

// BumpRetry increments the retry counter for id.
func (q *Queue) BumpRetry(ctx context.Context, id string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_operations SET retry_count = retry_count + 1 WHERE op_id = ?`, id)
		return err
	})
}

// Delete removes one operation outright (used when a conflict resolution
// supersedes it). Spilled payloads are left to Prune.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM sync_operations WHERE op_id = ?`, id)
		return err
	})
}

// PendingCount reports how many operations await push.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_operations WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Prune deletes synced operations older than retention, releasing any
// spilled blobs they referenced. Rows are retained briefly for audit.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT blob_hash FROM sync_operations
		WHERE status = ? AND synced_at < ? AND blob_hash IS NOT NULL
	`, StatusSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune scan: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var h sql.NullString
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, err
		}
		if h.Valid && h.String != "" {
			hashes = append(hashes, h.String)
		}
	}
	rows.Close()

	var pruned int
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sync_operations WHERE status = ? AND synced_at < ?`, StatusSynced, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		pruned = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	if q.blobs != nil {
		for _, h := range hashes {
			// A hash may still back another row (dedupe); only drop
			// blobs no live row references.
			var inUse int
			if err := q.store.DB().QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sync_operations WHERE blob_hash = ?`, h).Scan(&inUse); err != nil {
				continue
			}
			if inUse == 0 {
				_ = q.blobs.Delete(h)
			}
		}
	}
	return pruned, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
