package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

// Well-known sync_state keys.
const (
	KeyLastSyncAt       = "last_sync_at"
	KeyBackgroundConfig = "background_sync_config"
	KeyBackgroundStats  = "background_sync_stats"
	KeyFailureCount     = "sync_failure_count"
)

// LocalVersion is the current local state of one entity, read at
// conflict-check time.
type LocalVersion struct {
	EntityType string
	EntityID   string
	Version    int64
	Data       map[string]any
	UpdatedAt  time.Time
	Deleted    bool
}

// EntityWrite is one entity mutation applied inside a single transaction.
type EntityWrite struct {
	EntityType string
	EntityID   string
	Version    int64
	Data       map[string]any
	UpdatedAt  time.Time
	Deleted    bool
}

// Store wraps the connection with the typed reads/writes the sync core
// needs. SQLite is single-writer; writes are serialized through mu so
// concurrent callers never trip over SQLITE_BUSY.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
}

func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// DB exposes the raw connection for packages that own their own tables.
func (s *Store) DB() *sql.DB { return s.conn }

// WithTx runs fn inside one transaction, committing on nil error.
// Transactions are scoped to one operation and never held across
// network calls.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetEntity returns the local version of an entity, or ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*LocalVersion, error) {
	var lv LocalVersion
	var dataJSON, updatedAt string
	var deleted int
	err := s.conn.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, version, data, updated_at, deleted
		FROM entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&lv.EntityType, &lv.EntityID, &lv.Version, &dataJSON, &updatedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &lv.Data); err != nil {
		return nil, fmt.Errorf("parse entity data: %w", err)
	}
	lv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	lv.Deleted = deleted != 0
	return &lv, nil
}

// ApplyEntity upserts one entity in its own transaction. The version guard
// makes the write a no-op when the stored version is already newer, so an
// entity's version never regresses even on replayed pulls.
func (s *Store) ApplyEntity(ctx context.Context, w EntityWrite) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return applyEntityTx(tx, w)
	})
}

func applyEntityTx(tx *sql.Tx, w EntityWrite) error {
	dataJSON, err := json.Marshal(w.Data)
	if err != nil {
		return fmt.Errorf("marshal entity data: %w", err)
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	deleted := 0
	if w.Deleted {
		deleted = 1
	}
	_, err = tx.Exec(`
		INSERT INTO entities (entity_type, entity_id, version, data, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
		WHERE excluded.version >= entities.version
	`, w.EntityType, w.EntityID, w.Version, string(dataJSON), w.UpdatedAt.UTC().Format(time.RFC3339Nano), deleted)
	if err != nil {
		return fmt.Errorf("apply entity %s/%s: %w", w.EntityType, w.EntityID, err)
	}
	return nil
}

// GetKV reads a sync_state value. Missing keys return ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetKV writes a sync_state value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetKVTime reads a sync_state timestamp. Missing or blank keys return the
// zero time with no error.
func (s *Store) GetKVTime(ctx context.Context, key string) (time.Time, error) {
	v, err := s.GetKV(ctx, key)
	if err == ErrNotFound || v == "" {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse state %s: %w", key, err)
	}
	return t, nil
}

// SetKVTime writes a sync_state timestamp.
func (s *Store) SetKVTime(ctx context.Context, key string, t time.Time) error {
	return s.SetKV(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
