package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftnotes/drift/internal/db"
)

// Log persists the append-only resolution audit trail and the queue of
// conflicts waiting for manual intervention.
type Log struct {
	store *db.Store
}

func NewLog(store *db.Store) *Log {
	return &Log{store: store}
}

// ResolvedEntry is one row of the audit trail.
type ResolvedEntry struct {
	ID         int64
	EntityType string
	EntityID   string
	Strategy   Strategy
	Winner     string
	ResolvedAt time.Time
}

// ManualEntry is one conflict parked for human resolution.
type ManualEntry struct {
	ID            int64
	EntityType    string
	EntityID      string
	LocalPayload  map[string]any
	ServerPayload map[string]any
	CreatedAt     time.Time
	Resolved      bool
	Winner        string
}

// RecordResolution appends one applied resolution to the audit log.
// Rows are never updated afterwards.
func (l *Log) RecordResolution(ctx context.Context, entityType, entityID string, strategy Strategy, winner string) error {
	return l.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO conflict_log (entity_type, entity_id, strategy, winner, resolved_at)
			VALUES (?, ?, ?, ?, ?)
		`, entityType, entityID, string(strategy), winner, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// ListResolutions returns the most recent audit entries, newest first.
func (l *Log) ListResolutions(ctx context.Context, limit int) ([]ResolvedEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, strategy, winner, resolved_at
		FROM conflict_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []ResolvedEntry
	for rows.Next() {
		var e ResolvedEntry
		var strategy, resolvedAt string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &strategy, &e.Winner, &resolvedAt); err != nil {
			return nil, err
		}
		e.Strategy = Strategy(strategy)
		e.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueManual parks the raw local/server payloads for later human
// resolution.
func (l *Log) EnqueueManual(ctx context.Context, entityType, entityID string, local, server map[string]any) (int64, error) {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return 0, fmt.Errorf("marshal local payload: %w", err)
	}
	serverJSON, err := json.Marshal(server)
	if err != nil {
		return 0, fmt.Errorf("marshal server payload: %w", err)
	}
	var id int64
	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO manual_conflicts (entity_type, entity_id, local_payload, server_payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, entityType, entityID, string(localJSON), string(serverJSON), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue manual conflict: %w", err)
	}
	return id, nil
}

// ListManual returns unresolved manual conflicts, oldest first.
func (l *Log) ListManual(ctx context.Context) ([]ManualEntry, error) {
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, local_payload, server_payload, created_at, resolved, COALESCE(winner, '')
		FROM manual_conflicts WHERE resolved = 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list manual conflicts: %w", err)
	}
	defer rows.Close()

	var out []ManualEntry
	for rows.Next() {
		var e ManualEntry
		var localJSON, serverJSON, createdAt string
		var resolved int
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &localJSON, &serverJSON, &createdAt, &resolved, &e.Winner); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(localJSON), &e.LocalPayload); err != nil {
			return nil, fmt.Errorf("parse local payload %d: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(serverJSON), &e.ServerPayload); err != nil {
			return nil, fmt.Errorf("parse server payload %d: %w", e.ID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetManual returns one manual conflict by id.
func (l *Log) GetManual(ctx context.Context, id int64) (*ManualEntry, error) {
	var e ManualEntry
	var localJSON, serverJSON, createdAt string
	var resolved int
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, local_payload, server_payload, created_at, resolved, COALESCE(winner, '')
		FROM manual_conflicts WHERE id = ?
	`, id).Scan(&e.ID, &e.EntityType, &e.EntityID, &localJSON, &serverJSON, &createdAt, &resolved, &e.Winner)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manual conflict %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(localJSON), &e.LocalPayload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(serverJSON), &e.ServerPayload); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.Resolved = resolved != 0
	return &e, nil
}

// ResolveManual marks a manual conflict resolved with the chosen winner
// and records the decision in the audit trail.
func (l *Log) ResolveManual(ctx context.Context, id int64, winner string) (*ManualEntry, error) {
	if winner != WinnerLocal && winner != WinnerServer {
		return nil, fmt.Errorf("invalid winner %q", winner)
	}
	entry, err := l.GetManual(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Resolved {
		return nil, fmt.Errorf("conflict %d already resolved", id)
	}
	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE manual_conflicts SET resolved = 1, resolved_at = ?, winner = ? WHERE id = ?
		`, time.Now().UTC().Format(time.RFC3339Nano), winner, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve manual conflict %d: %w", id, err)
	}
	if err := l.RecordResolution(ctx, entry.EntityType, entry.EntityID, Manual, winner); err != nil {
		return nil, err
	}
	entry.Resolved = true
	entry.Winner = winner
	return entry, nil
}
