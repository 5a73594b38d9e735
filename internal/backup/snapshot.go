package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/driftnotes/drift/internal/db"
	"github.com/driftnotes/drift/internal/queue"
)

const snapshotVersion = 1

// snapshotDoc is the serialized dataset: every entity, every pending
// operation (payloads rehydrated from blob spillover), and the sync
// state keys. Compressed with zstd before upload.
type snapshotDoc struct {
	Version    int               `json:"version"`
	Device     string            `json:"device"`
	CreatedAt  time.Time         `json:"created_at"`
	Entities   []entityRow       `json:"entities"`
	Operations []queue.Operation `json:"operations"`
	State      map[string]string `json:"state"`
}

type entityRow struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Version    int64          `json:"v"`
	Data       map[string]any `json:"data"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Deleted    bool           `json:"deleted,omitempty"`
}

// Snapshotter writes and restores dataset snapshots.
type Snapshotter struct {
	store  *db.Store
	queue  *queue.Queue
	dest   Store
	device string
}

func NewSnapshotter(store *db.Store, q *queue.Queue, dest Store, device string) *Snapshotter {
	return &Snapshotter{store: store, queue: q, dest: dest, device: device}
}

func (s *Snapshotter) prefix() string {
	return path.Join("devices", s.device, "snapshots")
}

// Create writes one snapshot and returns its key.
func (s *Snapshotter) Create(ctx context.Context) (string, error) {
	doc := snapshotDoc{
		Version:   snapshotVersion,
		Device:    s.device,
		CreatedAt: time.Now().UTC(),
		State:     make(map[string]string),
	}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT entity_type, entity_id, version, data, updated_at, deleted FROM entities
	`)
	if err != nil {
		return "", fmt.Errorf("read entities: %w", err)
	}
	for rows.Next() {
		var e entityRow
		var dataJSON, updatedAt string
		var deleted int
		if err := rows.Scan(&e.EntityType, &e.EntityID, &e.Version, &dataJSON, &updatedAt, &deleted); err != nil {
			rows.Close()
			return "", err
		}
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			rows.Close()
			return "", fmt.Errorf("parse entity data: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		e.Deleted = deleted != 0
		doc.Entities = append(doc.Entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read entities: %w", err)
	}

	// Read-only: must not spend the sync limiter's tokens on a backup.
	doc.Operations, err = s.queue.PendingOperations(ctx, queue.Filter{})
	if err != nil {
		return "", fmt.Errorf("read pending operations: %w", err)
	}

	for _, key := range []string{db.KeyLastSyncAt, db.KeyBackgroundConfig, db.KeyBackgroundStats} {
		v, err := s.store.GetKV(ctx, key)
		if err == db.ErrNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		doc.State[key] = v
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	key := path.Join(s.prefix(), doc.CreatedAt.Format("20060102T150405.000Z")+".drift.zst")
	if err := s.dest.PutAtomic(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return key, nil
}

// List returns snapshot keys for this device, oldest first.
func (s *Snapshotter) List(ctx context.Context) ([]string, error) {
	keys, err := s.dest.List(ctx, s.prefix())
	if err != nil {
		return nil, err
	}
	sort.Strings(keys) // timestamped names sort chronologically
	return keys, nil
}

// Keep deletes all but the newest n snapshots.
func (s *Snapshotter) Keep(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	keys, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) <= n {
		return 0, nil
	}
	doomed := keys[:len(keys)-n]
	for _, key := range doomed {
		if err := s.dest.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return len(doomed), nil
}

// Restore loads a snapshot into the local store: entities through the
// guarded upsert, pending operations re-enqueued under their original
// ids, state keys rewritten. Existing newer entities survive thanks to
// the version guard.
func (s *Snapshotter) Restore(ctx context.Context, key string) error {
	raw, err := s.dest.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	r, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(plain, &doc); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", doc.Version)
	}

	for _, e := range doc.Entities {
		err := s.store.ApplyEntity(ctx, db.EntityWrite{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Version:    e.Version,
			Data:       e.Data,
			UpdatedAt:  e.UpdatedAt,
			Deleted:    e.Deleted,
		})
		if err != nil {
			return err
		}
	}
	for _, op := range doc.Operations {
		if _, err := s.queue.Enqueue(ctx, op); err != nil {
			// Same id already queued locally: skip, the local copy wins.
			continue
		}
	}
	for k, v := range doc.State {
		if err := s.store.SetKV(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
