package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	conn, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"entities", "sync_operations", "conflict_log", "manual_conflicts", "sync_state"} {
		var dummy int
		err := conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&dummy)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Additive blob_hash migration ran.
	var count int
	err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('sync_operations') WHERE name='blob_hash'").Scan(&count)
	if err != nil {
		t.Fatalf("pragma_table_info: %v", err)
	}
	if count != 1 {
		t.Errorf("sync_operations.blob_hash missing: got %d", count)
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test2.db")

	// Open twice to ensure migration is idempotent
	conn1, err := Open(path)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	conn1.Close()

	conn2, err := Open(path)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	conn2.Close()
}

func TestApplyEntityVersionGuard(t *testing.T) {
	conn, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()
	store := NewStore(conn)
	ctx := context.Background()

	w := EntityWrite{EntityType: "note", EntityID: "n1", Version: 5, Data: map[string]any{"title": "v5"}}
	if err := store.ApplyEntity(ctx, w); err != nil {
		t.Fatalf("ApplyEntity: %v", err)
	}

	// A stale write must not regress the stored version.
	stale := EntityWrite{EntityType: "note", EntityID: "n1", Version: 3, Data: map[string]any{"title": "v3"}}
	if err := store.ApplyEntity(ctx, stale); err != nil {
		t.Fatalf("ApplyEntity stale: %v", err)
	}

	lv, err := store.GetEntity(ctx, "note", "n1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if lv.Version != 5 {
		t.Errorf("version regressed: got %d, want 5", lv.Version)
	}
	if lv.Data["title"] != "v5" {
		t.Errorf("data overwritten by stale write: %v", lv.Data)
	}

	// An equal version re-apply is allowed (idempotent replays).
	replay := EntityWrite{EntityType: "note", EntityID: "n1", Version: 5, Data: map[string]any{"title": "replayed"}}
	if err := store.ApplyEntity(ctx, replay); err != nil {
		t.Fatalf("ApplyEntity replay: %v", err)
	}
	lv, _ = store.GetEntity(ctx, "note", "n1")
	if lv.Data["title"] != "replayed" {
		t.Errorf("equal-version apply should win: %v", lv.Data)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	conn, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()
	store := NewStore(conn)

	_, err = store.GetEntity(context.Background(), "note", "ghost")
	if err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestKVTimeRoundTrip(t *testing.T) {
	conn, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer conn.Close()
	store := NewStore(conn)
	ctx := context.Background()

	// Missing key reads as zero time.
	got, err := store.GetKVTime(ctx, KeyLastSyncAt)
	if err != nil {
		t.Fatalf("GetKVTime: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("missing key should be zero time, got %v", got)
	}

	want := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	if err := store.SetKVTime(ctx, KeyLastSyncAt, want); err != nil {
		t.Fatalf("SetKVTime: %v", err)
	}
	got, err = store.GetKVTime(ctx, KeyLastSyncAt)
	if err != nil {
		t.Fatalf("GetKVTime: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
