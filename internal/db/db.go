package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the DB at path, creates dir if needed, runs migrations.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	if err := migrate(conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

// OpenMemory opens an in-memory DB with migrations applied. For tests.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := migrateBlobHash(conn); err != nil {
		return fmt.Errorf("migrate blob hash: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	data        TEXT NOT NULL DEFAULT '{}',
	updated_at  TEXT NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_operations (
	op_id       TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	op          TEXT NOT NULL,
	payload     TEXT,
	priority    INTEGER NOT NULL DEFAULT 50,
	status      TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	synced_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_operations_pending
	ON sync_operations (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS conflict_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	winner      TEXT NOT NULL,
	resolved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS manual_conflicts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	local_payload  TEXT NOT NULL,
	server_payload TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	resolved       INTEGER NOT NULL DEFAULT 0,
	resolved_at    TEXT,
	winner         TEXT
);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// migrateBlobHash adds the blob_hash column for spilled payloads to
// databases created before spillover existed.
func migrateBlobHash(conn *sql.DB) error {
	var count int
	err := conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('sync_operations') WHERE name='blob_hash'").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = conn.Exec("ALTER TABLE sync_operations ADD COLUMN blob_hash TEXT")
	return err
}
