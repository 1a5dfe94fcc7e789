// Package storage persists signaling records in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const schemaVersion = "1"

// DB wraps a SQLite database holding signaling records
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database at dbPath
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers while the store writes
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// One row per record path (e.g. calls/<id>), value is the JSON tree
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _records (
			path       TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	if _, err := db.Exec(`
		INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO NOTHING`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	log.Debugf("STORAGE: opened %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a metadata value, or "" when unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v sql.NullString
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v.String
}
