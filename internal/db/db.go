// Package db provides the durable local store: SQLite connection
// management, versioned migrations, generic row operations and typed
// repositories.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "spbsync.db"

// DB wraps the sql.DB with spbsync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the SQLite database inside dataDir.
// The database is opened with:
// - WAL mode so readers are not blocked by the writer
// - a busy timeout for short lock contention
// - foreign key constraints enabled
// - a single connection, making the store the single logical writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit file path.
func OpenPath(path string) (*DB, error) {
	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// OpenStore opens the database inside dataDir, migrates it to the latest
// schema version and returns the store on top of it. A migration failure
// closes the database; callers must treat it as fatal.
func OpenStore(ctx context.Context, dataDir string) (*DB, *Store, error) {
	d, err := Open(dataDir)
	if err != nil {
		return nil, nil, err
	}
	if err := NewMigrator(d.DB).Migrate(ctx, 0); err != nil {
		_ = d.Close()
		return nil, nil, err
	}
	return d, NewStore(d.DB), nil
}
