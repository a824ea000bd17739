package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/fieldops/spbsync/internal/errors"
)

// Migration is one applied schema step as recorded in schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// schemaOp is a single guarded DDL change. apply must be a no-op when the
// object it creates already exists.
type schemaOp interface {
	statement() string
	apply(ctx context.Context, tx *sql.Tx) error
}

type createTable struct {
	name string
	ddl  string
}

func (c createTable) statement() string {
	return c.ddl
}

func (c createTable) apply(ctx context.Context, tx *sql.Tx) error {
	exists, err := objectExists(ctx, tx, "table", c.name)
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, c.ddl)
	return err
}

type addColumn struct {
	table  string
	column string
	def    string
}

func (a addColumn) statement() string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", a.table, a.column, a.def)
}

func (a addColumn) apply(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, a.table, a.column)
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, a.statement())
	return err
}

type createIndex struct {
	name string
	ddl  string
}

func (c createIndex) statement() string {
	return c.ddl
}

func (c createIndex) apply(ctx context.Context, tx *sql.Tx) error {
	exists, err := objectExists(ctx, tx, "index", c.name)
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, c.ddl)
	return err
}

// step is one schema version.
type step struct {
	version     int
	description string
	ops         []schemaOp
}

func (s step) checksum() string {
	parts := make([]string, len(s.ops))
	for i, op := range s.ops {
		parts[i] = op.statement()
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";\n")))
	return hex.EncodeToString(sum[:])
}

func syncMetaColumns(table string) []schemaOp {
	return []schemaOp{
		addColumn{table, "is_dirty", "INTEGER NOT NULL DEFAULT 0"},
		addColumn{table, "synced_at", "INTEGER"},
		addColumn{table, "last_sync_status", "TEXT CHECK(last_sync_status IN ('success', 'failed'))"},
		addColumn{table, "sync_error", "TEXT"},
		createIndex{"idx_" + table + "_dirty", fmt.Sprintf("CREATE INDEX idx_%s_dirty ON %s(is_dirty)", table, table)},
	}
}

var steps = []step{
	{
		version:     1,
		description: "base schema",
		ops: []schemaOp{
			createTable{"users", `CREATE TABLE users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'driver',
	phone TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`},
			createTable{"delivery_notes", `CREATE TABLE delivery_notes (
	id TEXT PRIMARY KEY,
	spb_number TEXT NOT NULL,
	driver_id TEXT NOT NULL DEFAULT '',
	vehicle_plate TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'accepted', 'rejected', 'exception')),
	received_by TEXT NOT NULL DEFAULT '',
	accepted_at INTEGER,
	latitude REAL,
	longitude REAL,
	notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`},
			createIndex{"idx_delivery_notes_spb_number", "CREATE INDEX idx_delivery_notes_spb_number ON delivery_notes(spb_number)"},
			createTable{"data_entries", `CREATE TABLE data_entries (
	id TEXT PRIMARY KEY,
	delivery_note_id TEXT NOT NULL,
	category TEXT NOT NULL CHECK(category IN ('damage', 'shortage', 'excess', 'delay', 'other')),
	description TEXT NOT NULL DEFAULT '',
	quantity REAL,
	reported_by TEXT NOT NULL DEFAULT '',
	reported_at INTEGER NOT NULL,
	latitude REAL,
	longitude REAL,
	photo_ref TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`},
			createIndex{"idx_data_entries_note", "CREATE INDEX idx_data_entries_note ON data_entries(delivery_note_id)"},
			createTable{"sync_queue", `CREATE TABLE sync_queue (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	priority INTEGER NOT NULL DEFAULT 0
)`},
			createTable{"auth_tokens", `CREATE TABLE auth_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_used_at INTEGER
)`},
			createTable{"user_credentials", `CREATE TABLE user_credentials (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	salt TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`},
		},
	},
	{
		version:     2,
		description: "sync metadata columns",
		ops: append(append(append([]schemaOp{},
			syncMetaColumns("users")...),
			syncMetaColumns("delivery_notes")...),
			syncMetaColumns("data_entries")...),
	},
	{
		version:     3,
		description: "outbox status next_retry_at revision",
		ops: []schemaOp{
			addColumn{"sync_queue", "status", "TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'failed'))"},
			addColumn{"sync_queue", "next_retry_at", "INTEGER NOT NULL DEFAULT 0"},
			addColumn{"sync_queue", "revision", "INTEGER NOT NULL DEFAULT 1"},
			createIndex{"idx_sync_queue_record", "CREATE UNIQUE INDEX idx_sync_queue_record ON sync_queue(table_name, record_id)"},
			createIndex{"idx_sync_queue_drain", "CREATE INDEX idx_sync_queue_drain ON sync_queue(status, priority, created_at)"},
		},
	},
	{
		version:     4,
		description: "auth refresh columns",
		ops: []schemaOp{
			addColumn{"auth_tokens", "refresh_token", "TEXT NOT NULL DEFAULT ''"},
			addColumn{"auth_tokens", "refresh_expires_at", "INTEGER NOT NULL DEFAULT 0"},
			addColumn{"auth_tokens", "issued_at", "INTEGER NOT NULL DEFAULT 0"},
		},
	},
	{
		version:     5,
		description: "user_credentials last_online_auth",
		ops: []schemaOp{
			addColumn{"user_credentials", "last_online_auth", "INTEGER"},
		},
	},
}

// LatestVersion is the highest schema version this build knows.
func LatestVersion() int {
	return steps[len(steps)-1].version
}

// Migrator applies schema steps in order.
type Migrator struct {
	db  *sql.DB
	now func() time.Time
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, now: time.Now}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	return version, nil
}

// Applied returns all applied migrations.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "scan migration", err)
		}
		mig.AppliedAt = time.UnixMilli(appliedAt)
		migrations = append(migrations, mig)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	return migrations, nil
}

// Migrate brings the schema to target (0 means latest). Steps above the
// recorded version are applied in order; every step is guarded so a
// partially applied step from a crashed run is completed, not repeated.
func (m *Migrator) Migrate(ctx context.Context, target int) error {
	if target <= 0 {
		target = LatestVersion()
	}
	if target > LatestVersion() {
		return apperrors.New(apperrors.ErrMigration, fmt.Sprintf("unknown schema version %d", target))
	}
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current > target {
		return apperrors.New(apperrors.ErrMigration, fmt.Sprintf("schema version %d is newer than target %d", current, target))
	}

	for _, s := range steps {
		if s.version <= current || s.version > target {
			continue
		}
		if err := m.apply(ctx, s); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply migration V%d", s.version), err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, s step) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range s.ops {
		if err := op.apply(ctx, tx); err != nil {
			return err
		}
	}

	query := `INSERT OR REPLACE INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, s.version, m.now().UnixMilli(), s.description, s.checksum()); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func objectExists(ctx context.Context, q queryer, kind, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&n)
	return n > 0, err
}

func columnExists(ctx context.Context, q queryer, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	return n > 0, err
}
