package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/keeply/keeply/internal/keeplyerr"
)

// currentSchemaVersion is stored in SQLite's user_version pragma. Unlike the
// teacher's derived cache, this schema is the system of record: a version
// mismatch other than "no schema yet" is a fatal migration error rather than
// a drop-and-rebuild.
const currentSchemaVersion = 1

// sqliteBusyTimeout is the time SQLite waits when the database is locked by
// another connection before returning SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// openSqlite opens the runtime database file and applies the configured
// pragmas, then ensures the schema exists at currentSchemaVersion.
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("open sqlite: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas configures the SQLite connection using a single batch
// statement, matching the teacher's WAL + FULL-sync durability posture.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA mmap_size = 268435456;
		PRAGMA cache_size = -20000;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// storedSchemaVersion reads the current SQLite PRAGMA user_version.
func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

// ensureSchema creates the schema on a fresh database, or verifies it on an
// existing one. A stored version that is neither 0 (fresh) nor
// currentSchemaVersion is a fatal, process-wide migration failure: this
// release knows no upgrade path from a version it does not recognize.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindDbMigration, "", err)
	}

	switch version {
	case currentSchemaVersion:
		return nil
	case 0:
		// fallthrough to creation below
	default:
		return keeplyerr.New(keeplyerr.KindDbMigration, "", fmt.Errorf("unsupported schema version %d", version))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindDbMigration, "", fmt.Errorf("begin schema tx: %w", err))
	}

	if err := createSchema(ctx, tx); err != nil {
		_ = tx.Rollback()

		return keeplyerr.New(keeplyerr.KindDbMigration, "", err)
	}

	if err := tx.Commit(); err != nil {
		return keeplyerr.New(keeplyerr.KindDbMigration, "", fmt.Errorf("commit schema tx: %w", err))
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	if err != nil {
		return keeplyerr.New(keeplyerr.KindDbMigration, "", fmt.Errorf("set user_version: %w", err))
	}

	return nil
}

// createSchema creates every table and index named in the schema: scans,
// file_inventory, file_history, scan_issues, backup_settings,
// backup_history.
func createSchema(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			scan_id INTEGER PRIMARY KEY AUTOINCREMENT,
			root_path TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			total_usage INTEGER,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_root_scan ON scans(root_path, scan_id)`,

		`CREATE TABLE IF NOT EXISTS file_inventory (
			root_path TEXT NOT NULL,
			path_rel TEXT NOT NULL,
			name TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			modified_millis INTEGER NOT NULL,
			created_millis INTEGER NOT NULL,
			last_scan_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (root_path, path_rel)
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_root_scan ON file_inventory(root_path, last_scan_id)`,

		`CREATE TABLE IF NOT EXISTS file_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id INTEGER NOT NULL,
			root_path TEXT NOT NULL,
			path_rel TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			status_event TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_millis INTEGER NOT NULL,
			modified_millis INTEGER NOT NULL,
			content_hash TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_root_path_scan ON file_history(root_path, path_rel, scan_id)`,

		`CREATE TABLE IF NOT EXISTS backup_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS backup_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			backup_type TEXT,
			root_path TEXT NOT NULL,
			dest_path TEXT NOT NULL,
			files_processed INTEGER NOT NULL,
			errors INTEGER NOT NULL,
			scan_id INTEGER,
			message TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS scan_issues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	return nil
}
