// Package store persists the scheduler's pending fetch targets: edition
// hints ranked by their packed priority key, and start/stop fetch commands.
//
// The store is exclusively owned by the downloader controller. Everything
// else reaches it through the controller's callback contracts, inside the
// transaction scopes this package provides.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xor-freenet/wotfetch/internal/priority"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on edition_hints.target_id
const currentSchemaVersion = 1

const padSettingName = "priority_pad"

// Store provides durable storage for edition hints and fetch commands.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	pad priority.Pad
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, and loads the
// priority-key obfuscation pad, generating one on first open.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	// _txlock=immediate makes write transactions take the write lock at
	// BEGIN instead of failing with SQLITE_BUSY on a later lock upgrade.
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1) // Keep one connection ready

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	pad, err := loadOrCreatePad(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load obfuscation pad: %w", err)
	}

	return &Store{db: db, pad: pad}, nil
}

// Close closes the database connection.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Pad returns the persisted priority-key obfuscation pad.
// The pad is stable across restarts so stored keys stay comparable to
// freshly computed ones.
func (s *Store) Pad() priority.Pad {
	return s.pad
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the target_id index for databases created before it was
// part of schema.sql. CREATE INDEX IF NOT EXISTS is a no-op on new databases.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_edition_hints_target
		ON edition_hints(target_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// loadOrCreatePad reads the persisted obfuscation pad, generating and
// storing a fresh one on first open.
func loadOrCreatePad(db *sql.DB) (priority.Pad, error) {
	var value []byte
	err := db.QueryRow("SELECT value FROM settings WHERE name = ?", padSettingName).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		pad, err := priority.NewPad()
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(
			"INSERT INTO settings (name, value) VALUES (?, ?)", padSettingName, []byte(pad),
		); err != nil {
			return nil, fmt.Errorf("persist pad: %w", err)
		}
		return pad, nil
	case err != nil:
		return nil, fmt.Errorf("query pad: %w", err)
	}

	pad := priority.Pad(value)
	if err := pad.Validate(); err != nil {
		return nil, fmt.Errorf("persisted pad is unusable: %w", err)
	}
	return pad, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
