// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Opens the database, applies pragmas, creates the schema and runs idempotent migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, the default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a store at path with the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens a store at path with the named driver.
// The schema is created if it doesn't exist and parent directories are
// created as needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer anyway, the pragmas below are
	// per-connection, and an in-memory database only exists on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS passwords (
			identity   TEXT PRIMARY KEY,
			algorithm  TEXT NOT NULL,
			salt       BLOB,
			hash       BLOB NOT NULL,
			memory     INTEGER NOT NULL DEFAULT 0,
			time_cost  INTEGER NOT NULL DEFAULT 0,
			threads    INTEGER NOT NULL DEFAULT 0,
			key_len    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (algorithm IN ('argon2id', 'bcrypt'))
		);

		CREATE TABLE IF NOT EXISTS totp_credentials (
			identity   TEXT PRIMARY KEY,
			label      TEXT NOT NULL,
			secret     BLOB NOT NULL,
			algorithm  TEXT NOT NULL,
			digits     INTEGER NOT NULL,
			period     INTEGER NOT NULL,
			last_step  INTEGER NOT NULL DEFAULT -1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS totp_pending (
			identity   TEXT PRIMARY KEY,
			label      TEXT NOT NULL,
			secret     BLOB NOT NULL,
			algorithm  TEXT NOT NULL,
			digits     INTEGER NOT NULL,
			period     INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS webauthn_keys (
			id               TEXT PRIMARY KEY,
			identity         TEXT NOT NULL,
			label            TEXT NOT NULL,
			credential_id    BLOB NOT NULL UNIQUE,
			public_key       BLOB NOT NULL,
			attestation_type TEXT NOT NULL,
			transports       TEXT,
			aaguid           BLOB,
			sign_count       INTEGER NOT NULL DEFAULT 0,
			backup_eligible  INTEGER NOT NULL DEFAULT 0,
			backup_state     INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_used_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_webauthn_keys_identity ON webauthn_keys(identity);

		CREATE TABLE IF NOT EXISTS oidc_links (
			identity   TEXT NOT NULL,
			issuer     TEXT NOT NULL,
			subject    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (issuer, subject)
		);

		CREATE INDEX IF NOT EXISTS idx_oidc_links_identity ON oidc_links(identity);

		CREATE TABLE IF NOT EXISTS ceremonies (
			key        TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ceremonies_expires ON ceremonies(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			identity    TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT '',
			attempt_id  TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_identity_ts ON audit_log(identity, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// versions. These are idempotent.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "webauthn_keys",
			column: "backup_eligible",
			apply:  `ALTER TABLE webauthn_keys ADD COLUMN backup_eligible INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "webauthn_keys",
			column: "backup_state",
			apply:  `ALTER TABLE webauthn_keys ADD COLUMN backup_state INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "webauthn_keys",
			column: "last_used_at",
			apply:  `ALTER TABLE webauthn_keys ADD COLUMN last_used_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// EnrolledKinds lists the factor kinds the identity has enrolled, in
// canonical order.
func (s *SQLiteStore) EnrolledKinds(ctx context.Context, identity string) ([]string, error) {
	query := `
		SELECT
			EXISTS(SELECT 1 FROM passwords WHERE identity = ?),
			EXISTS(SELECT 1 FROM totp_credentials WHERE identity = ?),
			EXISTS(SELECT 1 FROM webauthn_keys WHERE identity = ?),
			EXISTS(SELECT 1 FROM oidc_links WHERE identity = ?)
	`

	var pw, totp, passkey, oidc bool
	err := s.db.QueryRowContext(ctx, query, identity, identity, identity, identity).
		Scan(&pw, &totp, &passkey, &oidc)
	if err != nil {
		return nil, fmt.Errorf("querying enrolled kinds: %w", err)
	}

	var kinds []string
	if pw {
		kinds = append(kinds, KindPassword)
	}
	if totp {
		kinds = append(kinds, KindTOTP)
	}
	if passkey {
		kinds = append(kinds, KindPasskey)
	}
	if oidc {
		kinds = append(kinds, KindOIDC)
	}
	return kinds, nil
}

// execOne runs a statement that must touch exactly one row, returning
// ErrNotFound when it touched none.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
