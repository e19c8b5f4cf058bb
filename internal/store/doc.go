// Package store provides credential and ceremony persistence for coven-auth.
//
// # Architecture
//
// The store package uses small interfaces composed into one Store:
//
//   - PasswordStore: one hashed password per identity
//   - TOTPStore: confirmed TOTP secrets and pending enrollments
//   - WebAuthnStore: any number of passkeys per identity
//   - OIDCLinkStore: (issuer, subject) to identity links
//   - CeremonyStore: short-lived single-use protocol state
//
// SQLiteStore implements all of them in a single struct. Factor packages
// depend only on the interfaces they use.
//
// # Atomicity
//
// Replay and clone protection depend on conditional writes performed inside
// the database rather than read-modify-write in Go:
//
//	AdvanceTOTPStep          UPDATE ... WHERE last_step < ?
//	UpdateWebAuthnSignCount  UPDATE ... WHERE sign_count = ?
//	TakeCeremony             DELETE ... RETURNING
//	CreateOIDCLink           PRIMARY KEY (issuer, subject)
//	CommitTOTP               DELETE pending + UPSERT credential in one transaction
//
// A losing writer receives ErrStale, ErrNotFound or ErrLinkExists.
//
// # SQLite Configuration
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (mattn/go-sqlite3, requires cgo). The store runs
// with WAL mode, foreign keys and a busy timeout:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC text so expiry comparisons can be
// done in SQL.
//
// # Testing
//
// Use NewMockStore() for unit tests. Set MockStore.Err to simulate an
// unavailable database.
package store
