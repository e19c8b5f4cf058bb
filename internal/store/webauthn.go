// ABOUTME: WebAuthn passkey persistence for SQLiteStore
// ABOUTME: Sign counter updates are compare-and-set to detect concurrent or cloned use

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const webAuthnKeyColumns = `id, identity, label, credential_id, public_key, attestation_type, transports,
	aaguid, sign_count, backup_eligible, backup_state, created_at, last_used_at`

// CreateWebAuthnKey stores a new passkey.
func (s *SQLiteStore) CreateWebAuthnKey(ctx context.Context, key *WebAuthnKey) error {
	transports, err := json.Marshal(key.Transports)
	if err != nil {
		return fmt.Errorf("encoding transports: %w", err)
	}

	query := `
		INSERT INTO webauthn_keys (id, identity, label, credential_id, public_key, attestation_type, transports,
			aaguid, sign_count, backup_eligible, backup_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		key.ID,
		key.Identity,
		key.Label,
		key.CredentialID,
		key.PublicKey,
		key.AttestationType,
		string(transports),
		key.AAGUID,
		key.SignCount,
		key.BackupEligible,
		key.BackupState,
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting webauthn key: %w", err)
	}

	s.logger.Info("created webauthn key", "id", key.ID, "identity", key.Identity)
	return nil
}

// ListWebAuthnKeys retrieves all passkeys for an identity, oldest first.
func (s *SQLiteStore) ListWebAuthnKeys(ctx context.Context, identity string) ([]*WebAuthnKey, error) {
	query := `SELECT ` + webAuthnKeyColumns + `
		FROM webauthn_keys
		WHERE identity = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("querying webauthn keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*WebAuthnKey
	for rows.Next() {
		key, err := scanWebAuthnKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webauthn keys: %w", err)
	}

	return keys, nil
}

// GetWebAuthnKeyByCredentialID retrieves a passkey by its authenticator credential id.
func (s *SQLiteStore) GetWebAuthnKeyByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnKey, error) {
	query := `SELECT ` + webAuthnKeyColumns + `
		FROM webauthn_keys
		WHERE credential_id = ?
	`

	key, err := scanWebAuthnKey(s.db.QueryRowContext(ctx, query, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return key, err
}

// UpdateWebAuthnSignCount moves a key's counter from old to next.
func (s *SQLiteStore) UpdateWebAuthnSignCount(ctx context.Context, id string, old, next uint32, usedAt time.Time) error {
	query := `
		UPDATE webauthn_keys
		SET sign_count = ?, last_used_at = ?
		WHERE id = ?
		  AND sign_count = ?
	`

	result, err := s.db.ExecContext(ctx, query, next, formatTime(usedAt), id, old)
	if err != nil {
		return fmt.Errorf("updating webauthn sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM webauthn_keys WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking webauthn key: %w", err)
	}
	return ErrStale
}

// DeleteWebAuthnKey deletes one of the identity's passkeys.
func (s *SQLiteStore) DeleteWebAuthnKey(ctx context.Context, identity, id string) error {
	err := s.execOne(ctx, "deleting webauthn key",
		`DELETE FROM webauthn_keys WHERE id = ? AND identity = ?`, id, identity)
	if err != nil {
		return err
	}
	s.logger.Info("deleted webauthn key", "id", id, "identity", identity)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebAuthnKey(row rowScanner) (*WebAuthnKey, error) {
	var key WebAuthnKey
	var transports, lastUsed sql.NullString
	var createdAt string

	err := row.Scan(
		&key.ID,
		&key.Identity,
		&key.Label,
		&key.CredentialID,
		&key.PublicKey,
		&key.AttestationType,
		&transports,
		&key.AAGUID,
		&key.SignCount,
		&key.BackupEligible,
		&key.BackupState,
		&createdAt,
		&lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning webauthn key: %w", err)
	}

	if transports.Valid && transports.String != "" && transports.String != "null" {
		if err := json.Unmarshal([]byte(transports.String), &key.Transports); err != nil {
			return nil, fmt.Errorf("decoding transports: %w", err)
		}
	}
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		key.LastUsedAt = &t
	}
	return &key, nil
}
