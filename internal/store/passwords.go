// ABOUTME: Password credential persistence for SQLiteStore
// ABOUTME: One hashed password per identity, replaced in place on rehash

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPassword retrieves the identity's password credential.
func (s *SQLiteStore) GetPassword(ctx context.Context, identity string) (*PasswordCredential, error) {
	query := `
		SELECT identity, algorithm, salt, hash, memory, time_cost, threads, key_len, created_at, updated_at
		FROM passwords
		WHERE identity = ?
	`

	var cred PasswordCredential
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&cred.Identity,
		&cred.Algorithm,
		&cred.Salt,
		&cred.Hash,
		&cred.Memory,
		&cred.Time,
		&cred.Threads,
		&cred.KeyLen,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying password: %w", err)
	}

	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cred, nil
}

// PutPassword inserts or replaces the identity's password. CreatedAt is
// preserved when replacing.
func (s *SQLiteStore) PutPassword(ctx context.Context, cred *PasswordCredential) error {
	query := `
		INSERT INTO passwords (identity, algorithm, salt, hash, memory, time_cost, threads, key_len, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			algorithm = excluded.algorithm,
			salt = excluded.salt,
			hash = excluded.hash,
			memory = excluded.memory,
			time_cost = excluded.time_cost,
			threads = excluded.threads,
			key_len = excluded.key_len,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.Identity,
		cred.Algorithm,
		cred.Salt,
		cred.Hash,
		cred.Memory,
		cred.Time,
		cred.Threads,
		cred.KeyLen,
		formatTime(cred.CreatedAt),
		formatTime(cred.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting password: %w", err)
	}

	s.logger.Debug("stored password", "identity", cred.Identity, "algorithm", cred.Algorithm)
	return nil
}

// DeletePassword removes the identity's password.
func (s *SQLiteStore) DeletePassword(ctx context.Context, identity string) error {
	if err := s.execOne(ctx, "deleting password", `DELETE FROM passwords WHERE identity = ?`, identity); err != nil {
		return err
	}
	s.logger.Info("deleted password", "identity", identity)
	return nil
}
