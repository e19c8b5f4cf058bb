// ABOUTME: TOTP credential and pending enrollment persistence for SQLiteStore
// ABOUTME: Step advancement is a conditional UPDATE so a code is accepted at most once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetTOTP retrieves the identity's confirmed TOTP credential.
func (s *SQLiteStore) GetTOTP(ctx context.Context, identity string) (*TOTPCredential, error) {
	query := `
		SELECT identity, label, secret, algorithm, digits, period, last_step, created_at
		FROM totp_credentials
		WHERE identity = ?
	`

	var cred TOTPCredential
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&cred.Identity,
		&cred.Label,
		&cred.Secret,
		&cred.Algorithm,
		&cred.Digits,
		&cred.Period,
		&cred.LastStep,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying totp credential: %w", err)
	}

	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cred, nil
}

// DeleteTOTP removes the identity's TOTP credential.
func (s *SQLiteStore) DeleteTOTP(ctx context.Context, identity string) error {
	if err := s.execOne(ctx, "deleting totp credential", `DELETE FROM totp_credentials WHERE identity = ?`, identity); err != nil {
		return err
	}
	s.logger.Info("deleted totp credential", "identity", identity)
	return nil
}

// AdvanceTOTPStep atomically records step as the last accepted step.
// This prevents two concurrent verifications from both accepting one code.
func (s *SQLiteStore) AdvanceTOTPStep(ctx context.Context, identity string, step int64) error {
	query := `
		UPDATE totp_credentials
		SET last_step = ?
		WHERE identity = ?
		  AND last_step < ?
	`

	result, err := s.db.ExecContext(ctx, query, step, identity, step)
	if err != nil {
		return fmt.Errorf("advancing totp step: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// rowsAffected == 0 - either no credential or the step was already used
	if _, err := s.GetTOTP(ctx, identity); err != nil {
		return err
	}
	return ErrStale
}

// PutPendingTOTP stores an unconfirmed enrollment, replacing any earlier one.
func (s *SQLiteStore) PutPendingTOTP(ctx context.Context, p *PendingTOTP) error {
	query := `
		INSERT INTO totp_pending (identity, label, secret, algorithm, digits, period, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			label = excluded.label,
			secret = excluded.secret,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.Identity,
		p.Label,
		p.Secret,
		p.Algorithm,
		p.Digits,
		p.Period,
		formatTime(p.CreatedAt),
		formatTime(p.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upserting pending totp: %w", err)
	}
	return nil
}

// GetPendingTOTP retrieves the identity's unconfirmed enrollment. Expiry is
// left to the caller.
func (s *SQLiteStore) GetPendingTOTP(ctx context.Context, identity string) (*PendingTOTP, error) {
	query := `
		SELECT identity, label, secret, algorithm, digits, period, created_at, expires_at
		FROM totp_pending
		WHERE identity = ?
	`

	var p PendingTOTP
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&p.Identity,
		&p.Label,
		&p.Secret,
		&p.Algorithm,
		&p.Digits,
		&p.Period,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending totp: %w", err)
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &p, nil
}

// DeletePendingTOTP removes the identity's unconfirmed enrollment.
func (s *SQLiteStore) DeletePendingTOTP(ctx context.Context, identity string) error {
	return s.execOne(ctx, "deleting pending totp", `DELETE FROM totp_pending WHERE identity = ?`, identity)
}

// CommitTOTP promotes a pending enrollment to a credential in one transaction.
func (s *SQLiteStore) CommitTOTP(ctx context.Context, cred *TOTPCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM totp_pending WHERE identity = ?`, cred.Identity)
	if err != nil {
		return fmt.Errorf("deleting pending totp: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Someone else confirmed or the enrollment was replaced
		return ErrNotFound
	}

	query := `
		INSERT INTO totp_credentials (identity, label, secret, algorithm, digits, period, last_step, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			label = excluded.label,
			secret = excluded.secret,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			last_step = excluded.last_step,
			created_at = excluded.created_at
	`
	_, err = tx.ExecContext(ctx, query,
		cred.Identity,
		cred.Label,
		cred.Secret,
		cred.Algorithm,
		cred.Digits,
		cred.Period,
		cred.LastStep,
		formatTime(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting totp credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing totp credential: %w", err)
	}

	s.logger.Info("confirmed totp credential", "identity", cred.Identity)
	return nil
}
