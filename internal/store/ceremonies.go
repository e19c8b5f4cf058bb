// ABOUTME: Ceremony record persistence for SQLiteStore
// ABOUTME: TakeCeremony is a single DELETE ... RETURNING so each record is consumed once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutCeremony stores a new ceremony record.
func (s *SQLiteStore) PutCeremony(ctx context.Context, rec *CeremonyRecord) error {
	query := `
		INSERT INTO ceremonies (key, kind, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Key,
		rec.Kind,
		rec.Payload,
		formatTime(rec.CreatedAt),
		formatTime(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ceremony: %w", err)
	}
	return nil
}

// TakeCeremony atomically reads and deletes the record stored under key.
// Expired records are still returned; expiry is judged by the caller's clock.
func (s *SQLiteStore) TakeCeremony(ctx context.Context, key string) (*CeremonyRecord, error) {
	query := `
		DELETE FROM ceremonies
		WHERE key = ?
		RETURNING key, kind, payload, created_at, expires_at
	`

	var rec CeremonyRecord
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Kind,
		&rec.Payload,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking ceremony: %w", err)
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &rec, nil
}

// DeleteExpiredCeremonies removes records that expired at or before now, and
// pending TOTP enrollments past their expiry.
func (s *SQLiteStore) DeleteExpiredCeremonies(ctx context.Context, now time.Time) (int64, error) {
	cutoff := formatTime(now)

	result, err := s.db.ExecContext(ctx, `DELETE FROM ceremonies WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired ceremonies: %w", err)
	}
	removed, _ := result.RowsAffected()

	result, err = s.db.ExecContext(ctx, `DELETE FROM totp_pending WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("deleting expired totp enrollments: %w", err)
	}
	pending, _ := result.RowsAffected()

	if removed+pending > 0 {
		s.logger.Debug("swept expired ceremonies", "ceremonies", removed, "totp_pending", pending)
	}
	return removed + pending, nil
}
