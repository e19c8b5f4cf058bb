// ABOUTME: OIDC identity link persistence for SQLiteStore
// ABOUTME: The (issuer, subject) primary key guarantees one local identity per federated account

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateOIDCLink binds (issuer, subject) to an identity.
// Returns ErrLinkExists if the pair is already linked to any identity.
func (s *SQLiteStore) CreateOIDCLink(ctx context.Context, link *OIDCLink) error {
	query := `
		INSERT INTO oidc_links (identity, issuer, subject, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		link.Identity,
		link.Issuer,
		link.Subject,
		formatTime(link.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrLinkExists
		}
		return fmt.Errorf("inserting oidc link: %w", err)
	}

	s.logger.Info("created oidc link", "identity", link.Identity, "issuer", link.Issuer)
	return nil
}

// FindOIDCLink looks up the link for (issuer, subject).
func (s *SQLiteStore) FindOIDCLink(ctx context.Context, issuer, subject string) (*OIDCLink, error) {
	query := `
		SELECT identity, issuer, subject, created_at
		FROM oidc_links
		WHERE issuer = ? AND subject = ?
	`

	var link OIDCLink
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, issuer, subject).Scan(
		&link.Identity,
		&link.Issuer,
		&link.Subject,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying oidc link: %w", err)
	}

	if link.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &link, nil
}

// ListOIDCLinks lists the identity's federated links, oldest first.
func (s *SQLiteStore) ListOIDCLinks(ctx context.Context, identity string) ([]*OIDCLink, error) {
	query := `
		SELECT identity, issuer, subject, created_at
		FROM oidc_links
		WHERE identity = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("querying oidc links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*OIDCLink
	for rows.Next() {
		var link OIDCLink
		var createdAt string
		if err := rows.Scan(&link.Identity, &link.Issuer, &link.Subject, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning oidc link: %w", err)
		}
		if link.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		links = append(links, &link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating oidc links: %w", err)
	}
	return links, nil
}

// DeleteOIDCLink unlinks (issuer, subject) from identity.
func (s *SQLiteStore) DeleteOIDCLink(ctx context.Context, identity, issuer, subject string) error {
	err := s.execOne(ctx, "deleting oidc link",
		`DELETE FROM oidc_links WHERE identity = ? AND issuer = ? AND subject = ?`,
		identity, issuer, subject)
	if err != nil {
		return err
	}
	s.logger.Info("deleted oidc link", "identity", identity, "issuer", issuer)
	return nil
}
