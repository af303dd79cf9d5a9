package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateOwner registers a mailbox owner, or returns the existing one when the
// address is already known (case-insensitive).
func (s *Store) CreateOwner(ctx context.Context, email string) (*domain.Owner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("CreateOwner: email is required")
	}

	var owner domain.Owner
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT ((lower(email))) DO UPDATE SET email = users.email
		RETURNING id, email`,
		uuid.New(), email,
	).Scan(&owner.ID, &owner.Email)
	if err != nil {
		return nil, fmt.Errorf("CreateOwner: %w", err)
	}
	return &owner, nil
}

// FindOwnerByMailbox resolves a mailbox address to its owner.
func (s *Store) FindOwnerByMailbox(ctx context.Context, email string) (*domain.Owner, error) {
	var owner domain.Owner
	err := s.db.QueryRow(ctx,
		`SELECT id, email FROM users WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email),
	).Scan(&owner.ID, &owner.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("FindOwnerByMailbox: %s: %w", email, domain.ErrUnknownOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("FindOwnerByMailbox: %w", err)
	}
	return &owner, nil
}

// ListOwners returns every owner with stored mail credentials.
func (s *Store) ListOwners(ctx context.Context) ([]*domain.Owner, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, email FROM users
		WHERE access_token IS NOT NULL OR refresh_token IS NOT NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("ListOwners: query: %w", err)
	}

	owners, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Owner, error) {
		var o domain.Owner
		err := row.Scan(&o.ID, &o.Email)
		return &o, err
	})
	if err != nil {
		return nil, fmt.Errorf("ListOwners: scan: %w", err)
	}
	return owners, nil
}

// GetMailCredentials loads the stored OAuth tokens for an owner.
func (s *Store) GetMailCredentials(ctx context.Context, ownerID uuid.UUID) (*domain.MailCredentials, error) {
	var (
		access, refresh *string
		expiry          *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT access_token, refresh_token, token_expiry FROM users WHERE id = $1`,
		ownerID,
	).Scan(&access, &refresh, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("GetMailCredentials: owner %s: %w", ownerID, domain.ErrCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("GetMailCredentials: %w", err)
	}
	if access == nil && refresh == nil {
		return nil, fmt.Errorf("GetMailCredentials: owner %s has no tokens: %w", ownerID, domain.ErrCredential)
	}

	creds := &domain.MailCredentials{}
	if access != nil {
		creds.AccessToken = *access
	}
	if refresh != nil {
		creds.RefreshToken = *refresh
	}
	if expiry != nil {
		creds.Expiry = *expiry
	}
	return creds, nil
}

// SaveMailCredentials stores tokens for an owner. An empty refresh token keeps
// the one already stored, since refresh responses usually omit it.
func (s *Store) SaveMailCredentials(ctx context.Context, ownerID uuid.UUID, creds *domain.MailCredentials) error {
	var expiry *time.Time
	if !creds.Expiry.IsZero() {
		expiry = &creds.Expiry
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET access_token  = NULLIF($2, ''),
		    refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		    token_expiry  = $4
		WHERE id = $1`,
		ownerID, creds.AccessToken, creds.RefreshToken, expiry,
	)
	if err != nil {
		return fmt.Errorf("SaveMailCredentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("SaveMailCredentials: owner %s: %w", ownerID, domain.ErrUnknownOwner)
	}
	return nil
}
