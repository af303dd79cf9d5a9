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
	"github.com/shopspring/decimal"
)

const insertMailTransactionSQL = `
	INSERT INTO transactions (
		id, owner_id, amount, currency, merchant, category, occurred_at,
		description, source, provider_message_id, bank_name, account_last4, created_at
	)
	VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (owner_id, provider_message_id) WHERE provider_message_id IS NOT NULL
	DO NOTHING
	RETURNING id`

// InsertIfAbsent stores a mail-derived transaction unless one already exists
// for (owner, provider message id). The uniqueness check and the insert are a
// single statement, so concurrent duplicates resolve to exactly one row.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	if tx.ProviderMessageID == nil || *tx.ProviderMessageID == "" {
		return false, fmt.Errorf("InsertIfAbsent: provider message id is required")
	}
	prepareTransaction(tx, domain.SourceMail)

	var id uuid.UUID
	err := s.db.QueryRow(ctx, insertMailTransactionSQL, transactionArgs(tx)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("InsertIfAbsent: inserting row: %w", err)
	}
	return true, nil
}

// CreateManualTransaction stores a user-entered transaction. Manual rows have
// no provider message id and are never deduplicated.
func (s *Store) CreateManualTransaction(ctx context.Context, tx *domain.Transaction) error {
	tx.ProviderMessageID = nil
	prepareTransaction(tx, domain.SourceManual)

	_, err := s.db.Exec(ctx, `
		INSERT INTO transactions (
			id, owner_id, amount, currency, merchant, category, occurred_at,
			description, source, provider_message_id, bank_name, account_last4, created_at
		)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		transactionArgs(tx)...,
	)
	if err != nil {
		return fmt.Errorf("CreateManualTransaction: inserting row: %w", err)
	}
	return nil
}

// ListTransactions returns an owner's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	var (
		where = []string{"owner_id = $1"}
		args  = []interface{}{filter.OwnerID}
	)
	if !filter.StartDate.IsZero() {
		args = append(args, filter.StartDate)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !filter.EndDate.IsZero() {
		args = append(args, filter.EndDate)
		where = append(where, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("lower(category) = lower($%d)", len(args)))
	}

	query := `
		SELECT id, owner_id, amount::text, currency, merchant, category, occurred_at,
		       description, source, provider_message_id, bank_name, account_last4, created_at
		FROM transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY occurred_at DESC, created_at DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query: %w", err)
	}

	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: scan: %w", err)
	}
	return txs, nil
}

// CountTransactionsByMessage reports how many rows exist for one provider
// message. Used to check the at-most-once property.
func (s *Store) CountTransactionsByMessage(ctx context.Context, ownerID uuid.UUID, messageID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE owner_id = $1 AND provider_message_id = $2`,
		ownerID, messageID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountTransactionsByMessage: %w", err)
	}
	return n, nil
}

func prepareTransaction(tx *domain.Transaction, source domain.Source) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Currency == "" {
		tx.Currency = domain.DefaultCurrency
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Source = source
}

func transactionArgs(tx *domain.Transaction) []interface{} {
	return []interface{}{
		tx.ID,
		tx.OwnerID,
		tx.Amount.String(),
		tx.Currency,
		tx.Merchant,
		tx.Category,
		tx.Date,
		tx.Description,
		string(tx.Source),
		tx.ProviderMessageID,
		tx.BankName,
		tx.AccountLast4,
		tx.CreatedAt,
	}
}

func scanTransaction(row pgx.CollectableRow) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		amount string
		source string
	)
	err := row.Scan(
		&tx.ID,
		&tx.OwnerID,
		&amount,
		&tx.Currency,
		&tx.Merchant,
		&tx.Category,
		&tx.Date,
		&tx.Description,
		&source,
		&tx.ProviderMessageID,
		&tx.BankName,
		&tx.AccountLast4,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	tx.Source = domain.Source(source)
	tx.Currency = strings.TrimSpace(tx.Currency)
	return &tx, nil
}
