package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source records how a transaction entered the ledger.
type Source string

const (
	// SourceManual marks rows created directly by the user.
	SourceManual Source = "MANUAL"
	// SourceMail marks rows produced by the mail ingestion pipeline.
	SourceMail Source = "MAIL_DERIVED"
)

// DefaultCurrency is used when neither the user nor the model names one.
const DefaultCurrency = "INR"

// Transaction is a persisted ledger row.
// ProviderMessageID is set only for mail-derived rows and, together with
// OwnerID, is the natural idempotency key.
type Transaction struct {
	ID                uuid.UUID
	OwnerID           uuid.UUID
	Amount            decimal.Decimal
	Currency          string
	Merchant          string
	Category          string
	Date              time.Time
	Description       string
	Source            Source
	ProviderMessageID *string
	BankName          *string
	AccountLast4      *string
	CreatedAt         time.Time
}

// TransactionCandidate is the extractor's typed output for a single message.
// It lives only in memory between extraction and persistence.
type TransactionCandidate struct {
	Merchant      string          `validate:"required"`
	Amount        decimal.Decimal `validate:"-"`
	Currency      string          `validate:"required,len=3,alpha"`
	Date          time.Time       `validate:"required"`
	Category      string          `validate:"required"`
	BankName      *string         `validate:"omitempty,min=1"`
	AccountLast4  *string         `validate:"omitempty,len=4,numeric"`
	IsTransaction bool
}

// ToTransaction maps a candidate to a mail-derived row for the given owner.
func (c *TransactionCandidate) ToTransaction(ownerID uuid.UUID, msg *RawMessage) *Transaction {
	messageID := msg.ID
	return &Transaction{
		ID:                uuid.New(),
		OwnerID:           ownerID,
		Amount:            c.Amount,
		Currency:          c.Currency,
		Merchant:          c.Merchant,
		Category:          c.Category,
		Date:              c.Date,
		Description:       msg.Snippet,
		Source:            SourceMail,
		ProviderMessageID: &messageID,
		BankName:          c.BankName,
		AccountLast4:      c.AccountLast4,
		CreatedAt:         time.Now().UTC(),
	}
}

// TransactionFilter narrows ListTransactions results.
type TransactionFilter struct {
	OwnerID   uuid.UUID
	StartDate time.Time
	EndDate   time.Time
	Category  string
	Limit     int
	Offset    int
}
