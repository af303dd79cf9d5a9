package pipeline

import (
	"context"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/extractor"
	"github.com/google/uuid"
)

// OwnerDirectory resolves a mailbox address to its registered owner.
type OwnerDirectory interface {
	FindOwnerByMailbox(ctx context.Context, email string) (*domain.Owner, error)
}

// WatermarkStore persists the per-owner history cursor and the set of
// messages behind it that still need another attempt.
// AdvanceWatermark must never move a cursor backwards. MarkPending returns
// the message's attempt count including this one.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, ownerID uuid.UUID) (string, error)
	AdvanceWatermark(ctx context.Context, ownerID uuid.UUID, cursor string) error

	PendingMessages(ctx context.Context, ownerID uuid.UUID) ([]domain.PendingMessage, error)
	MarkPending(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef, reason string) (int, error)
	ClearPending(ctx context.Context, ownerID uuid.UUID, messageID string) error
}

// TransactionStore inserts mail-derived transactions keyed by
// (owner, provider message id). A duplicate key reports inserted=false.
type TransactionStore interface {
	InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error)
}

// CandidateExtractor turns message text into a transaction candidate.
type CandidateExtractor interface {
	ExtractDetailed(ctx context.Context, text string, ref time.Time) *extractor.Outcome
}
