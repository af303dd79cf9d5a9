package mailbox

import (
	"context"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
)

// Gateway opens authorised mailbox sessions for owners and registers push
// watches. Errors are classified with the domain sentinels (see
// domain.FetchError); Open fails with domain.ErrCredential when the owner
// has no usable tokens.
type Gateway interface {
	Open(ctx context.Context, ownerID uuid.UUID) (Session, error)
	Watch(ctx context.Context, ownerID uuid.UUID) (*WatchResult, error)
}

// Session is one owner's mailbox for the span of a batch. Credentials are
// loaded once, when the session is opened.
//
// ListCandidateMessages returns the delta since the given watermark, or the
// bounded bootstrap list when since is empty. Listing is restartable: calling
// it twice with the same watermark yields the same refs (plus any newer ones).
type Session interface {
	ListCandidateMessages(ctx context.Context, since string) (*domain.Listing, error)
	FetchFullMessage(ctx context.Context, ref domain.MessageRef) (*domain.RawMessage, error)
}

// WatchResult is returned by a successful push-notification registration.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// CredentialStore loads the stored OAuth tokens for an owner. Implementations
// return an error wrapping domain.ErrCredential when none are stored.
type CredentialStore interface {
	GetMailCredentials(ctx context.Context, ownerID uuid.UUID) (*domain.MailCredentials, error)
}

// TokenSaver persists tokens refreshed during a call.
type TokenSaver interface {
	SaveMailCredentials(ctx context.Context, ownerID uuid.UUID, creds *domain.MailCredentials) error
}
