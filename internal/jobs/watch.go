package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/mailbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Watcher registers a push watch for an owner's mailbox.
type Watcher interface {
	Watch(ctx context.Context, ownerID uuid.UUID) (*mailbox.WatchResult, error)
}

// NewRenewWatchHandler returns the JobHandler for RenewWatchJob. Credential
// failures are permanent since retrying cannot repair a revoked grant.
func NewRenewWatchHandler(w Watcher, log zerolog.Logger) JobHandler {
	return func(ctx context.Context, job Job) error {
		renew, ok := job.(*RenewWatchJob)
		if !ok {
			return Permanent(fmt.Errorf("RenewWatch: unexpected job type %s", job.GetType()))
		}

		res, err := w.Watch(ctx, renew.OwnerID)
		if err != nil {
			if errors.Is(err, domain.ErrCredential) {
				return Permanent(fmt.Errorf("RenewWatch: %w", err))
			}
			return fmt.Errorf("RenewWatch: %w", err)
		}

		renew.HistoryID = res.HistoryID
		if !res.Expiration.IsZero() {
			exp := res.Expiration
			renew.Expiration = &exp
		}

		log.Info().
			Str("owner_id", renew.OwnerID.String()).
			Str("historyId", res.HistoryID).
			Time("expiration", res.Expiration).
			Msg("Mailbox watch renewed")
		return nil
	}
}
