package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OwnerLister returns the owners whose watches should be kept alive.
type OwnerLister func(ctx context.Context) ([]uuid.UUID, error)

// EnqueueRenewals publishes one RenewWatchJob per owner and returns how
// many were enqueued. It stops at the first publish error.
func EnqueueRenewals(ctx context.Context, pub Publisher, owners OwnerLister) (int, error) {
	ids, err := owners(ctx)
	if err != nil {
		return 0, fmt.Errorf("EnqueueRenewals: listing owners: %w", err)
	}

	for i, id := range ids {
		if err := pub.PublishRenewWatch(ctx, &RenewWatchJob{OwnerID: id}); err != nil {
			return i, fmt.Errorf("EnqueueRenewals: owner %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// RunRenewals enqueues renewals immediately and then every interval until
// ctx is done. Gmail watches lapse after seven days, so any interval
// comfortably below that keeps pushes flowing.
func RunRenewals(ctx context.Context, interval time.Duration, pub Publisher, owners OwnerLister, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := EnqueueRenewals(ctx, pub, owners)
		if err != nil {
			log.Error().Err(err).Int("enqueued", n).Msg("Watch renewal round failed")
		} else {
			log.Info().Int("enqueued", n).Msg("Watch renewals enqueued")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
