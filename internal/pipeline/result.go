package pipeline

import (
	"errors"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
)

// State is the position of a batch in its lifecycle.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateResolvedOwner State = "RESOLVED_OWNER"
	StateFetching      State = "FETCHING"
	StateExtracting    State = "EXTRACTING"
	StatePersisting    State = "PERSISTING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// BatchResult summarises one notification-triggered ingestion batch.
type BatchResult struct {
	State   State
	Mailbox string
	OwnerID uuid.UUID

	Bootstrap bool
	Listed    int

	// Retried counts messages carried over from earlier batches.
	Retried    int
	Fetched    int
	Inserted   int
	Duplicates int
	Rejected   int

	// Deferred messages failed transiently and will be tried again by the
	// next batch. Skipped ones are gone or have exhausted their attempts.
	Deferred int
	Skipped  int

	WatermarkBefore string
	WatermarkAfter  string

	FailureReason string
	Err           error

	// retry is set when the failure is an infrastructure fault the
	// notifier should redeliver.
	retry bool
}

// Acknowledge reports whether the notification should be answered with a
// 2xx. Malformed bodies, unknown owners and credential failures are
// acknowledged since redelivery cannot fix them.
func (r *BatchResult) Acknowledge() bool {
	return !r.retry
}

// Done reports whether the batch completed its loop.
func (r *BatchResult) Done() bool {
	return r.State == StateDone
}

func (r *BatchResult) fail(err error, retry bool) *BatchResult {
	r.State = StateFailed
	r.Err = err
	r.FailureReason = failureReason(err)
	r.retry = retry
	return r
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedNotification):
		return "malformed_notification"
	case errors.Is(err, domain.ErrUnknownOwner):
		return "unknown_owner"
	case errors.Is(err, domain.ErrCredential):
		return "credential_error"
	case errors.Is(err, errCanceled):
		return "canceled"
	default:
		return "infrastructure_error"
	}
}
