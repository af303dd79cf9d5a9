package domain

import (
	"errors"
	"fmt"
)

// Ingestion error taxonomy. Callers classify with errors.Is.
var (
	// ErrMalformedNotification: the push payload can never be decoded. Discard.
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrUnknownOwner: no registered user owns the mailbox. Discard.
	ErrUnknownOwner = errors.New("unknown mailbox owner")
	// ErrCredential: stored mail credentials are missing, revoked or expired.
	// Terminal for the current cycle; the user has to reconnect the mailbox.
	ErrCredential = errors.New("mail credentials unavailable")
	// ErrTransientFetch: network or provider-side failure. The message shows
	// up again in a later delta window.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrNotFound: the message was deleted before it could be fetched.
	ErrNotFound = errors.New("message not found")
	// ErrWatermarkExpired: the provider no longer serves history for the
	// stored cursor and a bootstrap listing is required.
	ErrWatermarkExpired = errors.New("watermark expired")
)

// FetchError carries the failing message id next to the classified cause.
type FetchError struct {
	Kind      error
	MessageID string
	Err       error
}

func (e *FetchError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v (message %s): %v", e.Kind, e.MessageID, e.Err)
}

// Is matches the classification sentinel.
func (e *FetchError) Is(target error) bool {
	return e.Kind == target
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err under the given classification.
func NewFetchError(kind error, messageID string, err error) *FetchError {
	return &FetchError{Kind: kind, MessageID: messageID, Err: err}
}
