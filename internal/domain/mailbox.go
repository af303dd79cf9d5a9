package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Owner is a registered user whose mailbox is connected.
type Owner struct {
	ID    uuid.UUID
	Email string
}

// MailCredentials is the stored OAuth token pair for an owner's mailbox.
type MailCredentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// MessageRef points at a message in the provider's mailbox.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Listing is the result of one candidate-listing call.
// Watermark is the cursor the coordinator stores once the whole listing has
// been handled; Bootstrap reports that no usable watermark was supplied and
// the most-recent fallback list was used instead.
type Listing struct {
	Refs      []MessageRef
	Watermark string
	Bootstrap bool
}

// PendingMessage is a listed message that a batch could not finish for a
// transient reason. It is retried ahead of the next listing even though the
// watermark has already moved past it.
type PendingMessage struct {
	Ref       MessageRef
	Attempts  int
	LastError string
}

// RawMessage is a fetched, unparsed message. It is never persisted on its own.
type RawMessage struct {
	ID         string
	ThreadID   string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
	HistoryID  string
}

// Text is the input handed to the extractor.
func (m *RawMessage) Text() string {
	return strings.TrimSpace(m.Subject + " " + m.Snippet)
}

// MailboxWatermark is the per-owner "processed up to here" cursor.
type MailboxWatermark struct {
	OwnerID   uuid.UUID
	Cursor    string
	UpdatedAt time.Time
}

// CompareWatermarks orders two opaque cursors. Shorter cursors sort first and
// equal-length cursors compare bytewise, which matches numeric order for
// provider history ids. The empty cursor sorts before everything.
func CompareWatermarks(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// LaterWatermark returns whichever cursor sorts last.
func LaterWatermark(a, b string) string {
	if CompareWatermarks(a, b) >= 0 {
		return a
	}
	return b
}
