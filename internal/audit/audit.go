// Package audit keeps a record of every extraction the model produced,
// accepted or not, so rejected messages can be inspected later.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one model answer for one mailbox message.
type Record struct {
	OwnerID   uuid.UUID `json:"ownerId"`
	MessageID string    `json:"messageId"`
	ModelName string    `json:"modelName"`
	RawOutput string    `json:"rawOutput"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder persists extraction records. Implementations are best effort:
// callers log a returned error and carry on.
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
}

// Nop discards every record.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, *Record) error { return nil }

func stamp(rec *Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}
