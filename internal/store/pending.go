package store

import (
	"context"
	"fmt"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
)

// PendingMessages returns the owner's retry set, oldest first.
func (s *Store) PendingMessages(ctx context.Context, ownerID uuid.UUID) ([]domain.PendingMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, thread_id, attempts, last_error
		FROM pending_messages
		WHERE owner_id = $1
		ORDER BY created_at, message_id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("PendingMessages: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingMessage
	for rows.Next() {
		var p domain.PendingMessage
		if err := rows.Scan(&p.Ref.ID, &p.Ref.ThreadID, &p.Attempts, &p.LastError); err != nil {
			return nil, fmt.Errorf("PendingMessages: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("PendingMessages: %w", err)
	}
	return out, nil
}

// MarkPending adds ref to the owner's retry set, or bumps its attempt count
// when it is already there. It returns the attempt count after the update.
func (s *Store) MarkPending(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		INSERT INTO pending_messages (owner_id, message_id, thread_id, attempts, last_error)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (owner_id, message_id) DO UPDATE
		SET attempts   = pending_messages.attempts + 1,
		    last_error = EXCLUDED.last_error,
		    updated_at = now()
		RETURNING attempts`,
		ownerID, ref.ID, ref.ThreadID, reason,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("MarkPending: %w", err)
	}
	return attempts, nil
}

// ClearPending removes a message from the owner's retry set. Clearing an
// absent message is not an error.
func (s *Store) ClearPending(ctx context.Context, ownerID uuid.UUID, messageID string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM pending_messages WHERE owner_id = $1 AND message_id = $2`,
		ownerID, messageID,
	); err != nil {
		return fmt.Errorf("ClearPending: %w", err)
	}
	return nil
}
