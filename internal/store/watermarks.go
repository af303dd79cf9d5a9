package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LoadWatermark returns the stored cursor, or "" when the owner has none yet.
func (s *Store) LoadWatermark(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var cursor string
	err := s.db.QueryRow(ctx,
		`SELECT history_cursor FROM mailbox_watermarks WHERE owner_id = $1`,
		ownerID,
	).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("LoadWatermark: %w", err)
	}
	return cursor, nil
}

// AdvanceWatermark moves the owner's cursor forward. A cursor that does not
// sort after the stored one (shorter first, then bytewise) leaves the row
// unchanged, so a slow batch finishing late cannot move it backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, ownerID uuid.UUID, cursor string) error {
	if cursor == "" {
		return nil
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO mailbox_watermarks (owner_id, history_cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner_id) DO UPDATE
		SET history_cursor = EXCLUDED.history_cursor,
		    updated_at     = EXCLUDED.updated_at
		WHERE length(mailbox_watermarks.history_cursor) < length(EXCLUDED.history_cursor)
		   OR (length(mailbox_watermarks.history_cursor) = length(EXCLUDED.history_cursor)
		       AND mailbox_watermarks.history_cursor COLLATE "C" < EXCLUDED.history_cursor COLLATE "C")`,
		ownerID, cursor,
	)
	if err != nil {
		return fmt.Errorf("AdvanceWatermark: %w", err)
	}
	return nil
}
