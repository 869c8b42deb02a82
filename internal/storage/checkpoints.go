package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/artemgetmann/mindmirror/internal/model"
)

// UpsertCheckpoint saves the single short-term context slot for a user.
// When a prior row existed, overwrote is true and previousCreatedAt carries
// the displaced row's creation instant so callers can surface the overwrite.
func (db *DB) UpsertCheckpoint(ctx context.Context, userID, content string, title *string) (id int64, overwrote bool, previousCreatedAt *time.Time, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, false, nil, fmt.Errorf("storage: begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM short_term_memories WHERE user_id = $1`, userID,
	).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First save for this user.
	case err != nil:
		return 0, false, nil, fmt.Errorf("storage: read prior checkpoint: %w", err)
	default:
		overwrote = true
		previousCreatedAt = &prev
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO short_term_memories (user_id, title, content, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at
		 RETURNING id`,
		userID, title, content,
	).Scan(&id)
	if err != nil {
		return 0, false, nil, fmt.Errorf("storage: upsert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, nil, fmt.Errorf("storage: commit checkpoint: %w", err)
	}
	return id, overwrote, previousCreatedAt, nil
}

// GetCheckpoint reads a user's saved slot. ErrNotFound when none exists.
func (db *DB) GetCheckpoint(ctx context.Context, userID string) (model.Checkpoint, error) {
	var c model.Checkpoint
	c.UserID = userID
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, content, created_at FROM short_term_memories WHERE user_id = $1`,
		userID,
	).Scan(&c.ID, &c.Title, &c.Content, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	return c, nil
}
