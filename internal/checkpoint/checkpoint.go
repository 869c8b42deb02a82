// Package checkpoint implements the single-slot short-term context store:
// at most one saved conversation snapshot per user, overwritten on save,
// with the displaced snapshot's creation time reported back.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// ErrNotFound is returned by Resume when the user has no saved slot.
var ErrNotFound = errors.New("checkpoint: no saved checkpoint")

// Locker serialises mutations per user. The engine's lock table is shared
// so checkpoint saves and memory writes for the same user never interleave.
type Locker interface {
	LockUser(userID string) (unlock func())
}

// Service is the checkpoint store front.
type Service struct {
	db     *storage.DB
	locks  Locker
	logger *slog.Logger
}

// New creates a checkpoint service.
func New(db *storage.DB, locks Locker, logger *slog.Logger) *Service {
	return &Service{db: db, locks: locks, logger: logger}
}

// Save upserts the user's slot. The result reports whether a prior
// snapshot was displaced and when it had been created; callers must
// surface that notice verbatim.
func (s *Service) Save(ctx context.Context, p model.Principal, content string, title *string) (model.CheckpointResult, error) {
	unlock := s.locks.LockUser(p.UserID)
	defer unlock()

	id, overwrote, prev, err := s.db.UpsertCheckpoint(ctx, p.UserID, content, title)
	if err != nil {
		return model.CheckpointResult{}, fmt.Errorf("checkpoint: save: %w", err)
	}
	if overwrote {
		s.logger.Debug("checkpoint overwritten", "user_id", p.UserID)
	}
	return model.CheckpointResult{
		ID:                id,
		Overwrote:         overwrote,
		PreviousCreatedAt: prev,
	}, nil
}

// Resume reads the user's slot. ErrNotFound when nothing was saved.
func (s *Service) Resume(ctx context.Context, p model.Principal) (model.Checkpoint, error) {
	c, err := s.db.GetCheckpoint(ctx, p.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: resume: %w", err)
	}
	return c, nil
}
