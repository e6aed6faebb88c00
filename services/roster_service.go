// services/roster_service.go
package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/persistence"
)

// RosterService 房间成员管理，(room_id, user_id) 唯一
type RosterService struct {
	db persistence.Database
}

func NewRosterService(db persistence.Database) *RosterService {
	return &RosterService{db: db}
}

// WithTx returns a RosterService bound to tx.
func (s *RosterService) WithTx(tx persistence.Database) *RosterService {
	return &RosterService{db: tx}
}

// Join returns the caller's existing row or inserts a spectator row. A racing
// insert for the same user is resolved by re-reading the winner's row.
func (s *RosterService) Join(ctx context.Context, roomID, userID, identity string) (*models.Player, error) {
	existing, err := s.Find(ctx, roomID, userID)
	if err != nil || existing != nil {
		return existing, err
	}

	p := &models.Player{
		ID:              uuid.New().String(),
		RoomID:          roomID,
		UserID:          userID,
		DisplayIdentity: identity,
		IsPlayer:        false,
	}
	err = s.db.InsertPlayer(ctx, p)
	if isNotFound(err) {
		logger.Log.Infow("join lost to room delete", "room_id", roomID, "user_id", userID)
		return nil, ErrRoomNotFound
	}
	if errors.Is(err, persistence.ErrDuplicateEntry) {
		logger.Log.Infow("concurrent join resolved by re-read", "room_id", roomID, "user_id", userID)
		winner, err := s.Find(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			// the winning row was deleted in between; surface as retryable
			return nil, StorageError("join", persistence.ErrRecordNotFound)
		}
		return winner, nil
	}
	if err != nil {
		return nil, StorageError("insert player", err)
	}
	return p, nil
}

// Find returns the caller's row, or nil if they have not joined.
func (s *RosterService) Find(ctx context.Context, roomID, userID string) (*models.Player, error) {
	p, err := s.db.FindPlayer(ctx, roomID, userID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, StorageError("find player", err)
	}
	return p, nil
}

func (s *RosterService) SetPlayerFlag(ctx context.Context, roomID, userID string, isPlayer bool) error {
	return StorageError("set player flag", s.db.SetPlayerFlag(ctx, roomID, userID, isPlayer))
}

// ClearFlags turns every row of the room back into a spectator.
func (s *RosterService) ClearFlags(ctx context.Context, roomID string) error {
	return StorageError("clear player flags", s.db.ClearPlayerFlags(ctx, roomID))
}

// Leave deletes the caller's row. Leaving twice is not an error.
func (s *RosterService) Leave(ctx context.Context, roomID, userID string) error {
	return StorageError("delete player", s.db.DeletePlayer(ctx, roomID, userID))
}

// List returns the room's roster and its size.
func (s *RosterService) List(ctx context.Context, roomID string) ([]models.Player, int64, error) {
	players, err := s.db.ListPlayers(ctx, roomID)
	if err != nil {
		return nil, 0, StorageError("list players", err)
	}
	return players, int64(len(players)), nil
}

func (s *RosterService) Count(ctx context.Context, roomID string) (int64, error) {
	count, err := s.db.CountPlayers(ctx, roomID)
	if err != nil {
		return 0, StorageError("count players", err)
	}
	return count, nil
}

// HasActivePlayer reports whether any row of the room carries is_player.
func (s *RosterService) HasActivePlayer(ctx context.Context, roomID string) (bool, error) {
	players, _, err := s.List(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, p := range players {
		if p.IsPlayer {
			return true, nil
		}
	}
	return false, nil
}
