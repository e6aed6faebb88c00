// services/game_service.go
package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/wfunc/knighttour/engine"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/persistence"
)

// GameService 管理每个房间唯一的骑士巡游状态。
// 创建依赖 room_id 唯一约束，落子依赖版本号条件更新。
type GameService struct {
	db persistence.Database
}

func NewGameService(db persistence.Database) *GameService {
	return &GameService{db: db}
}

// WithTx returns a GameService bound to tx.
func (s *GameService) WithTx(tx persistence.Database) *GameService {
	return &GameService{db: tx}
}

// Get returns the room's game state, or nil if no puzzle is in progress.
func (s *GameService) Get(ctx context.Context, roomID string) (*models.GameState, error) {
	gs, err := s.db.GetGameState(ctx, roomID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, StorageError("get game state", err)
	}
	return gs, nil
}

// Start places the knight on first and creates the game. Only one Start per
// room can succeed; the others get ErrAlreadyStarted.
func (s *GameService) Start(ctx context.Context, roomID string, boardSize int, first engine.Coord) (*models.GameState, error) {
	if !engine.ValidBoardSize(boardSize) {
		return nil, ErrInvalidBoardSize
	}
	board := engine.NewBoard(boardSize)
	if !board.InBounds(first) {
		return nil, ErrIllegalMove
	}

	gs := &models.GameState{
		ID:             uuid.New().String(),
		RoomID:         roomID,
		Board:          engine.Apply(board, first),
		KnightPosition: first,
		MoveHistory:    []engine.Coord{first},
		Turn:           1,
		Finished:       false,
		Version:        1,
	}
	err := s.db.InsertGameState(ctx, gs)
	if isNotFound(err) {
		return nil, ErrRoomNotFound
	}
	if errors.Is(err, persistence.ErrDuplicateEntry) {
		logger.Log.Infow("game already started", "room_id", roomID)
		return nil, ErrAlreadyStarted
	}
	if err != nil {
		return nil, StorageError("insert game state", err)
	}
	return gs, nil
}

// Move validates target against the freshest stored state and applies it
// with a version-conditioned write.
func (s *GameService) Move(ctx context.Context, roomID string, target engine.Coord) (*models.GameState, error) {
	cur, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := validateMove(cur, target); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Board = engine.Apply(cur.Board, target)
	next.KnightPosition = target
	next.MoveHistory = append(next.MoveHistory, target)
	next.Turn = len(next.MoveHistory)
	next.Finished = engine.IsTerminal(next.Board)

	err = s.db.UpdateGameStateIf(ctx, next, cur.Version)
	if errors.Is(err, persistence.ErrConditionFailed) {
		return nil, s.explainLostWrite(ctx, roomID, target)
	}
	if err != nil {
		return nil, StorageError("update game state", err)
	}
	return next, nil
}

// explainLostWrite re-reads after a failed version check so the caller learns
// why the move was rejected against the state that won.
func (s *GameService) explainLostWrite(ctx context.Context, roomID string, target engine.Coord) error {
	fresh, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if err := validateMove(fresh, target); err != nil {
		return err
	}
	logger.Log.Infow("stale game version", "room_id", roomID, "target", target.String())
	return ErrVersionConflict
}

func validateMove(gs *models.GameState, target engine.Coord) error {
	switch {
	case gs == nil:
		return ErrNoActiveGame
	case gs.Finished:
		return ErrGameFinished
	case !engine.IsLegal(gs.KnightPosition, gs.Board, target):
		return ErrIllegalMove
	}
	return nil
}

// Reset deletes the game state. Absent state is not an error.
func (s *GameService) Reset(ctx context.Context, roomID string) error {
	return StorageError("delete game state", s.db.DeleteGameState(ctx, roomID))
}
