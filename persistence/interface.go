// persistence/interface.go
package persistence

import (
	"context"
	"errors"

	"github.com/wfunc/knighttour/models"
)

// Database 持久化记录存储接口。
// 所有并发安全性都依赖条件写入（compare-and-set），而不是进程内锁。
type Database interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// ListRooms returns every room, newest first.
	ListRooms(ctx context.Context) ([]models.Room, error)
	// UpdateRoomIf writes status and active player only if the room's
	// active_player_id currently equals expectActive (nil means NULL).
	// Returns ErrConditionFailed when no row matched.
	UpdateRoomIf(ctx context.Context, roomID string, expectActive *string, status models.RoomStatus, active *string) error
	// DeleteRoom removes the room and its players and game state. Deleting a
	// missing room is not an error.
	DeleteRoom(ctx context.Context, roomID string) error

	// InsertPlayer returns ErrDuplicateEntry if (room_id, user_id) exists and
	// ErrRecordNotFound if the room does not.
	InsertPlayer(ctx context.Context, player *models.Player) error
	FindPlayer(ctx context.Context, roomID, userID string) (*models.Player, error)
	ListPlayers(ctx context.Context, roomID string) ([]models.Player, error)
	CountPlayers(ctx context.Context, roomID string) (int64, error)
	SetPlayerFlag(ctx context.Context, roomID, userID string, isPlayer bool) error
	ClearPlayerFlags(ctx context.Context, roomID string) error
	DeletePlayer(ctx context.Context, roomID, userID string) error

	// InsertGameState returns ErrDuplicateEntry if the room already has one and
	// ErrRecordNotFound if the room is gone.
	InsertGameState(ctx context.Context, state *models.GameState) error
	GetGameState(ctx context.Context, roomID string) (*models.GameState, error)
	// UpdateGameStateIf persists state only if the stored version equals
	// expectVersion, then sets state.Version to expectVersion+1.
	UpdateGameStateIf(ctx context.Context, state *models.GameState, expectVersion int64) error
	DeleteGameState(ctx context.Context, roomID string) error

	// Transaction runs fn atomically: either every write in fn applies or none.
	Transaction(ctx context.Context, fn func(tx Database) error) error
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateEntry  = errors.New("duplicate entry")
	ErrConditionFailed = errors.New("conditioned write matched no rows")
)

// NotifyChannel is the Postgres NOTIFY channel the row triggers publish on.
const NotifyChannel = "room_changes"
