// models/gorm_models.go
package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/wfunc/knighttour/engine"
)

// GormRoom 房间表
type GormRoom struct {
	ID             string    `gorm:"primaryKey;size:36"`
	HostID         string    `gorm:"size:64;not null;index"`
	Status         string    `gorm:"size:16;not null;default:waiting"`
	GameType       string    `gorm:"size:32;not null"`
	BoardSize      int       `gorm:"not null;default:0"`
	ActivePlayerID *string   `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (GormRoom) TableName() string {
	return "rooms"
}

// GormPlayer 房间成员表，(room_id, user_id) 唯一
type GormPlayer struct {
	ID              string `gorm:"primaryKey;size:36"`
	RoomID          string `gorm:"size:36;not null;uniqueIndex:idx_players_room_user,priority:1"`
	UserID          string `gorm:"size:64;not null;uniqueIndex:idx_players_room_user,priority:2"`
	DisplayIdentity string `gorm:"size:255"`
	IsPlayer        bool   `gorm:"not null;default:false"`
	CreatedAt       time.Time

	Room *GormRoom `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
}

func (GormPlayer) TableName() string {
	return "players"
}

// GormGameState 骑士巡游状态表，每个房间最多一行
type GormGameState struct {
	ID             string                             `gorm:"primaryKey;size:36"`
	RoomID         string                             `gorm:"size:36;not null;uniqueIndex"`
	Board          datatypes.JSONType[engine.Board]   `gorm:"not null"`
	KnightPosition datatypes.JSONType[engine.Coord]   `gorm:"not null"`
	MoveHistory    datatypes.JSONType[[]engine.Coord] `gorm:"not null"`
	Turn           int                                `gorm:"not null"`
	Finished       bool                               `gorm:"not null;default:false"`
	Version        int64                              `gorm:"not null;default:1"`
	UpdatedAt      time.Time

	Room *GormRoom `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
}

func (GormGameState) TableName() string {
	return "game_states"
}

func NewGormRoom(r *Room) *GormRoom {
	return &GormRoom{
		ID:             r.ID,
		HostID:         r.HostID,
		Status:         string(r.Status),
		GameType:       r.GameType,
		BoardSize:      r.BoardSize,
		ActivePlayerID: r.ActivePlayerID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (g *GormRoom) ToRoom() *Room {
	return &Room{
		ID:             g.ID,
		HostID:         g.HostID,
		Status:         RoomStatus(g.Status),
		GameType:       g.GameType,
		BoardSize:      g.BoardSize,
		ActivePlayerID: g.ActivePlayerID,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
	}
}

func NewGormPlayer(p *Player) *GormPlayer {
	return &GormPlayer{
		ID:              p.ID,
		RoomID:          p.RoomID,
		UserID:          p.UserID,
		DisplayIdentity: p.DisplayIdentity,
		IsPlayer:        p.IsPlayer,
		CreatedAt:       p.CreatedAt,
	}
}

func (g *GormPlayer) ToPlayer() *Player {
	return &Player{
		ID:              g.ID,
		RoomID:          g.RoomID,
		UserID:          g.UserID,
		DisplayIdentity: g.DisplayIdentity,
		IsPlayer:        g.IsPlayer,
		CreatedAt:       g.CreatedAt,
	}
}

func NewGormGameState(s *GameState) *GormGameState {
	return &GormGameState{
		ID:             s.ID,
		RoomID:         s.RoomID,
		Board:          datatypes.NewJSONType(s.Board),
		KnightPosition: datatypes.NewJSONType(s.KnightPosition),
		MoveHistory:    datatypes.NewJSONType(s.MoveHistory),
		Turn:           s.Turn,
		Finished:       s.Finished,
		Version:        s.Version,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (g *GormGameState) ToGameState() *GameState {
	return &GameState{
		ID:             g.ID,
		RoomID:         g.RoomID,
		Board:          g.Board.Data(),
		KnightPosition: g.KnightPosition.Data(),
		MoveHistory:    g.MoveHistory.Data(),
		Turn:           g.Turn,
		Finished:       g.Finished,
		Version:        g.Version,
		UpdatedAt:      g.UpdatedAt,
	}
}
