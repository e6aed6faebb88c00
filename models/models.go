// models/models.go
package models

import (
	"time"

	"github.com/wfunc/knighttour/engine"
)

// RoomStatus 房间状态
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusPlaying RoomStatus = "playing"
)

const (
	GameTypeKnightTour = "knight_tour"
	GameTypeRPS        = "rps"
)

// Room 房间元数据，持有唯一的玩家座位
type Room struct {
	ID             string     `json:"id"`
	HostID         string     `json:"host_id"`
	Status         RoomStatus `json:"status"`
	GameType       string     `json:"game_type"`
	BoardSize      int        `json:"board_size,omitempty"`
	ActivePlayerID *string    `json:"active_player_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasActivePlayer reports whether the seat is claimed.
func (r *Room) HasActivePlayer() bool {
	return r.ActivePlayerID != nil
}

// IsActivePlayer reports whether userID holds the seat.
func (r *Room) IsActivePlayer(userID string) bool {
	return r.ActivePlayerID != nil && *r.ActivePlayerID == userID
}

// Player 房间成员（玩家或观战者）
type Player struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"room_id"`
	UserID          string    `json:"user_id"`
	DisplayIdentity string    `json:"display_identity"`
	IsPlayer        bool      `json:"is_player"`
	CreatedAt       time.Time `json:"created_at"`
}

// GameState 一局骑士巡游的权威状态
type GameState struct {
	ID             string         `json:"id"`
	RoomID         string         `json:"room_id"`
	Board          engine.Board   `json:"board"`
	KnightPosition engine.Coord   `json:"knight_position"`
	MoveHistory    []engine.Coord `json:"move_history"`
	Turn           int            `json:"turn"`
	Finished       bool           `json:"finished"`
	Version        int64          `json:"version"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := *g
	out.Board = g.Board.Clone()
	out.MoveHistory = append([]engine.Coord(nil), g.MoveHistory...)
	return &out
}

// Outcome derives the puzzle result from the board.
func (g *GameState) Outcome() engine.Outcome {
	return engine.Evaluate(g.KnightPosition, g.Board)
}

// LegalMoves lists the targets the active player may choose next.
func (g *GameState) LegalMoves() []engine.Coord {
	if g.Finished {
		return nil
	}
	return engine.LegalMoves(g.KnightPosition, g.Board)
}

// RoomSummary is one lobby row.
type RoomSummary struct {
	Room
	PlayerCount int64 `json:"player_count"`
	IAmPlayer   bool  `json:"i_am_player"`
}

// RoomSnapshot is everything a viewer needs to render a room. It is always
// produced by a fresh read of all three record kinds.
type RoomSnapshot struct {
	Room        *Room          `json:"room"`
	Players     []Player       `json:"players"`
	PlayerCount int64          `json:"player_count"`
	Game        *GameState     `json:"game"`
	Outcome     engine.Outcome `json:"outcome,omitempty"`
	LegalMoves  []engine.Coord `json:"legal_moves,omitempty"`
	ReadAt      time.Time      `json:"read_at"`
}

// User is an authenticated caller as reported by the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Authenticated reports whether the identity provider returned a user.
func (u User) Authenticated() bool {
	return u.ID != ""
}
