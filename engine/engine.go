// engine/engine.go
package engine

import (
	"errors"
	"fmt"
)

// DefaultBoardSize is used when a room is created without an explicit size.
const DefaultBoardSize = 8

var (
	ErrOutOfBounds  = errors.New("coordinate out of bounds")
	ErrIllegalStep  = errors.New("not a legal knight move")
	ErrEmptyHistory = errors.New("empty move history")
	ErrInvalidSize  = errors.New("invalid board size")
)

// knightOffsets 马的八个跳跃方向
var knightOffsets = [8]Coord{
	{X: 2, Y: 1}, {X: 1, Y: 2}, {X: -1, Y: 2}, {X: -2, Y: 1},
	{X: -2, Y: -1}, {X: -1, Y: -2}, {X: 1, Y: -2}, {X: 2, Y: -1},
}

// Coord is a board square. X is the column, Y the row.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Board is an N×N grid of visited flags, indexed board[y][x].
type Board [][]bool

// NewBoard 创建一个全部未访问的棋盘
func NewBoard(n int) Board {
	b := make(Board, n)
	for y := range b {
		b[y] = make([]bool, n)
	}
	return b
}

// ValidBoardSize reports whether n is one of the supported sizes.
func ValidBoardSize(n int) bool {
	switch n {
	case 5, 6, 8:
		return true
	}
	return false
}

func (b Board) Size() int {
	return len(b)
}

func (b Board) InBounds(c Coord) bool {
	n := len(b)
	return c.X >= 0 && c.Y >= 0 && c.X < n && c.Y < n
}

func (b Board) Visited(c Coord) bool {
	return b.InBounds(c) && b[c.Y][c.X]
}

func (b Board) VisitedCount() int {
	count := 0
	for _, row := range b {
		for _, cell := range row {
			if cell {
				count++
			}
		}
	}
	return count
}

// Clone returns a deep copy.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	for y, row := range b {
		out[y] = append([]bool(nil), row...)
	}
	return out
}

// LegalMoves returns the unvisited in-bounds knight targets from pos.
// Callers must not rely on the order.
func LegalMoves(pos Coord, b Board) []Coord {
	moves := make([]Coord, 0, len(knightOffsets))
	for _, off := range knightOffsets {
		target := Coord{X: pos.X + off.X, Y: pos.Y + off.Y}
		if b.InBounds(target) && !b[target.Y][target.X] {
			moves = append(moves, target)
		}
	}
	return moves
}

func IsLegal(pos Coord, b Board, target Coord) bool {
	for _, m := range LegalMoves(pos, b) {
		if m == target {
			return true
		}
	}
	return false
}

// Apply marks target visited on a copy of b. No other cell changes.
func Apply(b Board, target Coord) Board {
	next := b.Clone()
	if next.InBounds(target) {
		next[target.Y][target.X] = true
	}
	return next
}

// IsTerminal reports a completed tour: every square visited.
func IsTerminal(b Board) bool {
	n := len(b)
	return n > 0 && b.VisitedCount() == n*n
}

// IsStuck reports the failure condition: no legal move left on an unfinished tour.
func IsStuck(pos Coord, b Board) bool {
	return !IsTerminal(b) && len(LegalMoves(pos, b)) == 0
}

// Outcome 描述一局游戏的结果
type Outcome string

const (
	InProgress Outcome = "in_progress"
	Completed  Outcome = "completed"
	Stuck      Outcome = "stuck"
)

func Evaluate(pos Coord, b Board) Outcome {
	switch {
	case IsTerminal(b):
		return Completed
	case IsStuck(pos, b):
		return Stuck
	default:
		return InProgress
	}
}

// Replay rebuilds the board for an n×n game from its move history, checking
// that every step after the first is a legal knight move.
func Replay(n int, history []Coord) (Board, error) {
	if !ValidBoardSize(n) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}
	b := NewBoard(n)
	first := history[0]
	if !b.InBounds(first) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfBounds, first)
	}
	b = Apply(b, first)
	pos := first
	for i, step := range history[1:] {
		if !IsLegal(pos, b, step) {
			return nil, fmt.Errorf("%w at step %d: %s -> %s", ErrIllegalStep, i+1, pos, step)
		}
		b = Apply(b, step)
		pos = step
	}
	return b, nil
}
