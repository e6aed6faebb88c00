// services/errors.go
package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wfunc/knighttour/persistence"
)

var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrSeatTaken        = errors.New("seat already taken")
	ErrAlreadyStarted   = errors.New("game already started")
	ErrVersionConflict  = errors.New("game state changed concurrently")
	ErrIllegalMove      = errors.New("illegal move")
	ErrGameFinished     = errors.New("game finished")
	ErrNoActiveGame     = errors.New("no active game")
	ErrNotHost          = errors.New("only the host may do this")
	ErrNotActivePlayer  = errors.New("only the active player may do this")
	ErrRoomNotFound     = errors.New("room not found")
	ErrInvalidBoardSize = errors.New("board size must be 5, 6 or 8")
	ErrInvalidGameType  = errors.New("unknown game type")
	ErrUnsupportedGame  = errors.New("action not supported for this game type")
	ErrTransient        = errors.New("storage temporarily unavailable")
)

// Kind 错误分类，决定调用方如何恢复
type Kind int

const (
	KindNone Kind = iota
	KindAuthRequired
	KindConflict
	KindInvalidMove
	KindNotHost
	KindNotFound
	KindInvalidInput
	KindTransient
)

var kindNames = map[Kind]string{
	KindNone:         "none",
	KindAuthRequired: "auth_required",
	KindConflict:     "conflict",
	KindInvalidMove:  "invalid_move",
	KindNotHost:      "not_host",
	KindNotFound:     "not_found",
	KindInvalidInput: "invalid_input",
	KindTransient:    "transient",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus maps a kind onto a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindInvalidMove:
		return http.StatusUnprocessableEntity
	case KindNotHost:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

var classified = []struct {
	err  error
	kind Kind
}{
	{ErrAuthRequired, KindAuthRequired},
	{ErrSeatTaken, KindConflict},
	{ErrAlreadyStarted, KindConflict},
	{ErrVersionConflict, KindConflict},
	{ErrIllegalMove, KindInvalidMove},
	{ErrGameFinished, KindInvalidMove},
	{ErrNoActiveGame, KindInvalidMove},
	{ErrNotHost, KindNotHost},
	{ErrNotActivePlayer, KindNotHost},
	{ErrRoomNotFound, KindNotFound},
	{ErrInvalidBoardSize, KindInvalidInput},
	{ErrInvalidGameType, KindInvalidInput},
	{ErrUnsupportedGame, KindInvalidInput},
}

// Classify 将任意错误归入错误分类；无法识别的错误视为可重试的存储故障
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, c := range classified {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindTransient
}

// StorageError wraps a collaborator failure as ErrTransient, keeping the cause
// reachable through errors.Is. Errors that already carry a kind pass through.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classified {
		if errors.Is(err, c.err) {
			return err
		}
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, persistence.ErrRecordNotFound)
}
