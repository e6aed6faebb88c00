package state

import (
	"errors"
	"sync"

	"github.com/wfunc/knighttour/models"
)

// 状态机接口
type StateMachine interface {
	CanTransition(room *models.Room, to models.RoomStatus) error
	AddTransition(from, to models.RoomStatus, condition Condition)
}

// Condition 转换条件，针对转换前读到的房间记录求值
type Condition func(room *models.Room) bool

var (
	// ErrTransitionNotAllowed is returned when a state transition is not allowed.
	ErrTransitionNotAllowed = errors.New("state transition not allowed")
	// ErrInconsistentRoom is returned when a claimed seat is seen on a waiting room.
	ErrInconsistentRoom = errors.New("room has an active player but is not playing")
)

// 基础状态机实现。房间状态本身保存在记录中，状态机只负责判定转换是否允许。
type BaseStateMachine struct {
	transitions map[models.RoomStatus]map[models.RoomStatus]Condition // fromState -> toState -> condition
	mutex       sync.RWMutex
}

func NewBaseStateMachine() *BaseStateMachine {
	return &BaseStateMachine{
		transitions: make(map[models.RoomStatus]map[models.RoomStatus]Condition),
	}
}

func (sm *BaseStateMachine) AddTransition(from, to models.RoomStatus, condition Condition) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[models.RoomStatus]Condition)
	}
	sm.transitions[from][to] = condition
}

func (sm *BaseStateMachine) CanTransition(room *models.Room, to models.RoomStatus) error {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	conditions, exists := sm.transitions[room.Status]
	if !exists {
		return ErrTransitionNotAllowed
	}
	condition, exists := conditions[to]
	if !exists {
		return ErrTransitionNotAllowed
	}
	if condition != nil && !condition(room) {
		return ErrTransitionNotAllowed
	}
	return nil
}

// NewRoomStateMachine 房间生命周期：
//
//	waiting -> playing  领取座位，要求座位为空
//	playing -> waiting  释放座位（玩家退出或重置停滞的房间），要求座位已被占用
func NewRoomStateMachine() *BaseStateMachine {
	sm := NewBaseStateMachine()
	sm.AddTransition(models.StatusWaiting, models.StatusPlaying, func(r *models.Room) bool {
		return !r.HasActivePlayer()
	})
	sm.AddTransition(models.StatusPlaying, models.StatusWaiting, func(r *models.Room) bool {
		return r.HasActivePlayer()
	})
	return sm
}

// CheckInvariant reports a room whose seat is claimed while it is not playing.
func CheckInvariant(room *models.Room) error {
	if room.HasActivePlayer() && room.Status != models.StatusPlaying {
		return ErrInconsistentRoom
	}
	return nil
}
