package state

import (
	"testing"

	"github.com/wfunc/knighttour/models"
)

func strPtr(s string) *string {
	return &s
}

func TestRoomStateMachine_Claim(t *testing.T) {
	sm := NewRoomStateMachine()

	waiting := &models.Room{Status: models.StatusWaiting}
	if err := sm.CanTransition(waiting, models.StatusPlaying); err != nil {
		t.Errorf("Expected claim on a free room to be allowed, got %v", err)
	}

	playing := &models.Room{Status: models.StatusPlaying, ActivePlayerID: strPtr("alice")}
	if err := sm.CanTransition(playing, models.StatusPlaying); err != ErrTransitionNotAllowed {
		t.Errorf("Expected ErrTransitionNotAllowed for a claimed room, got %v", err)
	}
}

func TestRoomStateMachine_Release(t *testing.T) {
	sm := NewRoomStateMachine()

	playing := &models.Room{Status: models.StatusPlaying, ActivePlayerID: strPtr("alice")}
	if err := sm.CanTransition(playing, models.StatusWaiting); err != nil {
		t.Errorf("Expected release of a claimed seat to be allowed, got %v", err)
	}

	waiting := &models.Room{Status: models.StatusWaiting}
	if err := sm.CanTransition(waiting, models.StatusWaiting); err != ErrTransitionNotAllowed {
		t.Errorf("Expected ErrTransitionNotAllowed for waiting -> waiting, got %v", err)
	}
}

func TestStateMachine_Condition(t *testing.T) {
	sm := NewBaseStateMachine()
	allow := false
	sm.AddTransition("a", "b", func(*models.Room) bool { return allow })

	room := &models.Room{Status: "a"}
	if err := sm.CanTransition(room, "b"); err != ErrTransitionNotAllowed {
		t.Errorf("Expected ErrTransitionNotAllowed when the condition fails, got %v", err)
	}

	allow = true
	if err := sm.CanTransition(room, "b"); err != nil {
		t.Errorf("Expected transition to be allowed, got %v", err)
	}

	if err := sm.CanTransition(room, "c"); err != ErrTransitionNotAllowed {
		t.Errorf("Expected ErrTransitionNotAllowed for an unknown transition, got %v", err)
	}

	sm.AddTransition("a", "c", nil)
	if err := sm.CanTransition(room, "c"); err != nil {
		t.Errorf("Expected a nil condition to always allow, got %v", err)
	}
}

func TestCheckInvariant(t *testing.T) {
	if err := CheckInvariant(&models.Room{Status: models.StatusWaiting}); err != nil {
		t.Errorf("Expected a free waiting room to be consistent, got %v", err)
	}
	if err := CheckInvariant(&models.Room{Status: models.StatusPlaying, ActivePlayerID: strPtr("a")}); err != nil {
		t.Errorf("Expected a claimed playing room to be consistent, got %v", err)
	}
	if err := CheckInvariant(&models.Room{Status: models.StatusWaiting, ActivePlayerID: strPtr("a")}); err != ErrInconsistentRoom {
		t.Errorf("Expected ErrInconsistentRoom, got %v", err)
	}
}
