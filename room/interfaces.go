package room

import "time"

// Detacher stops the viewer sessions a user has open on a room. It is
// defined here to break the import cycle between room and session.
type Detacher interface {
	DetachRoom(userID, roomID string) int
}

// Observer records the outcome of every presentation action.
type Observer interface {
	ObserveAction(action, outcome string, duration time.Duration)
}
