// session/session.go
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wfunc/knighttour/broadcast"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/network"
	"github.com/wfunc/knighttour/services"
)

// SnapshotLoader reads the authoritative state of a room.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, roomID string) (*models.RoomSnapshot, error)
}

// SnapshotMessage 推送给客户端的房间视图
type SnapshotMessage struct {
	Version  int64                `json:"version"`
	Snapshot *models.RoomSnapshot `json:"snapshot"`
}

// resubscribeDelay spaces out attempts after a subscription is dropped.
var resubscribeDelay = 200 * time.Millisecond

// Session 一个客户端连接。它观看至多一个房间，并维护该房间的本地视图；
// 视图只会被整体替换，不会被增量修改。
type Session struct {
	ID         string
	Conn       network.Connection
	User       models.User
	CreatedAt  time.Time
	LastActive time.Time

	mutex       sync.RWMutex
	roomID      string
	view        *models.RoomSnapshot
	viewVersion int64
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

func NewSession(id string, conn network.Connection, user models.User) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		User:       user,
		CreatedAt:  now,
		LastActive: now,
	}
}

func (s *Session) Send(msgID uint16, data []byte) error {
	s.Touch()
	return s.Conn.Send(msgID, data)
}

func (s *Session) GetID() string {
	return s.ID
}

// Touch 更新最后活跃时间
func (s *Session) Touch() {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.mutex.Unlock()
}

// LastActiveAt is the time of the last frame in either direction.
func (s *Session) LastActiveAt() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.LastActive
}

// RoomID is the room this session currently watches, or "".
func (s *Session) RoomID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.roomID
}

// View returns the last reconciled snapshot and its local version.
func (s *Session) View() (*models.RoomSnapshot, int64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.view, s.viewVersion
}

// Attach starts watching roomID in the background, replacing any previous watch.
func (s *Session) Attach(roomID string, sub broadcast.Subscriber, loader SnapshotLoader) {
	s.Detach()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mutex.Lock()
	s.roomID = roomID
	s.cancelWatch = cancel
	s.watchDone = done
	s.mutex.Unlock()

	go func() {
		defer close(done)
		if err := s.Watch(ctx, roomID, sub, loader); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Warnw("watch stopped", "session_id", s.ID, "room_id", roomID, "error", err)
		}
		s.mutex.Lock()
		if s.roomID == roomID && s.watchDone == done {
			s.roomID = ""
		}
		s.mutex.Unlock()
	}()
}

// Detach stops the current watch and waits for it to exit.
func (s *Session) Detach() {
	s.mutex.Lock()
	cancel, done := s.cancelWatch, s.watchDone
	s.cancelWatch, s.watchDone = nil, nil
	s.roomID = ""
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// the watch may have stored one last snapshot before it saw the cancel
	s.mutex.Lock()
	if s.watchDone == nil {
		s.view = nil
	}
	s.mutex.Unlock()
}

// Watch keeps the session's view of roomID in step with the store. Every
// event only triggers a fresh read; a dropped subscription is re-established
// and followed by a full re-read. Returns nil when the room is deleted.
func (s *Session) Watch(ctx context.Context, roomID string, sub broadcast.Subscriber, loader SnapshotLoader) error {
	for {
		subscription, err := sub.Subscribe(ctx, roomID)
		if err != nil {
			return err
		}

		gone, err := s.watchSubscription(ctx, roomID, subscription, loader)
		subscription.Close()
		if gone || err != nil {
			return err
		}

		logger.Log.Infow("subscription dropped, resubscribing", "session_id", s.ID, "room_id", roomID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

// watchSubscription returns when the subscription drops (false, nil), the room
// is deleted (true, nil) or ctx ends.
func (s *Session) watchSubscription(ctx context.Context, roomID string, subscription *broadcast.Subscription, loader SnapshotLoader) (bool, error) {
	// 订阅建立后先全量读取，避免错过订阅前的变更
	if gone := s.reconcile(ctx, roomID, loader); gone {
		return true, nil
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case _, ok := <-subscription.C():
			if !ok {
				return false, nil
			}
			if !drain(subscription) {
				return false, nil
			}
			if gone := s.reconcile(ctx, roomID, loader); gone {
				return true, nil
			}
		}
	}
}

// drain discards queued events since one re-read covers them all. It
// returns false if the subscription closed meanwhile.
func drain(subscription *broadcast.Subscription) bool {
	for {
		select {
		case _, ok := <-subscription.C():
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// reconcile replaces the view with a fresh snapshot and pushes it. It reports
// whether the room no longer exists.
func (s *Session) reconcile(ctx context.Context, roomID string, loader SnapshotLoader) bool {
	snap, err := loader.Snapshot(ctx, roomID)
	if errors.Is(err, services.ErrRoomNotFound) {
		s.mutex.Lock()
		s.view = nil
		s.viewVersion++
		s.mutex.Unlock()
		if err := network.SendJSON(s.Conn, network.MsgTypeRoomDeleted, map[string]string{"room_id": roomID}); err != nil {
			logger.Log.Warnw("send room deleted failed", "session_id", s.ID, "error", err)
		}
		return true
	}
	if err != nil {
		// 保留旧视图，下一个事件会再次重读
		logger.Log.Warnw("snapshot read failed", "session_id", s.ID, "room_id", roomID, "error", err)
		return false
	}

	s.mutex.Lock()
	s.view = snap
	s.viewVersion++
	msg := SnapshotMessage{Version: s.viewVersion, Snapshot: snap}
	s.mutex.Unlock()

	if err := network.SendJSON(s.Conn, network.MsgTypeRoomSnapshot, msg); err != nil {
		logger.Log.Warnw("send snapshot failed", "session_id", s.ID, "error", err)
	}
	return false
}

func (s *Session) Close() error {
	s.Detach()
	return s.Conn.Close()
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) GetByUserID(userID string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.User.ID == userID {
			result = append(result, session)
		}
	}
	return result
}

// DetachRoom stops every session of userID that watches roomID.
func (m *Manager) DetachRoom(userID, roomID string) int {
	detached := 0
	for _, session := range m.GetByUserID(userID) {
		if session.RoomID() == roomID {
			session.Detach()
			detached++
		}
	}
	return detached
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// All returns the live sessions.
func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

// SweepIdle closes and removes sessions silent for longer than maxIdle and
// returns how many it closed.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, session := range m.All() {
		if session.LastActiveAt().Before(cutoff) {
			logger.Log.Infow("closing idle session", "session_id", session.ID, "user_id", session.User.ID)
			m.Remove(session.ID)
			session.Close()
			closed++
		}
	}
	return closed
}
