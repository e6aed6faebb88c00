// persistence/memory.go
package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/knighttour/models"
)

// Memory 内存存储实现，用于测试和单机运行。
// 条件写入与事务回滚语义与 GormStore 一致。
type Memory struct {
	mu    sync.Mutex
	store *memStore
}

func NewMemory() *Memory {
	return &Memory{store: newMemStore()}
}

type memStore struct {
	rooms   map[string]*models.Room
	players map[string]*models.Player    // keyed by player id
	games   map[string]*models.GameState // keyed by room id
}

func newMemStore() *memStore {
	return &memStore{
		rooms:   make(map[string]*models.Room),
		players: make(map[string]*models.Player),
		games:   make(map[string]*models.GameState),
	}
}

func (m *memStore) snapshot() *memStore {
	out := newMemStore()
	for k, v := range m.rooms {
		out.rooms[k] = copyRoom(v)
	}
	for k, v := range m.players {
		p := *v
		out.players[k] = &p
	}
	for k, v := range m.games {
		out.games[k] = v.Clone()
	}
	return out
}

func copyRoom(r *models.Room) *models.Room {
	out := *r
	if r.ActivePlayerID != nil {
		id := *r.ActivePlayerID
		out.ActivePlayerID = &id
	}
	return &out
}

func (m *memStore) CreateRoom(_ context.Context, room *models.Room) error {
	if _, ok := m.rooms[room.ID]; ok {
		return ErrDuplicateEntry
	}
	now := time.Now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now
	m.rooms[room.ID] = copyRoom(room)
	return nil
}

func (m *memStore) GetRoom(_ context.Context, roomID string) (*models.Room, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRoom(r), nil
}

func (m *memStore) ListRooms(_ context.Context) ([]models.Room, error) {
	rooms := make([]models.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, *copyRoom(r))
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (m *memStore) UpdateRoomIf(_ context.Context, roomID string, expectActive *string, status models.RoomStatus, active *string) error {
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrConditionFailed
	}
	switch {
	case expectActive == nil && r.ActivePlayerID != nil,
		expectActive != nil && !r.IsActivePlayer(*expectActive):
		return ErrConditionFailed
	}
	r.Status = status
	r.ActivePlayerID = nil
	if active != nil {
		id := *active
		r.ActivePlayerID = &id
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) DeleteRoom(_ context.Context, roomID string) error {
	delete(m.games, roomID)
	for id, p := range m.players {
		if p.RoomID == roomID {
			delete(m.players, id)
		}
	}
	delete(m.rooms, roomID)
	return nil
}

func (m *memStore) findPlayer(roomID, userID string) *models.Player {
	for _, p := range m.players {
		if p.RoomID == roomID && p.UserID == userID {
			return p
		}
	}
	return nil
}

func (m *memStore) InsertPlayer(_ context.Context, player *models.Player) error {
	if _, ok := m.rooms[player.RoomID]; !ok {
		return ErrRecordNotFound
	}
	if m.findPlayer(player.RoomID, player.UserID) != nil {
		return ErrDuplicateEntry
	}
	if _, ok := m.players[player.ID]; ok {
		return ErrDuplicateEntry
	}
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now()
	}
	p := *player
	m.players[p.ID] = &p
	return nil
}

func (m *memStore) FindPlayer(_ context.Context, roomID, userID string) (*models.Player, error) {
	p := m.findPlayer(roomID, userID)
	if p == nil {
		return nil, ErrRecordNotFound
	}
	out := *p
	return &out, nil
}

func (m *memStore) ListPlayers(_ context.Context, roomID string) ([]models.Player, error) {
	var players []models.Player
	for _, p := range m.players {
		if p.RoomID == roomID {
			players = append(players, *p)
		}
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].CreatedAt.Equal(players[j].CreatedAt) {
			return players[i].ID < players[j].ID
		}
		return players[i].CreatedAt.Before(players[j].CreatedAt)
	})
	return players, nil
}

func (m *memStore) CountPlayers(_ context.Context, roomID string) (int64, error) {
	var count int64
	for _, p := range m.players {
		if p.RoomID == roomID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) SetPlayerFlag(_ context.Context, roomID, userID string, isPlayer bool) error {
	p := m.findPlayer(roomID, userID)
	if p == nil {
		return ErrRecordNotFound
	}
	p.IsPlayer = isPlayer
	return nil
}

func (m *memStore) ClearPlayerFlags(_ context.Context, roomID string) error {
	for _, p := range m.players {
		if p.RoomID == roomID {
			p.IsPlayer = false
		}
	}
	return nil
}

func (m *memStore) DeletePlayer(_ context.Context, roomID, userID string) error {
	if p := m.findPlayer(roomID, userID); p != nil {
		delete(m.players, p.ID)
	}
	return nil
}

func (m *memStore) InsertGameState(_ context.Context, state *models.GameState) error {
	if _, ok := m.rooms[state.RoomID]; !ok {
		return ErrRecordNotFound
	}
	if _, ok := m.games[state.RoomID]; ok {
		return ErrDuplicateEntry
	}
	if state.Version == 0 {
		state.Version = 1
	}
	state.UpdatedAt = time.Now()
	m.games[state.RoomID] = state.Clone()
	return nil
}

func (m *memStore) GetGameState(_ context.Context, roomID string) (*models.GameState, error) {
	g, ok := m.games[roomID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return g.Clone(), nil
}

func (m *memStore) UpdateGameStateIf(_ context.Context, state *models.GameState, expectVersion int64) error {
	g, ok := m.games[state.RoomID]
	if !ok || g.ID != state.ID || g.Version != expectVersion {
		return ErrConditionFailed
	}
	state.Version = expectVersion + 1
	state.UpdatedAt = time.Now()
	m.games[state.RoomID] = state.Clone()
	return nil
}

func (m *memStore) DeleteGameState(_ context.Context, roomID string) error {
	delete(m.games, roomID)
	return nil
}

// Transaction 在已持锁的存储上嵌套执行，失败时由外层恢复快照
func (m *memStore) Transaction(_ context.Context, fn func(tx Database) error) error {
	return fn(m)
}

func (m *memStore) Close() error {
	return nil
}

// Memory 的每个操作都在互斥锁内委托给 memStore

func (m *Memory) CreateRoom(ctx context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CreateRoom(ctx, room)
}

func (m *Memory) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.GetRoom(ctx, roomID)
}

func (m *Memory) ListRooms(ctx context.Context) ([]models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ListRooms(ctx)
}

func (m *Memory) UpdateRoomIf(ctx context.Context, roomID string, expectActive *string, status models.RoomStatus, active *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateRoomIf(ctx, roomID, expectActive, status, active)
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteRoom(ctx, roomID)
}

func (m *Memory) InsertPlayer(ctx context.Context, player *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.InsertPlayer(ctx, player)
}

func (m *Memory) FindPlayer(ctx context.Context, roomID, userID string) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.FindPlayer(ctx, roomID, userID)
}

func (m *Memory) ListPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ListPlayers(ctx, roomID)
}

func (m *Memory) CountPlayers(ctx context.Context, roomID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CountPlayers(ctx, roomID)
}

func (m *Memory) SetPlayerFlag(ctx context.Context, roomID, userID string, isPlayer bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SetPlayerFlag(ctx, roomID, userID, isPlayer)
}

func (m *Memory) ClearPlayerFlags(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ClearPlayerFlags(ctx, roomID)
}

func (m *Memory) DeletePlayer(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeletePlayer(ctx, roomID, userID)
}

func (m *Memory) InsertGameState(ctx context.Context, state *models.GameState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.InsertGameState(ctx, state)
}

func (m *Memory) GetGameState(ctx context.Context, roomID string) (*models.GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.GetGameState(ctx, roomID)
}

func (m *Memory) UpdateGameStateIf(ctx context.Context, state *models.GameState, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateGameStateIf(ctx, state, expectVersion)
}

func (m *Memory) DeleteGameState(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteGameState(ctx, roomID)
}

// Transaction 持锁执行 fn，出错时恢复到执行前的快照
func (m *Memory) Transaction(ctx context.Context, fn func(tx Database) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.store.snapshot()
	if err := fn(m.store); err != nil {
		m.store = saved
		return err
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
