package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/knighttour/broadcast"
	"github.com/wfunc/knighttour/engine"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/persistence"
	"github.com/wfunc/knighttour/services"
	"github.com/wfunc/knighttour/state"
)

// Manager 房间生命周期管理器。
// 不持有任何进程内房间状态：每个操作都读取记录，并通过条件写入完成变更。
type Manager struct {
	db               persistence.Database
	roster           *services.RosterService
	games            *services.GameService
	stateMachine     state.StateMachine
	publisher        broadcast.Publisher
	detacher         Detacher
	observer         Observer
	defaultBoardSize int
}

type Option func(*Manager)

// WithPublisher sets where change events go after each successful mutation.
func WithPublisher(p broadcast.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithDetacher(d Detacher) Option {
	return func(m *Manager) { m.detacher = d }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithDefaultBoardSize(n int) Option {
	return func(m *Manager) {
		if engine.ValidBoardSize(n) {
			m.defaultBoardSize = n
		}
	}
}

func NewManager(db persistence.Database, opts ...Option) *Manager {
	m := &Manager{
		db:               db,
		roster:           services.NewRosterService(db),
		games:            services.NewGameService(db),
		stateMachine:     state.NewRoomStateMachine(),
		defaultBoardSize: engine.DefaultBoardSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// observe 记录动作耗时与结果分类
func (m *Manager) observe(action string, start time.Time, err *error) {
	if m.observer == nil {
		return
	}
	m.observer.ObserveAction(action, services.Classify(*err).String(), time.Since(start))
}

func (m *Manager) publish(ctx context.Context, roomID string, kind broadcast.Kind, op broadcast.Op) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, broadcast.NewEvent(roomID, kind, op)); err != nil {
		// 通知是尽力而为的；订阅者在重连时会全量重读
		logger.Log.Warnw("publish failed", "room_id", roomID, "kind", kind, "error", err)
	}
}

func requireUser(user models.User) error {
	if !user.Authenticated() {
		return services.ErrAuthRequired
	}
	return nil
}

// loadRoom reads the room or returns ErrRoomNotFound.
func (m *Manager) loadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := m.db.GetRoom(ctx, roomID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, services.ErrRoomNotFound
	}
	if err != nil {
		return nil, services.StorageError("get room", err)
	}
	return room, nil
}

// loadPuzzleRoom is loadRoom restricted to knight's-tour rooms.
func (m *Manager) loadPuzzleRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := m.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.GameType != models.GameTypeKnightTour {
		return nil, services.ErrUnsupportedGame
	}
	return room, nil
}

// CreateRoom makes user the host and first roster entry. The seat stays free.
func (m *Manager) CreateRoom(ctx context.Context, user models.User, gameType string, boardSize int) (room *models.Room, err error) {
	defer m.observe("create_room", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return nil, err
	}

	switch gameType {
	case "":
		gameType = models.GameTypeKnightTour
	case models.GameTypeKnightTour, models.GameTypeRPS:
	default:
		return nil, services.ErrInvalidGameType
	}
	if gameType == models.GameTypeKnightTour {
		if boardSize == 0 {
			boardSize = m.defaultBoardSize
		}
		if !engine.ValidBoardSize(boardSize) {
			return nil, services.ErrInvalidBoardSize
		}
	} else {
		boardSize = 0
	}

	room = &models.Room{
		ID:        uuid.New().String(),
		HostID:    user.ID,
		Status:    models.StatusWaiting,
		GameType:  gameType,
		BoardSize: boardSize,
	}
	err = m.db.Transaction(ctx, func(tx persistence.Database) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		_, err := m.roster.WithTx(tx).Join(ctx, room.ID, user.ID, user.Email)
		return err
	})
	if err != nil {
		return nil, services.StorageError("create room", err)
	}

	logger.Log.Infow("room created", "room_id", room.ID, "user_id", user.ID, "game_type", gameType, "board_size", boardSize)
	m.publish(ctx, room.ID, broadcast.KindRoom, broadcast.OpInsert)
	m.publish(ctx, room.ID, broadcast.KindRoster, broadcast.OpInsert)
	return room, nil
}

// JoinRoom adds user to the roster as a spectator. Joining again returns the
// existing row.
func (m *Manager) JoinRoom(ctx context.Context, user models.User, roomID string) (player *models.Player, err error) {
	defer m.observe("join_room", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if _, err := m.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return m.join(ctx, user, roomID)
}

func (m *Manager) join(ctx context.Context, user models.User, roomID string) (*models.Player, error) {
	before, err := m.roster.Find(ctx, roomID, user.ID)
	if err != nil {
		return nil, err
	}
	player, err := m.roster.Join(ctx, roomID, user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	if before == nil {
		logger.Log.Infow("player joined", "room_id", roomID, "user_id", user.ID)
		m.publish(ctx, roomID, broadcast.KindRoster, broadcast.OpInsert)
	}
	return player, nil
}

// ClaimSeat takes the single active-player seat if it is free. The first
// conditioned write wins; everyone else gets ErrSeatTaken.
func (m *Manager) ClaimSeat(ctx context.Context, user models.User, roomID string) (err error) {
	defer m.observe("claim_seat", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return err
	}
	room, err := m.loadPuzzleRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if _, err := m.join(ctx, user, roomID); err != nil {
		return err
	}
	if room.IsActivePlayer(user.ID) {
		return nil
	}
	if err := m.stateMachine.CanTransition(room, models.StatusPlaying); err != nil {
		logger.Log.Infow("seat taken", "room_id", roomID, "user_id", user.ID)
		return services.ErrSeatTaken
	}

	userID := user.ID
	err = m.db.Transaction(ctx, func(tx persistence.Database) error {
		if err := tx.UpdateRoomIf(ctx, roomID, nil, models.StatusPlaying, &userID); err != nil {
			return err
		}
		return m.roster.WithTx(tx).SetPlayerFlag(ctx, roomID, userID, true)
	})
	if errors.Is(err, persistence.ErrConditionFailed) {
		if _, lookupErr := m.loadRoom(ctx, roomID); lookupErr != nil {
			return lookupErr
		}
		logger.Log.Infow("lost claim race", "room_id", roomID, "user_id", user.ID)
		return services.ErrSeatTaken
	}
	if err != nil {
		return services.StorageError("claim seat", err)
	}

	logger.Log.Infow("seat claimed", "room_id", roomID, "user_id", user.ID)
	m.publish(ctx, roomID, broadcast.KindRoom, broadcast.OpUpdate)
	m.publish(ctx, roomID, broadcast.KindRoster, broadcast.OpUpdate)
	return nil
}

// activePuzzleRoom loads the room and checks user holds its seat.
func (m *Manager) activePuzzleRoom(ctx context.Context, user models.User, roomID string) (*models.Room, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	room, err := m.loadPuzzleRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActivePlayer(user.ID) {
		return nil, services.ErrNotActivePlayer
	}
	return room, nil
}

// PlaceFirst puts the knight on its first square, which starts the game.
func (m *Manager) PlaceFirst(ctx context.Context, user models.User, roomID string, at engine.Coord) (gs *models.GameState, err error) {
	defer m.observe("place_first", time.Now(), &err)
	room, err := m.activePuzzleRoom(ctx, user, roomID)
	if err != nil {
		return nil, err
	}
	gs, err = m.games.Start(ctx, roomID, room.BoardSize, at)
	if err != nil {
		return nil, err
	}
	logger.Log.Infow("game started", "room_id", roomID, "user_id", user.ID, "at", at.String())
	m.publish(ctx, roomID, broadcast.KindGame, broadcast.OpInsert)
	return gs, nil
}

// Move advances the knight to a legal unvisited square.
func (m *Manager) Move(ctx context.Context, user models.User, roomID string, to engine.Coord) (gs *models.GameState, err error) {
	defer m.observe("move", time.Now(), &err)
	if _, err := m.activePuzzleRoom(ctx, user, roomID); err != nil {
		return nil, err
	}
	gs, err = m.games.Move(ctx, roomID, to)
	if err != nil {
		return nil, err
	}
	if gs.Finished {
		logger.Log.Infow("tour completed", "room_id", roomID, "user_id", user.ID, "turn", gs.Turn)
	}
	m.publish(ctx, roomID, broadcast.KindGame, broadcast.OpUpdate)
	return gs, nil
}

// ResetGame clears the puzzle and keeps the seat. When no roster row carries
// the player flag any more, the stalled seat is released too.
func (m *Manager) ResetGame(ctx context.Context, user models.User, roomID string) (err error) {
	defer m.observe("reset_game", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return err
	}
	room, err := m.loadPuzzleRoom(ctx, roomID)
	if err != nil {
		return err
	}

	released := false
	err = m.db.Transaction(ctx, func(tx persistence.Database) error {
		if err := m.games.WithTx(tx).Reset(ctx, roomID); err != nil {
			return err
		}
		if !room.HasActivePlayer() {
			return nil
		}
		hasPlayer, err := m.roster.WithTx(tx).HasActivePlayer(ctx, roomID)
		if err != nil || hasPlayer {
			return err
		}
		if m.stateMachine.CanTransition(room, models.StatusWaiting) != nil {
			return nil
		}
		err = tx.UpdateRoomIf(ctx, roomID, room.ActivePlayerID, models.StatusWaiting, nil)
		if errors.Is(err, persistence.ErrConditionFailed) {
			// someone changed the seat since we read it; leave it alone
			return nil
		}
		released = err == nil
		return err
	})
	if err != nil {
		return services.StorageError("reset game", err)
	}

	logger.Log.Infow("game reset", "room_id", roomID, "user_id", user.ID, "seat_released", released)
	m.publish(ctx, roomID, broadcast.KindGame, broadcast.OpDelete)
	if released {
		m.publish(ctx, roomID, broadcast.KindRoom, broadcast.OpUpdate)
	}
	return nil
}

// Quit removes user from the roster. If they held the seat, the room goes
// back to waiting and the puzzle is discarded.
func (m *Manager) Quit(ctx context.Context, user models.User, roomID string) (err error) {
	defer m.observe("quit", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return err
	}
	room, err := m.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}

	released := false
	userID := user.ID
	err = m.db.Transaction(ctx, func(tx persistence.Database) error {
		if err := m.roster.WithTx(tx).Leave(ctx, roomID, userID); err != nil {
			return err
		}
		if !room.IsActivePlayer(userID) {
			return nil
		}
		err := tx.UpdateRoomIf(ctx, roomID, &userID, models.StatusWaiting, nil)
		if errors.Is(err, persistence.ErrConditionFailed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := m.games.WithTx(tx).Reset(ctx, roomID); err != nil {
			return err
		}
		released = true
		return m.roster.WithTx(tx).ClearFlags(ctx, roomID)
	})
	if err != nil {
		return services.StorageError("quit", err)
	}

	logger.Log.Infow("player quit", "room_id", roomID, "user_id", user.ID, "seat_released", released)
	m.publish(ctx, roomID, broadcast.KindRoster, broadcast.OpDelete)
	if released {
		m.publish(ctx, roomID, broadcast.KindRoom, broadcast.OpUpdate)
		m.publish(ctx, roomID, broadcast.KindGame, broadcast.OpDelete)
	}
	return nil
}

// DeleteRoom removes the room with its roster and game. Only the host may do
// it; deleting a room that is already gone succeeds.
func (m *Manager) DeleteRoom(ctx context.Context, user models.User, roomID string) (err error) {
	defer m.observe("delete_room", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return err
	}
	room, err := m.loadRoom(ctx, roomID)
	if errors.Is(err, services.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if room.HostID != user.ID {
		return services.ErrNotHost
	}
	if err := m.db.DeleteRoom(ctx, roomID); err != nil {
		return services.StorageError("delete room", err)
	}

	logger.Log.Infow("room deleted", "room_id", roomID, "user_id", user.ID)
	m.publish(ctx, roomID, broadcast.KindRoom, broadcast.OpDelete)
	return nil
}

// LeaveRoom stops the caller's viewers of the room. No record changes.
func (m *Manager) LeaveRoom(ctx context.Context, user models.User, roomID string) (err error) {
	defer m.observe("leave_room", time.Now(), &err)
	if err := requireUser(user); err != nil {
		return err
	}
	if m.detacher != nil {
		m.detacher.DetachRoom(user.ID, roomID)
	}
	return nil
}

// ListRooms returns the lobby, newest first, with each room's roster size and
// whether user holds its seat.
func (m *Manager) ListRooms(ctx context.Context, user models.User) ([]models.RoomSummary, error) {
	rooms, err := m.db.ListRooms(ctx)
	if err != nil {
		return nil, services.StorageError("list rooms", err)
	}
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		count, err := m.roster.Count(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		summary := models.RoomSummary{Room: r, PlayerCount: count}
		if user.Authenticated() {
			p, err := m.roster.Find(ctx, r.ID, user.ID)
			if err != nil {
				return nil, err
			}
			summary.IAmPlayer = p != nil && p.IsPlayer
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetRoom reads a single room record.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	return m.loadRoom(ctx, roomID)
}

// Snapshot reads the room, its roster and its game afresh.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	room, err := m.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := state.CheckInvariant(room); err != nil {
		logger.Log.Errorw("room invariant violated", "room_id", roomID, "error", err)
	}
	players, count, err := m.roster.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	gs, err := m.games.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	snap := &models.RoomSnapshot{
		Room:        room,
		Players:     players,
		PlayerCount: count,
		Game:        gs,
		ReadAt:      time.Now(),
	}
	if gs != nil {
		snap.Outcome = gs.Outcome()
		snap.LegalMoves = gs.LegalMoves()
	}
	return snap, nil
}
