package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wfunc/knighttour/auth"
	"github.com/wfunc/knighttour/broadcast"
	"github.com/wfunc/knighttour/engine"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/monitor"
	"github.com/wfunc/knighttour/network"
	"github.com/wfunc/knighttour/room"
	"github.com/wfunc/knighttour/services"
	"github.com/wfunc/knighttour/session"
)

const requestTimeout = 10 * time.Second

// Options configures the HTTP listener. An empty AllowedOrigins accepts
// WebSocket upgrades from every origin.
type Options struct {
	Addr           string
	AllowedOrigins []string
	Heartbeat      time.Duration
}

type GameServer struct {
	addr           string
	heartbeat      time.Duration
	upgrader       websocket.Upgrader
	router         *gin.Engine
	httpServer     *http.Server
	roomManager    *room.Manager
	sessionManager *session.Manager
	subscriber     broadcast.Subscriber
	verifier       *auth.Verifier
	monitor        *monitor.Monitor
	shutdownOnce   sync.Once
	shutdownChan   chan struct{}
}

// NewGameServer wires the REST API, the WebSocket endpoint and the metrics
// endpoint onto one gin router. mon may be nil.
func NewGameServer(opts Options, rooms *room.Manager, sessions *session.Manager, subscriber broadcast.Subscriber, verifier *auth.Verifier, mon *monitor.Monitor) *GameServer {
	s := &GameServer{
		addr:           opts.Addr,
		heartbeat:      opts.Heartbeat,
		roomManager:    rooms,
		sessionManager: sessions,
		subscriber:     subscriber,
		verifier:       verifier,
		monitor:        mon,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
	}
	s.router = s.routes()
	s.httpServer = &http.Server{Addr: opts.Addr, Handler: s.router}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *GameServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	if s.monitor != nil {
		r.GET("/metrics", gin.WrapH(s.monitor.Handler()))
		r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	}
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api", s.verifier.Middleware())
	{
		api.POST("/rooms", s.handleCreateRoom)
		api.GET("/rooms", s.handleListRooms)
		api.GET("/rooms/:id", s.handleGetRoom)
		api.DELETE("/rooms/:id", s.handleDeleteRoom)
		api.POST("/rooms/:id/join", s.handleJoinRoom)
		api.POST("/rooms/:id/claim", s.handleClaimSeat)
		api.POST("/rooms/:id/first", s.handlePlaceFirst)
		api.POST("/rooms/:id/move", s.handleMove)
		api.POST("/rooms/:id/reset", s.handleResetGame)
		api.POST("/rooms/:id/quit", s.handleQuit)
		api.POST("/rooms/:id/leave", s.handleLeaveRoom)
	}
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *GameServer) Handler() http.Handler {
	return s.router
}

func (s *GameServer) Start() error {
	logger.Log.Infof("Game server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every WebSocket session.
func (s *GameServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		err = s.httpServer.Shutdown(ctx)
		for _, sess := range s.sessionManager.All() {
			sess.Close()
		}
	})
	return err
}

func (s *GameServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessionManager.Count(),
	})
}

// respondError maps err onto its kind's status code.
func respondError(c *gin.Context, err error) {
	kind := services.Classify(err)
	if kind == services.KindTransient {
		logger.Log.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"kind":  services.KindInvalidInput.String(),
	})
}

type createRoomRequest struct {
	GameType  string `json:"game_type"`
	BoardSize int    `json:"board_size"`
}

type coordRequest struct {
	X *int `json:"x" binding:"required"`
	Y *int `json:"y" binding:"required"`
}

func (r coordRequest) coord() engine.Coord {
	return engine.Coord{X: *r.X, Y: *r.Y}
}

func (s *GameServer) handleCreateRoom(c *gin.Context) {
	user, err := auth.CurrentUser(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req createRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	created, err := s.roomManager.CreateRoom(c.Request.Context(), user, req.GameType, req.BoardSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *GameServer) handleListRooms(c *gin.Context) {
	user, err := auth.CurrentUser(c)
	if err != nil {
		respondError(c, err)
		return
	}
	rooms, err := s.roomManager.ListRooms(c.Request.Context(), user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *GameServer) handleGetRoom(c *gin.Context) {
	snap, err := s.roomManager.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// roomAction runs fn for the caller against the :id room and answers 204.
func (s *GameServer) roomAction(c *gin.Context, fn func(ctx context.Context, user models.User, roomID string) error) {
	user, err := auth.CurrentUser(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := fn(c.Request.Context(), user, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *GameServer) handleDeleteRoom(c *gin.Context) {
	s.roomAction(c, s.roomManager.DeleteRoom)
}

func (s *GameServer) handleClaimSeat(c *gin.Context) {
	s.roomAction(c, s.roomManager.ClaimSeat)
}

func (s *GameServer) handleResetGame(c *gin.Context) {
	s.roomAction(c, s.roomManager.ResetGame)
}

func (s *GameServer) handleQuit(c *gin.Context) {
	s.roomAction(c, s.roomManager.Quit)
}

func (s *GameServer) handleLeaveRoom(c *gin.Context) {
	s.roomAction(c, s.roomManager.LeaveRoom)
}

func (s *GameServer) handleJoinRoom(c *gin.Context) {
	user, err := auth.CurrentUser(c)
	if err != nil {
		respondError(c, err)
		return
	}
	player, err := s.roomManager.JoinRoom(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, player)
}

func (s *GameServer) handlePlaceFirst(c *gin.Context) {
	s.gameAction(c, s.roomManager.PlaceFirst)
}

func (s *GameServer) handleMove(c *gin.Context) {
	s.gameAction(c, s.roomManager.Move)
}

func (s *GameServer) gameAction(c *gin.Context, fn func(ctx context.Context, user models.User, roomID string, at engine.Coord) (*models.GameState, error)) {
	user, err := auth.CurrentUser(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req coordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	gs, err := fn(c.Request.Context(), user, c.Param("id"), req.coord())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gs)
}

func (s *GameServer) handleWebSocket(c *gin.Context) {
	user, err := s.verifier.Verify(auth.TokenFromRequest(c.Request))
	if err != nil {
		respondError(c, err)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn, user)
}

func (s *GameServer) handleConnection(conn *websocket.Conn, user models.User) {
	wsConn := network.NewWSConnection(conn)
	if s.heartbeat > 0 {
		wsConn.SetHeartbeat(s.heartbeat)
		stopPing := make(chan struct{})
		defer close(stopPing)
		go wsConn.KeepAlive(stopPing)
	}
	sess := session.NewSession(uuid.New().String(), wsConn, user)
	s.sessionManager.Add(sess)
	if s.monitor != nil {
		s.monitor.IncOnlineSessions()
	}

	logger.Log.Infow("new connection", "remote", wsConn.RemoteAddr().String(), "session_id", sess.GetID(), "user_id", user.ID)

	defer func() {
		logger.Log.Infow("connection closed", "remote", wsConn.RemoteAddr().String(), "session_id", sess.GetID())
		s.sessionManager.Remove(sess.GetID())
		if s.monitor != nil {
			s.monitor.DecOnlineSessions()
		}
		sess.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}
		packet, err := wsConn.ReadPacket()
		if err != nil {
			return
		}
		if s.monitor != nil {
			s.monitor.IncMessagesReceived()
		}
		s.handlePacket(sess, packet)
	}
}

func (s *GameServer) handlePacket(sess *session.Session, packet *network.Packet) {
	sess.Touch()
	if packet.MsgID == network.MsgTypeHeartbeat {
		return
	}

	var req network.RoomRequest
	if len(packet.Data) > 0 {
		if err := json.Unmarshal(packet.Data, &req); err != nil {
			s.replyError(sess, packet.MsgID, services.KindInvalidInput, err)
			return
		}
	}
	if req.RoomID == "" {
		req.RoomID = sess.RoomID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, sess, packet.MsgID, req)
	if errors.Is(err, errUnknownMessage) {
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
		s.replyError(sess, packet.MsgID, services.KindInvalidInput, err)
		return
	}
	if err != nil {
		s.replyError(sess, packet.MsgID, services.Classify(err), err)
		return
	}
	if packet.MsgID == network.MsgTypeListRooms {
		return
	}
	ack := network.Ack{Request: packet.MsgID, RoomID: req.RoomID, Data: data}
	if err := network.SendJSON(sess.Conn, network.MsgTypeAck, ack); err != nil {
		logger.Log.Warnw("send ack failed", "session_id", sess.GetID(), "error", err)
	}
}

var errUnknownMessage = errors.New("unknown message type")

// dispatch runs one client request. Joining or creating a room also points
// the session's watcher at it.
func (s *GameServer) dispatch(ctx context.Context, sess *session.Session, msgID uint16, req network.RoomRequest) (interface{}, error) {
	user := sess.User
	at := engine.Coord{X: req.X, Y: req.Y}

	switch msgID {
	case network.MsgTypeCreateRoom:
		created, err := s.roomManager.CreateRoom(ctx, user, req.GameType, req.BoardSize)
		if err != nil {
			return nil, err
		}
		sess.Attach(created.ID, s.subscriber, s.roomManager)
		return created, nil
	case network.MsgTypeJoinRoom:
		player, err := s.roomManager.JoinRoom(ctx, user, req.RoomID)
		if err != nil {
			return nil, err
		}
		sess.Attach(req.RoomID, s.subscriber, s.roomManager)
		return player, nil
	case network.MsgTypeLeaveRoom:
		return nil, s.roomManager.LeaveRoom(ctx, user, req.RoomID)
	case network.MsgTypeDeleteRoom:
		return nil, s.roomManager.DeleteRoom(ctx, user, req.RoomID)
	case network.MsgTypeQuit:
		return nil, s.roomManager.Quit(ctx, user, req.RoomID)
	case network.MsgTypeListRooms:
		rooms, err := s.roomManager.ListRooms(ctx, user)
		if err != nil {
			return nil, err
		}
		return nil, network.SendJSON(sess.Conn, network.MsgTypeRoomList, rooms)
	case network.MsgTypeClaimSeat:
		return nil, s.roomManager.ClaimSeat(ctx, user, req.RoomID)
	case network.MsgTypePlaceFirst:
		return s.roomManager.PlaceFirst(ctx, user, req.RoomID, at)
	case network.MsgTypeMove:
		return s.roomManager.Move(ctx, user, req.RoomID, at)
	case network.MsgTypeResetGame:
		return nil, s.roomManager.ResetGame(ctx, user, req.RoomID)
	}
	return nil, errUnknownMessage
}

func (s *GameServer) replyError(sess *session.Session, request uint16, kind services.Kind, err error) {
	if kind == services.KindTransient {
		logger.Log.Errorw("request failed", "session_id", sess.GetID(), "request", request, "error", err)
	}
	reply := network.ErrorReply{Request: request, Kind: kind.String(), Message: err.Error()}
	if err := network.SendJSON(sess.Conn, network.MsgTypeError, reply); err != nil {
		logger.Log.Warnw("send error reply failed", "session_id", sess.GetID(), "error", err)
	}
}
