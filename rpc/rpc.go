package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
	server   *rpc.Server
}

// NewServer listens on addr. Services are added with Register before Start.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
		server:   rpc.NewServer(),
	}, nil
}

// Register publishes rcvr's exported methods under its type name.
func (s *Server) Register(rcvr interface{}) error {
	return s.server.Register(rcvr)
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.server.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// RoomReader is the read side of the room manager.
type RoomReader interface {
	ListRooms(ctx context.Context, user models.User) ([]models.RoomSummary, error)
	Snapshot(ctx context.Context, roomID string) (*models.RoomSnapshot, error)
}

// RoomService exposes read-only room views for operators.
// Methods follow the net/rpc signature: exported method, exported arguments,
// second argument is a pointer, return type is error.
type RoomService struct {
	rooms   RoomReader
	timeout time.Duration
}

func NewRoomService(rooms RoomReader) *RoomService {
	return &RoomService{rooms: rooms, timeout: 5 * time.Second}
}

type ListRoomsArgs struct {
	// UserID fills IAmPlayer on each row when set.
	UserID string
}

type ListRoomsReply struct {
	Rooms []models.RoomSummary
}

func (rs *RoomService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	rooms, err := rs.rooms.ListRooms(ctx, models.User{ID: args.UserID})
	if err != nil {
		return err
	}
	reply.Rooms = rooms
	return nil
}

type GetSnapshotArgs struct {
	RoomID string
}

type GetSnapshotReply struct {
	Snapshot *models.RoomSnapshot
}

func (rs *RoomService) GetSnapshot(args *GetSnapshotArgs, reply *GetSnapshotReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	snap, err := rs.rooms.Snapshot(ctx, args.RoomID)
	if err != nil {
		return err
	}
	reply.Snapshot = snap
	return nil
}
