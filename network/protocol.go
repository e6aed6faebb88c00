package network

import "encoding/json"

const (
	MsgTypeHeartbeat = 1

	// 房间操作
	MsgTypeJoinRoom   = 101
	MsgTypeLeaveRoom  = 102
	MsgTypeCreateRoom = 103
	MsgTypeDeleteRoom = 104
	MsgTypeQuit       = 105
	MsgTypeListRooms  = 106

	// 游戏操作
	MsgTypeClaimSeat  = 201
	MsgTypePlaceFirst = 202
	MsgTypeMove       = 203
	MsgTypeResetGame  = 204

	// 服务端推送
	MsgTypeRoomSnapshot = 301
	MsgTypeAck          = 302
	MsgTypeRoomDeleted  = 303
	MsgTypeRoomList     = 304
	MsgTypeError        = 400
)

// RoomRequest is the body of every room-scoped client message.
type RoomRequest struct {
	RoomID    string `json:"room_id"`
	GameType  string `json:"game_type,omitempty"`
	BoardSize int    `json:"board_size,omitempty"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

// Ack answers a request that succeeded.
type Ack struct {
	Request uint16      `json:"request"`
	RoomID  string      `json:"room_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorReply answers a request that failed. Kind is the error class.
type ErrorReply struct {
	Request uint16 `json:"request"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SendJSON marshals v and sends it as one frame.
func SendJSON(conn Connection, msgID uint16, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(msgID, data)
}
