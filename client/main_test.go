package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/knighttour/network"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line  string
		msgID uint16
		req   network.RoomRequest
	}{
		{"list", network.MsgTypeListRooms, network.RoomRequest{}},
		{"create", network.MsgTypeCreateRoom, network.RoomRequest{}},
		{"create 6", network.MsgTypeCreateRoom, network.RoomRequest{BoardSize: 6}},
		{"join r1", network.MsgTypeJoinRoom, network.RoomRequest{RoomID: "r1"}},
		{"first 2 3", network.MsgTypePlaceFirst, network.RoomRequest{X: 2, Y: 3}},
		{"move 0 1", network.MsgTypeMove, network.RoomRequest{X: 0, Y: 1}},
		{"claim", network.MsgTypeClaimSeat, network.RoomRequest{}},
		{"reset", network.MsgTypeResetGame, network.RoomRequest{}},
		{"quit", network.MsgTypeQuit, network.RoomRequest{}},
		{"leave", network.MsgTypeLeaveRoom, network.RoomRequest{}},
		{"delete", network.MsgTypeDeleteRoom, network.RoomRequest{}},
	}
	for _, tt := range tests {
		msgID, req, err := parseCommand(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.msgID, msgID, tt.line)
		assert.Equal(t, tt.req, req, tt.line)
	}
}

func TestParseCommand_Errors(t *testing.T) {
	for _, line := range []string{"join", "move 1", "move a b", "create big", "spin"} {
		_, _, err := parseCommand(line)
		assert.Error(t, err, line)
	}
}
