package network

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketCodec(t *testing.T) {
	raw, err := EncodePacket(MsgTypeMove, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 203, 0, 7}, raw[:4])

	packet, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(MsgTypeMove), packet.MsgID)
	assert.Equal(t, uint16(7), packet.Length)
	assert.Equal(t, `{"x":1}`, string(packet.Data))
}

func TestPacketCodec_Errors(t *testing.T) {
	_, err := DecodePacket([]byte{0, 1})
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	// header claims more data than present
	_, err = DecodePacket([]byte{0, 1, 0, 9, 'a'})
	assert.ErrorIs(t, err, io.ErrShortBuffer)

	_, err = EncodePacket(1, bytes.Repeat([]byte{'a'}, 70000))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestWSConnection_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConnection(ws)
		defer conn.Close()
		packet, err := conn.ReadPacket()
		if err != nil {
			return
		}
		// echo with the ack id
		conn.Send(MsgTypeAck, packet.Data)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	client := NewWSConnection(ws)
	defer client.Close()
	client.SetHeartbeat(time.Second)

	require.NoError(t, SendJSON(client, MsgTypeJoinRoom, RoomRequest{RoomID: "r1"}))
	packet, err := client.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint16(MsgTypeAck), packet.MsgID)
	assert.JSONEq(t, `{"room_id":"r1","x":0,"y":0}`, string(packet.Data))
}

func TestWSConnection_KeepAlive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	readErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConnection(ws)
		defer conn.Close()
		conn.SetHeartbeat(50 * time.Millisecond)
		done := make(chan struct{})
		defer close(done)
		go conn.KeepAlive(done)

		_, err = conn.ReadPacket()
		readErr <- err
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var pings atomic.Int32
	ws.SetPingHandler(func(appData string) error {
		pings.Add(1)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// a silent client that answers pings outlives several read deadlines
	assert.Eventually(t, func() bool { return pings.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	select {
	case err := <-readErr:
		t.Fatalf("server dropped a client that answered pings: %v", err)
	default:
	}

	raw, err := EncodePacket(MsgTypeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw))
	select {
	case err := <-readErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not read the packet")
	}
}
