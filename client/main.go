package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wfunc/knighttour/auth"
	"github.com/wfunc/knighttour/engine"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/network"
	"github.com/wfunc/knighttour/session"
)

const usage = `commands:
  list                 lobby
  create [size]        new knight's tour room (5, 6 or 8)
  join <room>          watch a room
  claim                take the seat
  first <x> <y>        place the knight
  move <x> <y>         move the knight
  reset | quit | leave | delete
  help`

var errUsage = errors.New("bad arguments, type help")

// send formats and sends a message to the WebSocket server.
func send(c *websocket.Conn, msgID uint16, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	packet, err := network.EncodePacket(msgID, data)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	token := flag.String("token", os.Getenv("KNIGHTTOUR_TOKEN"), "bearer token")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "sign a development token with this secret when -token is empty")
	userID := flag.String("user", "dev", "user id for a development token")
	flag.Parse()

	logger.InitDevelopment()
	defer logger.Sync()

	if *token == "" {
		if *secret == "" {
			logger.Log.Fatal("either -token or -secret is required")
		}
		issued, err := auth.NewVerifier(*secret, 24*time.Hour).Issue(models.User{ID: *userID, Email: *userID + "@localhost"})
		if err != nil {
			logger.Log.Fatalf("Issue token failed: %v", err)
		}
		*token = issued
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws", RawQuery: url.Values{"token": {*token}}.Encode()}
	logger.Log.Infof("Connecting to %s", u.Host)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				logger.Log.Infof("Read error: %v", err)
				return
			}
			packet, err := network.DecodePacket(message)
			if err != nil {
				logger.Log.Warnf("Received invalid packet of size %d", len(message))
				continue
			}
			render(packet)
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Println(usage)
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Write loop
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := send(c, network.MsgTypeHeartbeat, struct{}{}); err != nil {
				logger.Log.Infof("Write error: %v", err)
				return
			}
		case <-interrupt:
			logger.Log.Info("Interrupt received, closing connection.")
			closeConn(c, done)
			return
		case line, ok := <-lines:
			if !ok {
				closeConn(c, done)
				return
			}
			if line == "" {
				continue
			}
			if line == "help" {
				fmt.Println(usage)
				continue
			}
			msgID, req, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if err := send(c, msgID, req); err != nil {
				logger.Log.Infof("Write error: %v", err)
				return
			}
		}
	}
}

func closeConn(c *websocket.Conn, done <-chan struct{}) {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		logger.Log.Infof("Write close error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// parseCommand turns one input line into a frame. Room-scoped commands
// without a room id target the watched room.
func parseCommand(line string) (uint16, network.RoomRequest, error) {
	fields := strings.Fields(line)
	var req network.RoomRequest
	switch fields[0] {
	case "list":
		return network.MsgTypeListRooms, req, nil
	case "create":
		if len(fields) > 1 {
			size, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, req, errUsage
			}
			req.BoardSize = size
		}
		return network.MsgTypeCreateRoom, req, nil
	case "join":
		if len(fields) != 2 {
			return 0, req, errUsage
		}
		req.RoomID = fields[1]
		return network.MsgTypeJoinRoom, req, nil
	case "first", "move":
		if len(fields) != 3 {
			return 0, req, errUsage
		}
		x, errX := strconv.Atoi(fields[1])
		y, errY := strconv.Atoi(fields[2])
		if errX != nil || errY != nil {
			return 0, req, errUsage
		}
		req.X, req.Y = x, y
		if fields[0] == "first" {
			return network.MsgTypePlaceFirst, req, nil
		}
		return network.MsgTypeMove, req, nil
	case "claim":
		return network.MsgTypeClaimSeat, req, nil
	case "reset":
		return network.MsgTypeResetGame, req, nil
	case "quit":
		return network.MsgTypeQuit, req, nil
	case "leave":
		return network.MsgTypeLeaveRoom, req, nil
	case "delete":
		return network.MsgTypeDeleteRoom, req, nil
	}
	return 0, req, fmt.Errorf("unknown command %q, type help", fields[0])
}

func render(packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeRoomSnapshot:
		var msg session.SnapshotMessage
		if err := json.Unmarshal(packet.Data, &msg); err != nil || msg.Snapshot == nil {
			logger.Log.Warnf("bad snapshot: %v", err)
			return
		}
		printSnapshot(msg)
	case network.MsgTypeRoomList:
		var rooms []models.RoomSummary
		if err := json.Unmarshal(packet.Data, &rooms); err != nil {
			logger.Log.Warnf("bad room list: %v", err)
			return
		}
		for _, r := range rooms {
			mark := " "
			if r.IAmPlayer {
				mark = "*"
			}
			fmt.Printf("%s %s  %-11s %-7s size=%d players=%d\n", mark, r.ID, r.GameType, r.Status, r.BoardSize, r.PlayerCount)
		}
	case network.MsgTypeRoomDeleted:
		fmt.Printf("room deleted: %s\n", packet.Data)
	case network.MsgTypeError:
		var reply network.ErrorReply
		if err := json.Unmarshal(packet.Data, &reply); err == nil {
			fmt.Printf("error (%s): %s\n", reply.Kind, reply.Message)
			return
		}
		fmt.Printf("error: %s\n", packet.Data)
	default:
		fmt.Printf("<- RECV (ID: %d): %s\n", packet.MsgID, packet.Data)
	}
}

func printSnapshot(msg session.SnapshotMessage) {
	snap := msg.Snapshot
	seat := "free"
	if snap.Room.ActivePlayerID != nil {
		seat = *snap.Room.ActivePlayerID
	}
	fmt.Printf("room %s v%d status=%s seat=%s players=%d\n", snap.Room.ID, msg.Version, snap.Room.Status, seat, snap.PlayerCount)
	if snap.Game == nil {
		return
	}
	var b strings.Builder
	for y := 0; y < snap.Game.Board.Size(); y++ {
		for x := 0; x < snap.Game.Board.Size(); x++ {
			at := engine.Coord{X: x, Y: y}
			switch {
			case at == snap.Game.KnightPosition:
				b.WriteString(" N")
			case snap.Game.Board.Visited(at):
				b.WriteString(" x")
			default:
				b.WriteString(" .")
			}
		}
		b.WriteString("\n")
	}
	fmt.Print(b.String())
	fmt.Printf("turn=%d outcome=%s legal=%v\n", snap.Game.Turn, snap.Outcome, snap.LegalMoves)
}
