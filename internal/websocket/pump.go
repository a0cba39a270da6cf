package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// pumpTiming holds the keepalive settings for one kind of connection
type pumpTiming struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration // must be less than pongWait
	readLimit  int64
}

// agentTiming applies to agent desktops and channel gateways
var agentTiming = pumpTiming{
	writeWait:  10 * time.Second,
	pongWait:   30 * time.Second,
	pingPeriod: 20 * time.Second,
	readLimit:  4096,
}

// readLoop hands every inbound message to handle until the connection fails.
// There must be at most one reader per connection.
func readLoop(conn *websocket.Conn, t pumpTiming, handle func([]byte)) error {
	conn.SetReadLimit(t.readLimit)
	conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(message)
	}
}

// unexpectedClose reports read errors worth logging
func unexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}

// writeLoop writes queued messages and pings until send is closed or a write
// fails. There must be at most one writer per connection.
func writeLoop(conn *websocket.Conn, t pumpTiming, send <-chan []byte) {
	ticker := time.NewTicker(t.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
