package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

const (
	busPingInterval = 30 * time.Second
	busPongWait     = 2*busPingInterval + 5*time.Second // two missed pings
	busSendBuffer   = 32
)

// MessageBus is the RelayPlane sub-plane serving /ws/bus: one connection per
// tenant session, fed by the tenant's MessageBusStore.
type MessageBus struct {
	store store.MessageBusStore
}

// NewMessageBus wraps a MessageBusStore for WebSocket delivery.
func NewMessageBus(s store.MessageBusStore) *MessageBus {
	return &MessageBus{store: s}
}

// busFrame is the wire shape of every message forwarded to a bus client.
type busFrame struct {
	Cmd  string `json:"cmd"`
	Data any    `json:"data"`
}

// HandleConn registers conn as idTag's online sink for the lifetime of the
// connection, running a 30s ping/pong liveness loop alongside it. It blocks
// until the connection closes or goes dead.
func (b *MessageBus) HandleConn(ctx context.Context, idTag string, conn *websocket.Conn) {
	send := make(chan busFrame, busSendBuffer)
	unregister := b.store.RegisterOnline(idTag, func(msgType string, payload any) {
		select {
		case send <- busFrame{Cmd: msgType, Data: payload}:
		default:
			log.Warnf("bus send buffer full for %v, dropping %v", idTag, msgType)
		}
	})
	defer unregister()

	done := make(chan struct{})
	go busWritePump(conn, send, done)
	busReadPump(conn)
	close(done)
}

func busWritePump(conn *websocket.Conn, send <-chan busFrame, done <-chan struct{}) {
	ticker := time.NewTicker(busPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// busReadPump only exists to drive the pong/liveness protocol and to detect
// the connection closing; the bus has no client-to-server frames.
func busReadPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(busPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(busPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
