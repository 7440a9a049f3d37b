package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// connection is one live websocket client. The topics set and lastSeen
// are owned by the hub's Run loop; the send channel is the only path for
// outbound frames.
type connection struct {
	id       string
	sock     *websocket.Conn
	send     chan []byte
	topics   map[string]struct{}
	lastSeen time.Time
}

func (c *connection) subscribed(messageType string) bool {
	if _, all := c.topics[TopicAll]; all {
		return true
	}
	_, direct := c.topics[messageType]
	return direct
}

func (c *connection) topicList() []string {
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// deliver enqueues a frame without blocking the hub loop. A slow client
// loses the frame rather than stalling everyone else.
func (c *connection) deliver(payload []byte, logger *log.Logger) {
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Printf("hub: send buffer full, dropped frame: conn=%s", c.id)
	}
}

// ServeHTTP upgrades the request and hands the socket to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("hub: upgrade failed: %v", err)
		return
	}
	conn := &connection{
		id:     uuid.NewString(),
		sock:   sock,
		send:   make(chan []byte, sendBuffer),
		topics: map[string]struct{}{TopicAll: {}},
	}
	select {
	case h.register <- conn:
	case <-h.done:
		_ = sock.Close()
		return
	}
	go h.writePump(conn)
	go h.readPump(conn)
}

// detach reports the connection to the hub, or gives up once the hub's
// dispatch loop has exited.
func (h *Hub) detach(conn *connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// readPump feeds control messages and protocol pongs into the hub loop.
func (h *Hub) readPump(conn *connection) {
	defer h.detach(conn)

	_ = conn.sock.SetReadDeadline(h.now().Add(h.idleTimeout + h.pingInterval))
	conn.sock.SetPongHandler(func(string) error {
		_ = conn.sock.SetReadDeadline(h.now().Add(h.idleTimeout + h.pingInterval))
		h.forward(inbound{conn: conn, msg: controlMessage{Type: "pong"}})
		return nil
	})

	for {
		var msg controlMessage
		if err := conn.sock.ReadJSON(&msg); err != nil {
			return
		}
		h.forward(inbound{conn: conn, msg: msg})
	}
}

func (h *Hub) forward(in inbound) {
	select {
	case h.inboundCh <- in:
	case <-h.done:
	}
}

// writePump is the sole writer on the socket. It drains the send channel
// and emits protocol pings on the heartbeat interval.
func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-conn.send:
			if !ok {
				_ = conn.sock.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Printf("hub: write failed: conn=%s err=%v", conn.id, err)
				h.detach(conn)
				return
			}
		case <-ticker.C:
			if err := conn.sock.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				h.detach(conn)
				return
			}
		}
	}
}

func mustMarshal(v any, logger *log.Logger) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Printf("hub: marshal failed: %v", err)
		return nil
	}
	return payload
}
