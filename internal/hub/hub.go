package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"citypulse/internal/observability/metrics"
)

// TopicAll is the wildcard topic every new connection starts with.
const TopicAll = "all"

const (
	defaultPingInterval = 10 * time.Second
	defaultIdleTimeout  = 30 * time.Second
	broadcastBuffer     = 64
)

// SnapshotProvider supplies the full current state for new connections.
type SnapshotProvider interface {
	Snapshot() (map[string][]map[string]any, error)
}

// envelope is the server-to-client wire format.
type envelope struct {
	Type      string   `json:"type"`
	Data      any      `json:"data,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	ClientID  string   `json:"clientId,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// controlMessage is the client-to-server wire format.
type controlMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

type inbound struct {
	conn *connection
	msg  controlMessage
}

type broadcastMsg struct {
	messageType string
	data        any
	priority    string
}

// Hub owns the set of live connections. All subscription state is
// mutated by the single Run loop; other goroutines talk to it over
// channels only.
type Hub struct {
	provider     SnapshotProvider
	logger       *log.Logger
	pingInterval time.Duration
	idleTimeout  time.Duration
	now          func() time.Time
	upgrader     websocket.Upgrader

	register    chan *connection
	unregister  chan *connection
	inboundCh   chan inbound
	broadcastCh chan broadcastMsg
	done        chan struct{}
	conns       map[*connection]struct{}
}

// Option customizes a Hub.
type Option func(*Hub)

// WithSnapshotProvider wires the initial-state source for new clients.
func WithSnapshotProvider(p SnapshotProvider) Option {
	return func(h *Hub) { h.provider = p }
}

// WithHeartbeat sets the ping interval and the idle timeout after which a
// silent connection is dropped.
func WithHeartbeat(ping, idle time.Duration) Option {
	return func(h *Hub) {
		if ping > 0 {
			h.pingInterval = ping
		}
		if idle > 0 {
			h.idleTimeout = idle
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs a Hub.
func NewHub(logger *log.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	h := &Hub{
		logger:       logger,
		pingInterval: defaultPingInterval,
		idleTimeout:  defaultIdleTimeout,
		now:          time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		inboundCh:   make(chan inbound),
		broadcastCh: make(chan broadcastMsg, broadcastBuffer),
		done:        make(chan struct{}),
		conns:       make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run dispatches connection lifecycle events, control messages and
// broadcasts until the context is cancelled. It is the only goroutine
// touching the connection set. On return the done channel is closed so
// pump goroutines never block on an abandoned lifecycle channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for conn := range h.conns {
				h.drop(conn)
			}
			return
		case conn := <-h.register:
			h.accept(conn)
		case conn := <-h.unregister:
			if _, ok := h.conns[conn]; ok {
				h.drop(conn)
			}
		case in := <-h.inboundCh:
			h.dispatch(in)
		case msg := <-h.broadcastCh:
			h.fanOut(msg)
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Broadcast delivers a typed message to every subscription matching the
// message type or the wildcard topic. It never blocks the caller.
func (h *Hub) Broadcast(messageType string, data any) {
	h.enqueue(broadcastMsg{messageType: messageType, data: data})
}

// BroadcastPriority is the same delivery path with a priority tag.
func (h *Hub) BroadcastPriority(messageType string, data any, severity string) {
	h.enqueue(broadcastMsg{messageType: messageType, data: data, priority: severity})
}

func (h *Hub) enqueue(msg broadcastMsg) {
	if h == nil {
		return
	}
	select {
	case h.broadcastCh <- msg:
	default:
		h.logger.Printf("hub: broadcast queue full, dropped: type=%s", msg.messageType)
	}
}

func (h *Hub) accept(conn *connection) {
	h.conns[conn] = struct{}{}
	conn.lastSeen = h.now()
	metrics.AddWSClients(1)

	conn.deliver(h.envelope(envelope{Type: "connection", ClientID: conn.id}), h.logger)
	if h.provider == nil {
		conn.deliver(h.envelope(envelope{Type: "ready"}), h.logger)
		return
	}
	snapshot, err := h.provider.Snapshot()
	if err != nil {
		h.logger.Printf("hub: snapshot unavailable: conn=%s err=%v", conn.id, err)
		conn.deliver(h.envelope(envelope{Type: "ready"}), h.logger)
		return
	}
	conn.deliver(h.envelope(envelope{Type: "initial", Data: snapshot}), h.logger)
}

func (h *Hub) drop(conn *connection) {
	delete(h.conns, conn)
	close(conn.send)
	_ = conn.sock.Close()
	metrics.AddWSClients(-1)
}

func (h *Hub) dispatch(in inbound) {
	conn := in.conn
	if _, ok := h.conns[conn]; !ok {
		return
	}
	conn.lastSeen = h.now()

	switch in.msg.Type {
	case "subscribe":
		for _, topic := range in.msg.Topics {
			if topic != "" {
				conn.topics[topic] = struct{}{}
			}
		}
		conn.deliver(h.envelope(envelope{Type: "subscribed", Topics: conn.topicList()}), h.logger)
	case "unsubscribe":
		for _, topic := range in.msg.Topics {
			delete(conn.topics, topic)
		}
		conn.deliver(h.envelope(envelope{Type: "unsubscribed", Topics: conn.topicList()}), h.logger)
	case "ping":
		conn.deliver(h.envelope(envelope{Type: "pong"}), h.logger)
	case "pong":
		// Liveness only; lastSeen is already refreshed above.
	default:
		h.logger.Printf("hub: unknown control message: conn=%s type=%q", conn.id, in.msg.Type)
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	payload := h.envelope(envelope{Type: msg.messageType, Data: msg.data, Priority: msg.priority})
	metrics.IncBroadcast(msg.messageType)
	for conn := range h.conns {
		if !conn.subscribed(msg.messageType) {
			continue
		}
		conn.deliver(payload, h.logger)
	}
}

// sweep drops connections whose last liveness signal is older than the
// idle timeout. This bounds memory growth from half-open sockets.
func (h *Hub) sweep() {
	now := h.now()
	for conn := range h.conns {
		if now.Sub(conn.lastSeen) > h.idleTimeout {
			h.logger.Printf("hub: dropping idle connection: conn=%s idle=%s", conn.id, now.Sub(conn.lastSeen))
			h.drop(conn)
		}
	}
}

func (h *Hub) envelope(e envelope) []byte {
	e.Timestamp = h.now().UTC().Format(time.RFC3339)
	return mustMarshal(e, h.logger)
}
