// internal/ws/hub.go
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 2048 * 2048 // 4 MiB: user messages can carry inline images
)

// fastjson is the hot-path serializer for broadcast frames.
var fastjson = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The upgrader accepts every origin. The CORS middleware in front of it
	// only sets response headers; it does not reject disallowed origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// IncomingHandler receives raw client frames; the owner (the agent) decides
// what they mean.
type IncomingHandler func(conn *Conn, payload []byte)

// SnapshotFunc produces the agent_connected payload sent to a fresh client.
type SnapshotFunc func() any

// Conn is one attached websocket client.
type Conn struct {
	id   string
	hub  *Hub
	sock *websocket.Conn
	send chan []byte
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Hub is a typed broadcast channel for one agent: every frame goes to all
// attached connections, and project-update frames also land in the
// accumulator the agent flushes into its persistent state.
type Hub struct {
	logger    *zap.Logger
	onMessage IncomingHandler
	snapshot  SnapshotFunc

	mu    sync.Mutex
	conns map[*Conn]bool

	accMu       sync.Mutex
	accumulator []string
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("ws_hub"),
		conns:  make(map[*Conn]bool),
	}
}

// SetIncomingHandler registers the owner's frame handler.
func (h *Hub) SetIncomingHandler(fn IncomingHandler) { h.onMessage = fn }

// SetSnapshotFunc registers the agent_connected payload producer.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) { h.snapshot = fn }

// ConnectionCount returns the number of attached clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast serializes one typed frame and sends it to every open socket.
// Project-update kinds are also appended to the accumulator.
func (h *Hub) Broadcast(msgType schemas.MessageType, data any) {
	frame, err := fastjson.Marshal(schemas.WSMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast frame", zap.String("type", string(msgType)), zap.Error(err))
		return
	}

	if msgType.IsProjectUpdate() {
		h.accMu.Lock()
		h.accumulator = append(h.accumulator, string(frame))
		h.accMu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		select {
		case conn.send <- frame:
		default:
			// Slow consumer: drop the connection rather than block the agent.
			close(conn.send)
			delete(h.conns, conn)
		}
	}
}

// Send delivers one typed frame to a single connection.
func (h *Hub) Send(conn *Conn, msgType schemas.MessageType, data any) {
	frame, err := fastjson.Marshal(schemas.WSMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal directed frame", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	select {
	case conn.send <- frame:
	default:
		h.logger.Warn("Dropping directed frame to slow connection", zap.String("conn_id", conn.id))
	}
}

// DrainAccumulator returns and clears the buffered project-update texts.
func (h *Hub) DrainAccumulator() []string {
	h.accMu.Lock()
	defer h.accMu.Unlock()
	out := h.accumulator
	h.accumulator = nil
	return out
}

// HandleUpgrade upgrades an HTTP request and attaches the client. The fresh
// connection immediately receives the agent_connected snapshot.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	conn := &Conn{
		id:   uuid.New().String(),
		hub:  h,
		sock: sock,
		send: make(chan []byte, 256),
	}
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	h.logger.Info("WebSocket client connected", zap.String("conn_id", conn.id))

	go conn.writePump()
	go conn.readPump()

	if h.snapshot != nil {
		h.Send(conn, schemas.MsgAgentConnected, h.snapshot())
	}
}

// remove detaches a connection, closing its send channel once.
func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(conn.send)
		h.logger.Info("WebSocket client disconnected", zap.String("conn_id", conn.id))
	}
}

// CloseAll tears down every connection; used at agent eviction.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		close(conn.send)
		delete(h.conns, conn)
	}
}

// readPump pumps frames from the socket to the owner's handler.
func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.sock.Close()
	}()
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			break
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, payload)
		}
	}
}

// writePump pumps frames from the send channel to the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
