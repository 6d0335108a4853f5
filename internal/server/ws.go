package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/expression-client/internal/core"
	"github.com/e7canasta/expression-client/internal/types"
)

// WebSocket message types.
const (
	MsgState   = "STATE"
	MsgSetMode = "SET_MODE"
	MsgPing    = "PING"
	MsgPong    = "PONG"
	MsgError   = "ERROR"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	maxReadBytes = 4 << 10
)

// Message is what the bridge pushes to WebSocket clients.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// inbound is a client request; Payload stays raw until the type is known.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue hands msg to the writer; false once the client is gone.
func (c *client) enqueue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

// hub tracks connected WebSocket clients.
type hub struct {
	session  Session
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	count   atomic.Int32
}

func newHub(session Session) *hub {
	return &hub{
		session: session,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan Message, 8),
		done: make(chan struct{}),
	}
	h.register(c)

	snaps, unsubscribe := h.session.Subscribe()

	go h.writePump(c)
	go h.forward(c, snaps, unsubscribe)
	go h.readPump(c)
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	n := h.count.Add(1)
	slog.Info("server: websocket client connected", "client_id", c.id, "clients", n)
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		n := h.count.Add(-1)
		slog.Info("server: websocket client disconnected", "client_id", c.id, "clients", n)
	}
}

// closeAll disconnects every client.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// forward pushes every snapshot to c until either side goes away.
func (h *hub) forward(c *client, snaps <-chan core.Snapshot, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				// Session shut down.
				c.close()
				return
			}
			if !c.enqueue(Message{Type: MsgState, Payload: snap, Timestamp: time.Now().Unix()}) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("server: websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		switch msg.Type {
		case MsgPing:
			c.enqueue(Message{Type: MsgPong, Timestamp: time.Now().Unix()})
		case MsgSetMode:
			if err := h.setMode(msg.Payload); err != nil {
				c.enqueue(Message{Type: MsgError, Payload: err.Error(), Timestamp: time.Now().Unix()})
			}
		default:
			slog.Debug("server: unknown websocket message", "client_id", c.id, "type", msg.Type)
			c.enqueue(Message{Type: MsgError, Payload: "unknown message type " + msg.Type, Timestamp: time.Now().Unix()})
		}
	}
}

func (h *hub) setMode(payload json.RawMessage) error {
	var name string
	if err := json.Unmarshal(payload, &name); err != nil {
		return errors.New("SET_MODE payload must be a mode name")
	}
	mode, err := types.ParseMode(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return h.session.SetMode(ctx, mode)
}

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
