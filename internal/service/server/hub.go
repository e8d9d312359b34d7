package server

import (
	"sync"
	"time"

	"contact_chat/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128

	closeReplaced = 4001
)

var (
	errConnClosed   = errors.New("connection closed")
	errBufferFull   = errors.New("connection buffer exceeded")
	errNotConnected = errors.New("user not connected")
)

// Connection wraps one user's websocket. Writes go through a buffered
// channel drained by a single write loop.
type Connection struct {
	ID     string
	UserID model.UserRef

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewConnection(userID model.UserRef, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues payload. A client too slow to keep up is disconnected.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferFull
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// Hub tracks one live connection per user and the rooms each connection
// has joined.
type Hub struct {
	mu     sync.RWMutex
	users  map[model.UserRef]*Connection
	joined map[string]map[model.RoomID]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users:  make(map[model.UserRef]*Connection),
		joined: make(map[string]map[model.RoomID]struct{}),
	}
}

// Attach registers conn and starts its write loop. A previous connection
// of the same user is closed.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	previous := h.users[conn.UserID]
	if previous != nil {
		delete(h.joined, previous.ID)
	}
	h.users[conn.UserID] = conn
	h.joined[conn.ID] = make(map[model.RoomID]struct{})
	h.mu.Unlock()

	go conn.writeLoop()

	if previous != nil {
		previous.Close(closeReplaced, "session replaced")
	}
}

// Detach forgets conn if it is still the user's current connection.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	if h.users[conn.UserID] == conn {
		delete(h.users, conn.UserID)
	}
	delete(h.joined, conn.ID)
	h.mu.Unlock()
}

func (h *Hub) Join(room model.RoomID, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[conn.ID]
	if !ok {
		return false
	}
	rooms[room] = struct{}{}
	return true
}

func (h *Hub) Leave(room model.RoomID, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.joined[conn.ID], room)
}

func (h *Hub) Joined(room model.RoomID, conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[conn.ID][room]
	return ok
}

// Deliver sends payload to user's connection if it has joined room.
func (h *Hub) Deliver(room model.RoomID, user model.UserRef, payload []byte) error {
	h.mu.RLock()
	conn := h.users[user]
	joined := false
	if conn != nil {
		_, joined = h.joined[conn.ID][room]
	}
	h.mu.RUnlock()

	if !joined {
		return errNotConnected
	}
	return conn.Send(payload)
}

// Evict drops room from both members' joined sets.
func (h *Hub) Evict(room model.RoomID, users ...model.UserRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range users {
		if conn := h.users[u]; conn != nil {
			delete(h.joined[conn.ID], room)
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.users))
	for _, c := range h.users {
		conns = append(conns, c)
	}
	h.users = make(map[model.UserRef]*Connection)
	h.joined = make(map[string]map[model.RoomID]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
