// Package hub fans conversation updates out to WebSocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection represents a single WebSocket connection.
type Connection struct {
	ID      string
	LocalID string
	Conn    *websocket.Conn
	Send    chan []byte
	mu      sync.Mutex
}

// Hub manages WebSocket connections grouped by conversation.
type Hub struct {
	log *logrus.Entry

	// Connections indexed by connection ID
	connections map[string]*Connection

	// conversations maps a local id to the set of connection IDs
	conversations map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *conversationMessage
	done       chan struct{}

	mu sync.RWMutex
}

type conversationMessage struct {
	LocalID string
	Data    []byte
}

// NewHub creates a new Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:           log.WithField("component", "hub"),
		connections:   make(map[string]*Connection),
		conversations: make(map[string]map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		broadcast:     make(chan *conversationMessage, 256),
		done:          make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// closing every connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.LocalID != "" {
				if h.conversations[conn.LocalID] == nil {
					h.conversations[conn.LocalID] = make(map[string]bool)
				}
				h.conversations[conn.LocalID][conn.ID] = true
			}
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"conn_id": conn.ID, "local_id": conn.LocalID}).Debug("connection registered")

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var stale []*Connection
			for connID := range h.conversations[msg.LocalID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					h.log.WithField("conn_id", connID).Warn("connection buffer full, closing")
					stale = append(stale, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range stale {
				h.remove(conn)
			}
		}
	}
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	if ids := h.conversations[conn.LocalID]; ids != nil {
		delete(ids, conn.ID)
		if len(ids) == 0 {
			delete(h.conversations, conn.LocalID)
		}
	}
	close(conn.Send)
	h.log.WithField("conn_id", conn.ID).Debug("connection unregistered")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.done)
	for id, conn := range h.connections {
		close(conn.Send)
		delete(h.connections, id)
	}
	h.conversations = make(map[string]map[string]bool)
}

// NewConnection creates a connection bound to the conversation localID.
func (h *Hub) NewConnection(ws *websocket.Conn, localID string) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		LocalID: localID,
		Conn:    ws,
		Send:    make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		close(conn.Send)
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues data for every connection of a conversation. Frames are
// dropped when the queue is full; each frame carries the full state, so
// the next one supersedes it.
func (h *Hub) Broadcast(localID string, data []byte) {
	select {
	case h.broadcast <- &conversationMessage{LocalID: localID, Data: data}:
	case <-h.done:
	default:
		h.log.WithField("local_id", localID).Warn("broadcast queue full, dropping frame")
	}
}

// BroadcastJSON sends a JSON message to all connections of a conversation.
func (h *Hub) BroadcastJSON(localID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(localID, data)
	return nil
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return nil
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasSubscribers reports whether a conversation has any active connections.
func (h *Hub) HasSubscribers(localID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[localID]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
