// Package ws fans real-time events out to connected UI clients over
// WebSocket. One process-wide queue feeds a single pump; each message
// targets the connections of one user.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broadcast message types.
const (
	TypeTelemetry    = "telemetry"
	TypeAccessEvent  = "access_event"
	TypeDeviceStatus = "device_status"
	TypeAlert        = "alert"
	TypeConnection   = "connection"
	TypePong         = "pong"
)

// pumpIdleBackoff is the sleep applied when the queue is empty so the
// pump does not spin.
const pumpIdleBackoff = 100 * time.Millisecond

// Broadcast is one queued fan-out message for a single user.
type Broadcast struct {
	UserID  string
	Payload map[string]interface{}
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub owns the connection registry and the broadcast queue.
type Hub struct {
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	queue    chan Broadcast
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]map[*client]struct{}

	dropped uint64
}

// NewHub creates a hub with a bounded broadcast queue.
func NewHub(queueSize int, logger *zap.SugaredLogger) *Hub {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients authenticate with a bearer token, not an
			// origin check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queue:    make(chan Broadcast, queueSize),
		stopChan: make(chan struct{}),
		conns:    make(map[string]map[*client]struct{}),
	}
}

// Start launches the pump.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.pump()
}

// Stop terminates the pump and closes every connection.
func (h *Hub) Stop() {
	close(h.stopChan)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.conns {
		for c := range clients {
			close(c.send)
		}
	}
	h.conns = make(map[string]map[*client]struct{})
}

// Broadcast queues a message for a user's connections. Overflow drops
// the message; there is no delivery guarantee.
func (h *Hub) Broadcast(userID string, payload map[string]interface{}) {
	select {
	case h.queue <- Broadcast{UserID: userID, Payload: payload}:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warnw("broadcast queue full, dropping message", "user_id", userID)
	}
}

// ConnectionCount reports how many sockets a user currently holds.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// pump is the single consumer of the broadcast queue.
func (h *Hub) pump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopChan:
			return
		case msg := <-h.queue:
			h.deliver(msg)
		default:
			select {
			case <-h.stopChan:
				return
			case <-time.After(pumpIdleBackoff):
			}
		}
	}
}

func (h *Hub) deliver(msg Broadcast) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		h.logger.Errorw("broadcast payload not serializable", "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.conns[msg.UserID]))
	for c := range h.conns[msg.UserID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !h.trySend(c, data) {
			// Slow consumer; drop the socket rather than the pump.
			h.remove(c)
		}
	}
}

// trySend queues data for one client. The registry lock is held across
// the send so the channel cannot be closed mid-send; close only ever
// happens under the same lock. Reports false when the client is gone
// or its buffer is full.
func (h *Hub) trySend(c *client, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, present := h.conns[c.userID][c]; !present {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Serve upgrades an authenticated request and registers the
// connection. The caller has already resolved the user.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	hello, _ := json.Marshal(map[string]interface{}{
		"type":    TypeConnection,
		"status":  "connected",
		"user_id": userID,
	})

	c := &client{userID: userID, conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*client]struct{})
	}
	h.conns[userID][c] = struct{}{}
	// Fresh buffered channel; cannot block while the lock is held.
	c.send <- hello
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)

	h.logger.Infow("websocket connected", "user_id", userID)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop answers client pings and detects closure.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": TypePong})
			h.trySend(c, pong)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	clients, ok := h.conns[c.userID]
	if ok {
		if _, present := clients[c]; present {
			delete(clients, c)
			close(c.send)
			if len(clients) == 0 {
				delete(h.conns, c.userID)
			}
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}
