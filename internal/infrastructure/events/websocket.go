package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
)

// Message is the wire envelope pushed to connected clients.
type Message struct {
	Type       string                 `json:"type"`
	Permission *permission.Permission `json:"permission,omitempty"`
	Event      *rule.AutoRevokeEvent  `json:"event,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HubConfig configures the WebSocket hub
type HubConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReapInterval   time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		ReapInterval:   time.Minute,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 256,
	}
}

// Hub fans permission notifications out to WebSocket clients. Connections
// are keyed by user, so a status change reaches only the connections of
// the user whose permission changed.
type Hub struct {
	logger *zap.Logger
	config HubConfig

	mu          sync.RWMutex
	connections map[string]*Connection
	byUser      map[uuid.UUID]map[string]*Connection

	stopOnce sync.Once
	stop     chan struct{}
}

// Connection is one WebSocket client
type Connection struct {
	ID     string
	UserID uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte

	// mu guards writes to Conn and lastPong; the pong handler runs on the
	// read pump goroutine while the reaper reads lastPong from its own.
	mu       sync.Mutex
	lastPong time.Time
}

func (c *Connection) touchPong(t time.Time) {
	c.mu.Lock()
	c.lastPong = t
	c.mu.Unlock()
}

func (c *Connection) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func NewHub(logger *zap.Logger, config HubConfig) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:      logger,
		config:      config,
		connections: make(map[string]*Connection),
		byUser:      make(map[uuid.UUID]map[string]*Connection),
		stop:        make(chan struct{}),
	}
	go h.reaper()
	return h
}

// Broadcast queues a message onto every connection of one user. Slow
// clients are skipped, not waited on; a full send buffer drops the message
// for that connection only.
func (h *Hub) Broadcast(ctx context.Context, userID uuid.UUID, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("message marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.byUser[userID] {
		select {
		case conn.Send <- data:
		case <-ctx.Done():
			return
		default:
			h.logger.Warn("send buffer full, dropping message",
				zap.String("connection_id", conn.ID),
				zap.String("user_id", userID.String()),
			)
		}
	}
}

// AddConnection registers a client connection and starts its pumps.
func (h *Hub) AddConnection(id string, conn *websocket.Conn, userID uuid.UUID) {
	c := &Connection{
		ID:       id,
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, h.config.SendBufferSize),
		lastPong: time.Now(),
	}

	h.mu.Lock()
	h.connections[id] = c
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Connection)
	}
	h.byUser[userID][id] = c
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)

	h.logger.Info("websocket connection added",
		zap.String("connection_id", id),
		zap.String("user_id", userID.String()),
	)
}

// RemoveConnection unregisters a client connection.
func (h *Hub) RemoveConnection(id string) {
	h.mu.Lock()
	c, exists := h.connections[id]
	if exists {
		close(c.Send)
		delete(h.connections, id)
		if peers := h.byUser[c.UserID]; peers != nil {
			delete(peers, id)
			if len(peers) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
	}
	h.mu.Unlock()

	if exists {
		h.logger.Info("websocket connection removed", zap.String("connection_id", id))
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close shuts the hub down and closes every connection.
func (h *Hub) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.connections {
		close(c.Send)
		c.Conn.Close()
		delete(h.connections, id)
	}
	h.byUser = make(map[uuid.UUID]map[string]*Connection)
	return nil
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		h.RemoveConnection(c.ID)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.mu.Unlock()
				h.logger.Error("websocket write error",
					zap.Error(err),
					zap.String("connection_id", c.ID),
				)
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

func (h *Hub) readPump(c *Connection) {
	defer func() {
		c.Conn.Close()
		h.RemoveConnection(c.ID)
	}()

	c.Conn.SetReadLimit(h.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touchPong(time.Now())
		c.Conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error",
					zap.Error(err),
					zap.String("connection_id", c.ID),
				)
			}
			return
		}
		// Clients only listen; inbound frames keep the read deadline fresh.
	}
}

// reaper drops connections whose pongs stopped arriving.
func (h *Hub) reaper() {
	interval := h.config.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	staleTimeout := 2 * h.config.PongTimeout

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for id, c := range h.connections {
		lastPong := c.lastPongAt()
		if now.Sub(lastPong) > staleTimeout {
			h.logger.Warn("removing stale connection",
				zap.String("connection_id", id),
				zap.Duration("last_pong_ago", now.Sub(lastPong)),
			)
			close(c.Send)
			c.Conn.Close()
			delete(h.connections, id)
			if peers := h.byUser[c.UserID]; peers != nil {
				delete(peers, id)
				if len(peers) == 0 {
					delete(h.byUser, c.UserID)
				}
			}
		}
	}
}
