package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections grouped by whiteboard room
type ConnectionManager struct {
	rooms map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	queue    chan BroadcastMessage

	// onFrame is called for every frame a client sends, after local fan-out is queued
	onFrame func(roomID string, data []byte)
}

// Connection represents a WebSocket connection to a participant
type Connection struct {
	ID            string
	ParticipantID string
	RoomID        string
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a frame to fan out to a room. From is skipped; nil reaches everyone.
type BroadcastMessage struct {
	RoomID string
	Data   []byte
	From   *Connection
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512 * 1024, // whole-scene updates can be large
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		queue:  make(chan BroadcastMessage, 1000),
	}
}

// OnFrame registers the hook called with every frame a local client sends
func (cm *ConnectionManager) OnFrame(fn func(roomID string, data []byte)) {
	cm.onFrame = fn
}

// Start processes broadcasts until ctx ends
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.queue:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and joins it to a room
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID, roomID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		RoomID:        roomID,
		Conn:          conn,
		Send:          make(chan []byte, cm.config.SendBufferSize),
		Manager:       cm,
		ConnectedAt:   time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant_id", participantID).
		Str("room_id", roomID).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.rooms[conn.RoomID] == nil {
		cm.rooms[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.rooms[conn.RoomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("room_connections", len(cm.rooms[conn.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.rooms[conn.RoomID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}

	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.rooms, conn.RoomID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("participant_id", conn.ParticipantID).
		Str("room_id", conn.RoomID).
		Dur("connected_for", time.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

// BroadcastToRoom queues a frame for every connection in the room except from
func (cm *ConnectionManager) BroadcastToRoom(roomID string, data []byte, from *Connection) {
	select {
	case cm.queue <- BroadcastMessage{RoomID: roomID, Data: data, From: from}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping frame")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	// Sends are non-blocking, so the read lock is held across them; it keeps unregisterConnection
	// from closing a Send channel mid-broadcast
	var slow []*Connection
	delivered := 0

	cm.mu.RLock()
	for conn := range cm.rooms[message.RoomID] {
		if conn == message.From {
			continue
		}
		select {
		case conn.Send <- message.Data:
			delivered++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	// Slow or dead participants resync from their peers when they reconnect
	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("participant_id", conn.ParticipantID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("room_id", message.RoomID).
		Int("bytes", len(message.Data)).
		Int("connections", delivered).
		Msg("frame relayed")
}

// ConnectionStats summarizes active connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms:     len(cm.rooms),
		RoomConnections: make(map[string]int, len(cm.rooms)),
	}
	for roomID, connections := range cm.rooms {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[roomID] = len(connections)
	}
	return stats
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.rooms {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// write sends one WebSocket message under the configured write deadline
func (c *Connection) write(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

// writePump drains the send buffer onto the socket and keeps the peer alive with pings
func (c *Connection) writePump() {
	keepalive := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		keepalive.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		var err error
		select {
		case frame, open := <-c.Send:
			if !open {
				// unregistered: say goodbye and stop
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			err = c.write(websocket.TextMessage, frame)
		case <-keepalive.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Str("room_id", c.RoomID).Msg("relay write failed")
			return
		}
	}
}

// readPump relays every frame the participant sends until the socket closes or goes quiet
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	extend := func() {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	extend()

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Str("room_id", c.RoomID).Msg("participant connection dropped")
			}
			return
		}
		c.handleClientMessage(frame)
		extend()
	}
}

// handleClientMessage relays a frame without interpreting it; merging happens in the participants
func (c *Connection) handleClientMessage(message []byte) {
	c.Manager.BroadcastToRoom(c.RoomID, message, c)
	if c.Manager.onFrame != nil {
		c.Manager.onFrame(c.RoomID, message)
	}
}
