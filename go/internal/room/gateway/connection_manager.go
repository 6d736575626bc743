package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager fans room events out to browser websockets, grouped by
// room code.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection is one browser websocket.
type Connection struct {
	ID            string
	ParticipantID string
	Code          string
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *ConnectionManager

	// commands receives client messages; nil means they are only logged.
	commands func(*Connection, ClientMessage)

	ConnectedAt time.Time
}

// ConnectionConfig holds websocket limits and timings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is an event addressed to a room, or to one participant in
// it when ParticipantID is set.
type BroadcastMessage struct {
	Code          string
	Event         *Event
	ParticipantID string
}

// DefaultConnectionConfig returns the default websocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket for a participant
// in a room.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID, code string, commands func(*Connection, ClientMessage)) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Code:          code,
		Conn:          conn,
		Send:          make(chan []byte, 256),
		Manager:       cm,
		commands:      commands,
		ConnectedAt:   time.Now(),
	}
	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant", participantID).
		Str("room", code).
		Msg("websocket connection established")
	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.Code] == nil {
		cm.roomConnections[conn.Code] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.Code][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", conn.Code).
		Int("total_connections", len(cm.roomConnections[conn.Code])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, ok := cm.roomConnections[conn.Code]
	if !ok {
		return
	}
	if _, ok := connections[conn]; !ok {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.Code)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("participant", conn.ParticipantID).
		Str("room", conn.Code).
		Msg("connection unregistered")
}

// BroadcastToRoom sends an event to every connection in a room.
func (cm *ConnectionManager) BroadcastToRoom(code string, event *Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{Code: code, Event: event}:
	default:
		log.Warn().Str("room", code).Msg("broadcast channel full, dropping message")
	}
}

// SendToParticipant sends an event to one participant's connections in a room.
func (cm *ConnectionManager) SendToParticipant(code, participantID string, event *Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{Code: code, Event: event, ParticipantID: participantID}:
	default:
		log.Warn().
			Str("room", code).
			Str("participant", participantID).
			Msg("broadcast channel full, dropping participant message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, ok := cm.roomConnections[message.Code]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range connections {
		if message.ParticipantID != "" && conn.ParticipantID != message.ParticipantID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}
	for _, conn := range targets {
		cm.deliver(conn, data)
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room", message.Code).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// deliver queues data on a connection, dropping the connection when it cannot
// keep up.
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	cm.mu.RLock()
	_, live := cm.roomConnections[conn.Code][conn]
	if live {
		select {
		case conn.Send <- data:
			cm.mu.RUnlock()
			return
		default:
		}
	}
	cm.mu.RUnlock()
	if !live {
		return
	}
	log.Warn().
		Str("connection_id", conn.ID).
		Str("participant", conn.ParticipantID).
		Msg("connection send buffer full, closing connection")
	cm.unregisterConnection(conn)
	conn.Conn.Close()
}

// Stats returns connection counts per room.
func (cm *ConnectionManager) Stats() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]int, len(cm.roomConnections))
	for code, connections := range cm.roomConnections {
		out[code] = len(connections)
	}
	return out
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to websocket")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			return
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}
	if c.commands == nil {
		log.Debug().Str("connection_id", c.ID).Str("type", msg.Type).Msg("received client message")
		return
	}
	c.commands(c, msg)
}
