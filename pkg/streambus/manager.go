package streambus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// listenTimeout bounds how long a LISTEN command may block when a client
// subscribes to a new channel.
const listenTimeout = 10 * time.Second

// catchupLimit caps how many missed events one catchup response replays. A
// client further behind than this gets a catchup.overflow and should reload
// over REST instead of paginating.
const catchupLimit = 200

// ClientMessage is the client → server WebSocket message shape.
type ClientMessage struct {
	Action      string `json:"action"` // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}

// CatchupEvent is one persisted event replayed to a reconnecting client.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier reads persisted events back for catchup. Implemented by
// EventStore.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// ConnectionManager fans NOTIFY payloads out to WebSocket clients. One
// instance per pod.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel → set of connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	listener   *NotifyListener
	listenerMu sync.RWMutex

	catchup      CatchupQuerier
	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions has no lock: all access happens on the goroutine that owns
// the connection (HandleConnection's read loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager builds an empty manager. catchup may be nil; clients
// then get live events only.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs the lifecycle of one WebSocket connection. Blocks
// until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed client message", "connection_id", connID)
			continue
		}

		switch msg.Action {
		case "subscribe":
			if m.subscribe(c, msg.Channel) {
				// LISTEN is already active here, so events published during
				// the replay are not lost.
				sinceID := int64(0)
				if msg.LastEventID != nil {
					sinceID = *msg.LastEventID
				}
				m.handleCatchup(ctx, c, msg.Channel, sinceID)
			}
		case "unsubscribe":
			m.unsubscribe(c, msg.Channel)
		case "catchup":
			if msg.Channel != "" && msg.LastEventID != nil {
				m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
			}
		case "ping":
			m.sendJSON(c, map[string]string{"type": "pong"})
		default:
			slog.Debug("Unknown client action", "action", msg.Action, "connection_id", connID)
		}
	}
}

// Broadcast delivers a payload to every connection subscribed to channel.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	subscribers := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		subscribers = append(subscribers, id)
	}
	m.channelMu.RUnlock()

	for _, id := range subscribers {
		m.mu.RLock()
		c, ok := m.connections[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		m.send(c, payload)
	}
}

func (m *ConnectionManager) subscribe(c *Connection, channel string) bool {
	if channel == "" {
		return false
	}

	// First local subscriber triggers LISTEN on the shared PG connection.
	m.listenerMu.RLock()
	listener := m.listener
	m.listenerMu.RUnlock()
	if listener != nil {
		ctx, cancel := context.WithTimeout(c.ctx, listenTimeout)
		err := listener.Subscribe(ctx, channel)
		cancel()
		if err != nil {
			slog.Error("Channel LISTEN failed", "channel", channel, "error", err)
			m.sendJSON(c, map[string]string{
				"type":    "subscription.failed",
				"channel": channel,
			})
			return false
		}
	}

	c.subscriptions[channel] = true
	m.channelMu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	m.sendJSON(c, map[string]string{
		"type":    "subscription.confirmed",
		"channel": channel,
	})
	return true
}

func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	delete(c.subscriptions, channel)
	m.dropSubscription(c.ID, channel)
}

// dropSubscription removes a (connection, channel) edge and UNLISTENs when
// the channel loses its last local subscriber.
func (m *ConnectionManager) dropSubscription(connID, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.channelMu.Unlock()
			m.listenerMu.RLock()
			listener := m.listener
			m.listenerMu.RUnlock()
			if listener != nil {
				ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
				if err := listener.Unsubscribe(ctx, channel); err != nil {
					slog.Warn("UNLISTEN failed", "channel", channel, "error", err)
				}
				cancel()
			}
			return
		}
	}
	m.channelMu.Unlock()
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	slog.Debug("WebSocket connection registered", "connection_id", c.ID)
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	c.cancel()
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	for channel := range c.subscriptions {
		m.dropSubscription(c.ID, channel)
	}
	slog.Debug("WebSocket connection unregistered", "connection_id", c.ID)
}

// handleCatchup replays events published since sinceID. Stored payloads lack
// db_event_id (it is injected into the NOTIFY copy at publish time), so it is
// re-added here from the row id.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, sinceID int64) {
	if m.catchup == nil {
		return
	}

	events, err := m.catchup.GetCatchupEvents(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Catchup replay aborted by failed write",
				"connection_id", c.ID, "channel", channel, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) send(c *Connection, payload []byte) {
	m.sendRaw(c, payload)
}

func (m *ConnectionManager) sendRaw(c *Connection, payload []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(ctx, websocket.MessageText, payload); err != nil {
		slog.Debug("WebSocket write failed, closing connection",
			"connection_id", c.ID, "error", err)
		c.cancel()
		return err
	}
	return nil
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.send(c, raw)
}
