package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
)

// sendQueueCap bounds the per-connection send queue. When a slow client
// falls behind, the oldest queued message is dropped so fresh events win;
// the client recovers the gap through catchup.
const sendQueueCap = 64

// catchupLimit caps a single catchup response. Beyond it a catchup.overflow
// message tells the client to reload over REST instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when the first
// subscriber arrives on a channel.
const listenTimeout = 10 * time.Second

// heartbeatInterval is how often an idle connection receives a heartbeat.
const heartbeatInterval = 30 * time.Second

// CatchupQuerier replays persisted events for a channel since a sequence id.
type CatchupQuerier interface {
	CatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]*models.Event, error)
}

// ConnectionManager owns this pod's WebSocket and SSE subscribers and their
// channel subscriptions. One instance per process.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel -> subscriber connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchup CatchupQuerier

	// listener is set after construction; nil in single-node mode where
	// Publisher broadcasts directly.
	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
	now          func() time.Time
}

// Connection is a single subscriber: a WebSocket client, or an SSE stream
// (ws is nil). Messages flow through a bounded send queue drained by one
// writer goroutine per connection.
//
// subscriptions is touched only by the goroutine that owns the connection
// (the read loop and its deferred cleanup), so it needs no lock.
type Connection struct {
	ID            string
	ws            *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc

	dropMu  sync.Mutex
	dropped int64
}

// Out exposes the send queue for non-WebSocket consumers (SSE).
func (c *Connection) Out() <-chan []byte { return c.send }

// Done is closed when the connection is shut down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// NewConnectionManager creates a manager. catchup may be nil, disabling
// catchup responses.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once at startup after both sides exist.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs the lifecycle of one WebSocket connection. The
// caller passes the authenticated user id; the connection starts subscribed
// to the user's private channel and the global channel. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string) {
	c := m.register(parentCtx, conn)
	defer m.unregister(c)

	go m.writeLoop(c)

	m.enqueueJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})
	if err := m.subscribe(c, UserChannel(userID)); err != nil {
		slog.Warn("User channel subscribe failed", "connection_id", c.ID, "error", err)
	}
	if err := m.subscribe(c, GlobalChannel); err != nil {
		slog.Warn("Global channel subscribe failed", "connection_id", c.ID, "error", err)
	}

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(c.ctx, c, &msg)
	}
}

// OpenStream registers an SSE subscriber for the given channels. The caller
// drains c.Out() until c.Done() and then calls the returned close func.
func (m *ConnectionManager) OpenStream(parentCtx context.Context, channels []string) (*Connection, func(), error) {
	c := m.register(parentCtx, nil)
	for _, ch := range channels {
		if err := m.subscribe(c, ch); err != nil {
			m.unregister(c)
			return nil, nil, err
		}
	}
	return c, func() { m.unregister(c) }, nil
}

// Broadcast enqueues an event payload on every subscriber of a channel.
// Never blocks: slow subscribers drop their oldest queued message instead.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.enqueue(conn, event)
	}
}

// ActiveConnections returns the number of live subscribers.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.handleSubscribe(ctx, c, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			m.enqueueJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "subscribe_stage":
		if msg.StageID == "" {
			m.enqueueJSON(c, map[string]string{"type": "error", "message": "stage_id is required for subscribe_stage"})
			return
		}
		m.handleSubscribe(ctx, c, StageChannel(msg.StageID))

	case "unsubscribe_stage":
		if msg.StageID == "" {
			m.enqueueJSON(c, map[string]string{"type": "error", "message": "stage_id is required for unsubscribe_stage"})
			return
		}
		m.unsubscribe(c, StageChannel(msg.StageID))

	case "catchup":
		if msg.Channel == "" || msg.LastSeq == nil {
			m.enqueueJSON(c, map[string]string{"type": "error", "message": "channel and last_seq are required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, msg.Channel, *msg.LastSeq)

	case "ping":
		m.enqueueJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *ConnectionManager) handleSubscribe(ctx context.Context, c *Connection, channel string) {
	if channel == "" {
		m.enqueueJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
		return
	}
	if err := m.subscribe(c, channel); err != nil {
		m.enqueueJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "failed to subscribe to channel",
		})
		return
	}
	m.enqueueJSON(c, map[string]string{
		"type":    "subscription.confirmed",
		"channel": channel,
	})
	// Late subscribers on log-backed channels get prior events immediately.
	if IsTheatreChannel(channel) {
		m.handleCatchup(ctx, c, channel, 0)
	}
}

// subscribe registers the connection for a channel, issuing LISTEN
// synchronously when it is the channel's first subscriber so that catchup
// runs with LISTEN already active and no event falls in the gap.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes every subscriber of a channel after a LISTEN
// failure. Subscribers who raced in between the map insert and the failed
// LISTEN received subscription.confirmed without an underlying LISTEN; they
// are told to discard the channel and re-subscribe.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.enqueueJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the connection from a channel, issuing UNLISTEN when
// the last subscriber leaves. The UNLISTEN goroutine re-checks membership
// first so a rapid unsubscribe/resubscribe cycle never drops the LISTEN.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events after sinceSeq to one connection.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, sinceSeq int64) {
	if m.catchup == nil {
		return
	}

	evts, err := m.catchup.CatchupEvents(ctx, channel, sinceSeq, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}
	hasMore := len(evts) > catchupLimit
	if hasMore {
		evts = evts[:catchupLimit]
	}

	for _, e := range evts {
		data, err := json.Marshal(NewEnvelope(e))
		if err != nil {
			continue
		}
		m.enqueue(c, data)
	}
	if hasMore {
		m.enqueueJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(parentCtx context.Context, ws *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		ws:            ws,
		send:          make(chan []byte, sendQueueCap),
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	metrics.ActiveConnections.Inc()
	return c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	metrics.ActiveConnections.Dec()

	c.cancel()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}
}

// enqueue puts a message on the connection's send queue. When the queue is
// full the oldest message is dropped to make room.
func (m *ConnectionManager) enqueue(c *Connection, data []byte) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropMu.Lock()
			c.dropped++
			n := c.dropped
			c.dropMu.Unlock()
			if n == 1 || n%100 == 0 {
				slog.Warn("Dropping queued messages for slow subscriber",
					"connection_id", c.ID, "dropped", n)
			}
		default:
		}
	}
}

func (m *ConnectionManager) enqueueJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal message", "connection_id", c.ID, "error", err)
		return
	}
	m.enqueue(c, data)
}

// writeLoop is the sole writer for one WebSocket connection: it drains the
// send queue and emits heartbeats while the queue is idle.
func (m *ConnectionManager) writeLoop(c *Connection) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := m.write(c, data); err != nil {
				slog.Debug("WebSocket write failed", "connection_id", c.ID, "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			hb, _ := json.Marshal(map[string]any{
				"type": models.EventHeartbeat,
				"at":   m.now().UTC().Format(time.RFC3339),
			})
			if err := m.write(c, hb); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (m *ConnectionManager) write(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
