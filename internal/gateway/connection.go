package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Outbound buffer per connection
	sendBufferSize = 256
)

// wsConn is the subset of *websocket.Conn the gateway touches, kept as an
// interface so tests can substitute an in-memory conn.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one live client session over a socket.
type Connection struct {
	id   string
	conn wsConn
	gw   *Gateway
	send chan []byte

	mu            sync.RWMutex
	authenticated bool
	userID        string
	deviceID      string
	sessionID     string
	channels      map[string]struct{}

	missedHeartbeats int
	lastHeartbeat    time.Time

	limiter *slidingWindow

	closed     int32 // atomic
	sendMu     sync.RWMutex
	sendClosed int32 // atomic, written under sendMu
}

func newConnection(gw *Gateway, conn wsConn) *Connection {
	return &Connection{
		id:       uuid.New().String(),
		conn:     conn,
		gw:       gw,
		send:     make(chan []byte, sendBufferSize),
		channels: make(map[string]struct{}),
		limiter:  newSlidingWindow(gw.cfg.RateLimitMax, gw.cfg.RateLimitWindow),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// setIdentity stores the verified identity without flipping the
// authenticated flag. It must run before the registry's user-index insert so
// a concurrent Remove can find the entry under this userID.
func (c *Connection) setIdentity(userID, deviceID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.deviceID = deviceID
	c.sessionID = sessionID
}

func (c *Connection) markAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.lastHeartbeat = time.Now()
}

func (c *Connection) bindIdentity(userID, deviceID, sessionID string) {
	c.setIdentity(userID, deviceID, sessionID)
	c.markAuthenticated()
}

// Channels returns a snapshot of the connection's subscription set.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		channels = append(channels, channelID)
	}
	return channels
}

func (c *Connection) addChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = struct{}{}
}

func (c *Connection) removeChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

func (c *Connection) inChannel(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channelID]
	return ok
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedHeartbeats = 0
	c.lastHeartbeat = time.Now()
}

// missHeartbeat increments the miss counter and reports the new value.
func (c *Connection) missHeartbeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedHeartbeats++
	return c.missedHeartbeats
}

func (c *Connection) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Connection) markClosed() bool {
	return atomic.CompareAndSwapInt32(&c.closed, 0, 1)
}

func (c *Connection) closeSendChannel() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if atomic.CompareAndSwapInt32(&c.sendClosed, 0, 1) {
		close(c.send)
	}
}

// Send queues an already-marshalled frame. A full buffer closes the client
// rather than blocking the caller. The read lock pairs with the write lock
// in closeSendChannel so a frame is never sent on the closed channel.
func (c *Connection) Send(frame []byte) error {
	if c.isClosed() {
		return ErrClientDisconnected
	}

	c.sendMu.RLock()
	if atomic.LoadInt32(&c.sendClosed) == 1 {
		c.sendMu.RUnlock()
		return ErrClientDisconnected
	}

	var full bool
	select {
	case c.send <- frame:
	default:
		full = true
	}
	c.sendMu.RUnlock()

	if full {
		slog.Warn("Send buffer full, closing client", "clientID", c.id, "userID", c.UserID())
		c.closeSendChannel()
		return ErrClientDisconnected
	}
	return nil
}

func (c *Connection) sendFrame(op int, d interface{}) {
	frame, err := newFrame(op, d)
	if err != nil {
		slog.Error("Failed to marshal frame", "clientID", c.id, "op", op, "error", err)
		return
	}
	_ = c.Send(frame)
}

func (c *Connection) sendError(code, message string, denied []string) {
	c.sendFrame(OpError, ErrorPayload{Code: code, Message: message, Denied: denied})
}

// writeClose sends a close control frame with the given application code.
func (c *Connection) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		slog.Debug("Failed to write close frame", "clientID", c.id, "error", err)
	}
}

func (c *Connection) readPump() {
	defer c.gw.disconnect(c, 0, "read loop ended")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read error", "clientID", c.id, "userID", c.UserID(), "error", err)
			}
			return
		}
		c.gw.handleMessage(c, raw)
		if c.isClosed() {
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("WebSocket write error", "clientID", c.id, "userID", c.UserID(), "error", err)
				return
			}

		case <-ticker.C:
			if c.isClosed() {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
