package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one websocket connection attached to a namespace. It implements
// types.Subscriber: the bus hands it pre-marshaled frames through TrySend and
// the writePump drains them onto the wire.
type Client struct {
	conn     wsConnection
	connID   types.ConnIDType
	userID   types.UserIDType
	username string

	heartbeat time.Duration

	// onMessage receives every decoded inbound envelope. onClose runs exactly
	// once when the read side terminates, before the session is detached.
	onMessage func(ctx context.Context, c *Client, msg types.ClientMessage)
	onClose   func(c *Client)

	mu          sync.RWMutex
	closed      bool
	closeReason string
	closeOnce   sync.Once

	send chan []byte
}

// newClient wires a Client around an upgraded connection.
func newClient(conn wsConnection, connID types.ConnIDType, userID types.UserIDType, username string, bufSize int, heartbeat time.Duration) *Client {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Client{
		conn:      conn,
		connID:    connID,
		userID:    userID,
		username:  username,
		heartbeat: heartbeat,
		send:      make(chan []byte, bufSize),
	}
}

func (c *Client) ConnID() types.ConnIDType { return c.connID }
func (c *Client) UserID() types.UserIDType { return c.userID }

// Username returns the display name negotiated at connect time.
func (c *Client) Username() string { return c.username }

// TrySend enqueues a pre-marshaled frame without blocking. It reports false
// when the buffer is full or the client is already closed, so the bus can
// disconnect the laggard instead of stalling the namespace.
func (c *Client) TrySend(data []byte) bool {
	// The lock is held across the channel send: CloseWithReason closes the
	// channel under the write lock, so a send can never race the close.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true // closed clients swallow sends silently
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// CloseWithReason terminates the connection. The writePump drains what it
// can, sends a close frame carrying the reason and closes the socket.
func (c *Client) CloseWithReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump decodes inbound envelopes and hands them to the message callback.
// It owns the read deadline: every pong extends it by two heartbeat
// intervals, so a silent peer is detected within one missed ping.
func (c *Client) readPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		c.CloseWithReason("")
		c.conn.Close()
		metrics.DecConnection()
	}()

	readWait := 2 * c.heartbeat
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to decode client message",
				zap.String("connId", string(c.connID)), zap.Error(err))
			continue
		}

		if c.onMessage != nil {
			c.onMessage(context.Background(), c, msg)
		}
	}
}

// writePump serializes all writes to the connection: queued frames, the
// heartbeat ping and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.mu.RLock()
				reason := c.closeReason
				c.mu.RUnlock()
				frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, frame)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message",
					zap.String("connId", string(c.connID)), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
