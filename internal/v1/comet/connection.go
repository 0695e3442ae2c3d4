package comet

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/chatfanout/platform/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// state is the connection's lifecycle stage.
type state int

const (
	stateAwaitHandshake state = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

const (
	writeWait      = 10 * time.Second
	closeGracePeriod = 1 * time.Second
)

// wsConnection is the subset of *websocket.Conn this package depends on,
// narrowed for testability the same way the donor's transport package
// narrows its socket dependency.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Connection is one live edge connection: a registered user socket,
// served by a dedicated readPump/writePump goroutine pair.
type Connection struct {
	ID     string
	UserID string
	Username string

	conn wsConnection

	mu         sync.Mutex
	st         state
	closeOnce  sync.Once
	send       chan []byte

	server *Server
}

func newConnection(id, userID, username string, conn wsConnection, server *Server) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		Username: username,
		conn:     conn,
		st:       stateActive,
		send:     make(chan []byte, 256),
		server:   server,
	}
}

// Enqueue queues a frame for delivery, dropping it if the connection's
// send buffer is full or the connection is closing — RPC deliveries to
// subscribers that have since disconnected are best-effort.
func (c *Connection) Enqueue(frame []byte) {
	c.mu.Lock()
	closing := c.st == stateClosing || c.st == stateClosed
	c.mu.Unlock()
	if closing {
		return
	}
	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "dropping frame, send buffer full", zap.String("conn_id", c.ID))
	}
}

func (c *Connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.st = stateClosing
		c.mu.Unlock()

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		close(c.send)
	})
}

// readPump decodes text frames as JSON envelopes and dispatches them.
// Binary frames, oversize frames, malformed JSON, and envelopes without a
// type close the connection with 1002; it exits by tearing the connection out of the registry.
func (c *Connection) readPump(ctx context.Context, maxFrameBytes int64) {
	defer func() {
		c.server.registry.RemoveConnection(c.ID)
		c.server.teardownConnection(ctx, c)
		c.closeWith(websocket.CloseNormalClosure, "")
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			logging.Warn(ctx, "rejecting non-text frame", zap.String("conn_id", c.ID), zap.Int("type", messageType))
			c.closeWith(1002, "binary frames not supported")
			return
		}
		if maxFrameBytes > 0 && int64(len(data)) > maxFrameBytes {
			logging.Warn(ctx, "frame exceeds max payload", zap.String("conn_id", c.ID))
			c.closeWith(1002, "frame too large")
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			metrics.WebsocketEvents.WithLabelValues("unknown", "parse_error").Inc()
			c.closeWith(1002, "malformed envelope")
			return
		}

		start := time.Now()
		c.server.dispatch(ctx, c, env)
		metrics.MessageProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}
}

// writePump flushes queued frames, applying the donor's 10s write-deadline
// idiom on every write and sending periodic pings to keep idle
// connections alive through intermediaries.
func (c *Connection) writePump() {
	ticker := time.NewTicker((c.server.idleTimeout * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
