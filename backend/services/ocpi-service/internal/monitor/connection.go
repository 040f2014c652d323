package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit   = 4 * 1024
	pongTimeout = 60 * time.Second
)

// Connection is one monitor websocket client.
type Connection struct {
	id           string
	ws           *websocket.Conn
	send         chan []byte
	logger       *zap.Logger
	writeTimeout time.Duration
	onClose      func(id string)

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection builds connection wrapper.
func NewConnection(id string, ws *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Connection {
	return &Connection{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, 64),
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
		done:         make(chan struct{}),
	}
}

// ID returns identifier.
func (c *Connection) ID() string {
	return c.id
}

// Start launches read/write pumps and blocks until the client goes away.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump only drains control frames; monitor clients never send data that matters.
func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("monitor read closed", zap.String("client_id", c.id), zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			_ = c.ws.Close()
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// Send enqueues a message for writing. Slow clients lose messages instead of stalling the hub.
func (c *Connection) Send(msg []byte) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("dropping monitor event, buffer full", zap.String("client_id", c.id))
	}
}

// Ping sends ping.
func (c *Connection) Ping() error {
	return c.write(websocket.PingMessage, []byte("ping"))
}

// write allows one concurrent writer per connection.
func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}
