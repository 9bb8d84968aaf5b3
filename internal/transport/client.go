package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"collabtext/internal/protocol"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the send queue is full.
	ErrSlowConsumer = errors.New("send queue full")
)

// Client is one websocket connection. It is the registry.Conn handed to the
// engine: Send only queues, writePump does the writing.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newClient(conn *websocket.Conn, opts Options, logger *slog.Logger) *Client {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	id := uuid.NewString()
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		logger:  logger.With("connection_id", id),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which closes the socket; the read pump then
// exits and reports the disconnect. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// readPump hands every inbound message to the engine and reports the
// disconnect exactly once, when the socket stops delivering.
func (c *Client) readPump(ctx context.Context, engine Engine, opts Options, release func()) {
	defer func() {
		engine.Disconnect(c)
		c.Close()
		c.conn.Close()
		release()
	}()
	c.conn.SetReadLimit(opts.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.rateLimited()
			continue
		}
		if err := engine.HandleMessage(ctx, c, message); err != nil {
			c.logger.Debug("request rejected", "error", err)
		}
	}
}

func (c *Client) rateLimited() {
	b, err := protocol.Encode(protocol.NewError(protocol.CodeRateLimited, "Too many messages"))
	if err != nil {
		return
	}
	if err := c.Send(b); err != nil {
		c.Close()
	}
}

// writePump owns all writes to the socket.
func (c *Client) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteTimeout))
			return
		}
	}
}
