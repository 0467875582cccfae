package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrLivenessTimeout = errors.New("liveness probe not acknowledged")
	ErrSlowConsumer    = errors.New("send queue full")
	ErrRebooted        = errors.New("connection rebooted by owner")
	ErrCycled          = errors.New("connection cycled by new connection")
	ErrShutdown        = errors.New("server shutting down")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done       chan struct{}
	closing    chan struct{}
	writerDone chan struct{}
	wg         *sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	runOnce    sync.Once
	started    bool
	closeErr   error
	peerGone   bool
	mu         sync.Mutex

	logger *slog.Logger
}

// NewConnection wraps an accepted WebSocket. wg, if non-nil, is held until the
// connection is fully closed.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	config = config.withDefaults()
	if conn != nil && config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	if wg != nil {
		wg.Add(1)
	}

	return &Connection{
		id:         id,
		conn:       conn,
		logger:     logger.With(slog.String("connID", id.String())),
		config:     config,
		onMessage:  onMessage,
		onClose:    onClose,
		send:       make(chan []byte, config.SendBuffer),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		ctx:        connCtx,
		cancel:     cancel,
		wg:         wg,
	}
}

func (c *Connection) Run() {
	c.runOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.readPump()
		go c.writePump()
		c.logger.Debug("connection pumps started")
	})
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Frames are handled synchronously, so one connection's frames are processed
// in arrival order.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.mu.Lock()
		c.peerGone = true
		c.mu.Unlock()
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout > 0 {
		return context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	return context.WithCancel(c.ctx)
}

// writePump pumps messages from the send channel to the WebSocket connection.
// On close it flushes whatever is still queued before the close frame.
func (c *Connection) writePump() {
	defer close(c.writerDone)

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.logger.Debug("write failed", slog.Any("error", err))
				c.cancel()
				return
			}
		case <-c.closing:
			c.flush()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) flush() {
	c.mu.Lock()
	gone := c.peerGone
	c.mu.Unlock()
	if gone {
		return
	}
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// Send queues a message for the client. It is safe for concurrent use and
// never blocks: a connection whose queue is full is closed as a slow consumer.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("send queue full, closing slow consumer")
		go c.Close(ErrSlowConsumer)
		return false
	}
}

// Ping sends a WebSocket ping and blocks until the pong arrives or ctx ends.
func (c *Connection) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close shuts the connection down. Only the first call has any effect; the
// close handler runs exactly once.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		started := c.started
		gone := c.peerGone
		c.mu.Unlock()

		c.logger.Info("Transport connection closing", slog.Any("reason", err))
		close(c.closing)
		if started {
			select {
			case <-c.writerDone:
			case <-time.After(c.config.WriteTimeout):
			}
		}
		if c.conn != nil {
			if gone || errors.Is(err, ErrLivenessTimeout) || errors.Is(err, ErrSlowConsumer) {
				c.conn.CloseNow()
			} else {
				status, reason := closeStatus(err)
				c.conn.Close(status, reason)
			}
		}
		c.cancel()

		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
		c.logger.Debug("Connection closed")
	})
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, ErrShutdown):
		return websocket.StatusGoingAway, err.Error()
	case errors.Is(err, ErrRebooted), errors.Is(err, ErrCycled):
		return websocket.StatusPolicyViolation, err.Error()
	default:
		return websocket.StatusInternalError, "internal error"
	}
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason passed to the first Close call.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
