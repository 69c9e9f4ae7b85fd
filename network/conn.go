package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one WebSocket connection. Reads happen on the goroutine serving
// the connection; writes go through a bounded queue drained by a dedicated
// writer goroutine, so Send never blocks its caller.
type Conn struct {
	id           string
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	state     int32 // ConnectionState
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Statistics
	bytesRead    int64
	bytesWritten int64
	messagesRead int64
	messagesSent int64
	lastActivity int64 // Unix nanoseconds
}

func newConn(ws *websocket.Conn, cfg ServerConfig, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:           id,
		ws:           ws,
		remoteAddr:   ws.RemoteAddr().String(),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With("conn", id),
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
	}

	ws.SetReadLimit(cfg.ReadLimit)
	if c.pingInterval > 0 {
		ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		ws.SetPongHandler(func(string) error {
			c.touch()
			return ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		})
	}

	go c.writeLoop()
	return c
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// State returns the current connection state
func (c *Conn) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues one text frame. When the queue is full the peer is too slow
// to keep up; the connection is closed and ErrSendQueueFull returned.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnClosed, c.id)
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnClosed, c.id)
	default:
		c.logger.Warn("send queue full, closing connection", "queued", len(c.send))
		c.Close()
		return fmt.Errorf("%w: %s", ErrSendQueueFull, c.id)
	}
}

// ReadMessage blocks for the next data frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		atomic.AddInt64(&c.bytesRead, int64(len(data)))
		atomic.AddInt64(&c.messagesRead, 1)
		c.touch()
		return data, nil
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(ConnectionStateClosed))
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Statistics returns connection statistics
func (c *Conn) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID: c.id,
		State:        c.State(),
		BytesRead:    atomic.LoadInt64(&c.bytesRead),
		BytesWritten: atomic.LoadInt64(&c.bytesWritten),
		MessagesRead: atomic.LoadInt64(&c.messagesRead),
		MessagesSent: atomic.LoadInt64(&c.messagesSent),
		LastActivity: time.Unix(0, atomic.LoadInt64(&c.lastActivity)),
		RemoteAddr:   c.remoteAddr,
	}
}

// writeLoop is the only goroutine writing data frames.
func (c *Conn) writeLoop() {
	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
			atomic.AddInt64(&c.bytesWritten, int64(len(data)))
			atomic.AddInt64(&c.messagesSent, 1)
			c.touch()
		case <-pings:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(kind, data)
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// Dial opens a client connection to url, e.g. for an agent or a test.
func Dial(ctx context.Context, url string, header http.Header, cfg ServerConfig, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, cfg.withDefaults(), logger), nil
}
