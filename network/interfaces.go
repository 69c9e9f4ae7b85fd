// Package network provides the WebSocket transport shared by the dashboard
// and agent listeners: one JSON-RPC message per text frame.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Transport errors
var (
	ErrConnClosed    = errors.New("connection is closed")
	ErrSendQueueFull = errors.New("send queue is full")
	ErrServerRunning = errors.New("server is already running")
	ErrServerStopped = errors.New("server is not running")
	ErrTooManyConns  = errors.New("connection limit reached")
	ErrUnauthorized  = errors.New("unauthorized")
)

// ConnectionState represents the state of a connection
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the outbound half of a connection as the actors see it. Send
// never blocks: it either queues data for the writer goroutine or fails.
type Socket interface {
	ID() string
	Send(data []byte) error
	Close() error
	// Done is closed once the connection is closed.
	Done() <-chan struct{}
}

// Handler serves one accepted connection. ServeSocket owns the read side
// and returns when the peer goes away or ctx is cancelled; the server then
// closes the connection.
type Handler interface {
	ServeSocket(ctx context.Context, conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn)

// ServeSocket calls f(ctx, conn).
func (f HandlerFunc) ServeSocket(ctx context.Context, conn *Conn) {
	f(ctx, conn)
}

// Authorizer vets an upgrade request. A non-nil error rejects it with 401.
type Authorizer func(r *http.Request) error

// ServerConfig represents listener configuration
type ServerConfig struct {
	// Address is the host:port to listen on
	Address string

	// Path is the HTTP path accepting upgrades; "/" accepts any
	Path string

	// MaxConnections caps concurrent connections; zero means unlimited
	MaxConnections int

	// SendQueueSize is the per-connection outbound queue length.
	// A peer that lets it fill up is disconnected.
	SendQueueSize int

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// PingInterval is the keepalive period; the peer must answer within
	// twice this interval. Zero disables keepalive.
	PingInterval time.Duration

	// ReadLimit is the largest accepted frame in bytes
	ReadLimit int64
}

// DefaultServerConfig returns a default listener configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "0.0.0.0:3012",
		Path:           "/",
		MaxConnections: 1000,
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadLimit:      4 << 20,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// ConnectionStatistics holds statistics for a connection
type ConnectionStatistics struct {
	ConnectionID string          `json:"connection_id"`
	State        ConnectionState `json:"state"`
	BytesRead    int64           `json:"bytes_read"`
	BytesWritten int64           `json:"bytes_written"`
	MessagesRead int64           `json:"messages_read"`
	MessagesSent int64           `json:"messages_sent"`
	LastActivity time.Time       `json:"last_activity"`
	RemoteAddr   string          `json:"remote_addr"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%s] State=%s BytesR/W=%d/%d MsgsR/S=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.State, cs.BytesRead, cs.BytesWritten,
		cs.MessagesRead, cs.MessagesSent, cs.LastActivity.Format(time.RFC3339),
		cs.RemoteAddr)
}

// ServerStatistics holds statistics for a listener
type ServerStatistics struct {
	Address            string        `json:"address"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	RejectedUpgrades   int64         `json:"rejected_upgrades"`
}
