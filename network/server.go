package network

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Server accepts WebSocket connections and hands each to a Handler on its
// own goroutine.
type Server struct {
	config    ServerConfig
	handler   Handler
	authorize Authorizer
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	running  int32 // atomic flag
	listener net.Listener
	http     *http.Server

	// Connection management
	connections   map[string]*Conn
	connectionsMu sync.RWMutex

	// Synchronization
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	totalConnections   int64
	currentConnections int64
	rejectedUpgrades   int64
	startTime          time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer rejects upgrade requests that authorize refuses.
func WithAuthorizer(authorize Authorizer) Option {
	return func(s *Server) { s.authorize = authorize }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server. It does not listen until Start.
func NewServer(config ServerConfig, handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("network: nil handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      config.withDefaults(),
		handler:     handler,
		logger:      slog.New(slog.DiscardHandler),
		connections: make(map[string]*Conn),
		ctx:         ctx,
		cancel:      cancel,
		upgrader: websocket.Upgrader{
			// Dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("listener", s.config.Address)
	return s, nil
}

// Start binds the listen address. Serve must be called to accept.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	s.listener = listener
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.startTime = time.Now()

	s.logger.Info("listening", "address", listener.Addr().String())
	return nil
}

// Serve accepts connections until Stop. It returns nil after a graceful
// stop.
func (s *Server) Serve() error {
	if s.http == nil {
		return ErrServerStopped
	}
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting, closes every connection and waits for their
// handlers to return or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil // Already stopped
	}

	s.cancel()
	var shutdownErr error
	if s.http != nil {
		shutdownErr = s.http.Shutdown(ctx)
	}

	s.connectionsMu.RLock()
	for _, conn := range s.connections {
		conn.Close()
	}
	s.connectionsMu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("listener stopped")
	return shutdownErr
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request and serves the connection until the
// handler returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, ErrServerStopped.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.authorize != nil {
		if err := s.authorize(r); err != nil {
			atomic.AddInt64(&s.rejectedUpgrades, 1)
			s.logger.Warn("upgrade rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	if limit := s.config.MaxConnections; limit > 0 && atomic.LoadInt64(&s.currentConnections) >= int64(limit) {
		atomic.AddInt64(&s.rejectedUpgrades, 1)
		s.logger.Warn("connection limit reached", "limit", limit, "remote", r.RemoteAddr)
		http.Error(w, ErrTooManyConns.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, s.config, s.logger)
	s.track(conn)
	defer s.untrack(conn)

	s.logger.Debug("connection accepted", "conn", conn.ID(), "remote", conn.RemoteAddr())
	s.handler.ServeSocket(s.ctx, conn)
	conn.Close()
}

func (s *Server) track(conn *Conn) {
	s.wg.Add(1)
	s.connectionsMu.Lock()
	s.connections[conn.ID()] = conn
	s.connectionsMu.Unlock()
	atomic.AddInt64(&s.totalConnections, 1)
	atomic.AddInt64(&s.currentConnections, 1)
}

func (s *Server) untrack(conn *Conn) {
	s.connectionsMu.Lock()
	delete(s.connections, conn.ID())
	s.connectionsMu.Unlock()
	atomic.AddInt64(&s.currentConnections, -1)
	s.wg.Done()
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	return int(atomic.LoadInt64(&s.currentConnections))
}

// Statistics returns server statistics
func (s *Server) Statistics() ServerStatistics {
	address := s.config.Address
	if addr := s.Addr(); addr != nil {
		address = addr.String()
	}
	stats := ServerStatistics{
		Address:            address,
		Running:            atomic.LoadInt32(&s.running) == 1,
		StartTime:          s.startTime,
		TotalConnections:   atomic.LoadInt64(&s.totalConnections),
		CurrentConnections: atomic.LoadInt64(&s.currentConnections),
		RejectedUpgrades:   atomic.LoadInt64(&s.rejectedUpgrades),
	}
	if !s.startTime.IsZero() {
		stats.Uptime = time.Since(s.startTime)
	}
	return stats
}

// PassphraseFromRequest returns the passphrase presented by an upgrade
// request, either as ?passphrase= or as an Authorization bearer token.
func PassphraseFromRequest(r *http.Request) string {
	if p := r.URL.Query().Get("passphrase"); p != "" {
		return p
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// RequirePassphrase returns an Authorizer accepting only requests that
// present passphrase. An empty passphrase accepts everything.
func RequirePassphrase(passphrase string) Authorizer {
	return func(r *http.Request) error {
		if passphrase == "" {
			return nil
		}
		if !PassphraseEqual(PassphraseFromRequest(r), passphrase) {
			return ErrUnauthorized
		}
		return nil
	}
}

// PassphraseEqual compares passphrases in constant time.
func PassphraseEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
