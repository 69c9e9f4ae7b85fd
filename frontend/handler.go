package frontend

import (
	"context"
	"log/slog"
	"time"

	"github.com/najoast/fleetdash/client"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/rpc"
	"golang.org/x/time/rate"
)

// HandlerConfig configures the dashboard connection handler.
type HandlerConfig struct {
	Service    Service
	DB         db.Service
	Clients    client.Manager
	Passphrase string
	Logger     *slog.Logger

	// Limiter, if set, throttles calls across all dashboard sockets.
	Limiter *rate.Limiter

	// RequestTimeout bounds each call, including the asks it makes.
	// Defaults to 30 seconds.
	RequestTimeout time.Duration
}

// Handler serves dashboard sockets. Requests are dispatched on the
// socket's read goroutine, so a slow call only delays its own socket.
type Handler struct {
	cfg    HandlerConfig
	router *rpc.Router[Context]
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger.With("component", "dashboard")
	router := NewRouter(logger)
	if cfg.Limiter != nil {
		router.Use(rpc.RateLimit[Context](cfg.Limiter))
	}
	return &Handler{cfg: cfg, router: router, logger: logger}
}

// Router exposes the route table, e.g. for listing methods.
func (h *Handler) Router() *rpc.Router[Context] {
	return h.router
}

// ServeSocket implements network.Handler.
func (h *Handler) ServeSocket(ctx context.Context, conn *network.Conn) {
	h.Serve(ctx, conn, conn.ReadMessage)
}

// Serve runs one dashboard socket until read fails.
func (h *Handler) Serve(ctx context.Context, sock network.Socket, read func() ([]byte, error)) {
	if err := h.cfg.Service.AddSocket(sock); err != nil {
		h.logger.Warn("frontend unavailable", "conn", sock.ID(), "error", err)
		return
	}
	defer h.cfg.Service.RemoveSocket(sock.ID())

	for {
		data, err := read()
		if err != nil {
			h.logger.Debug("dashboard connection closed", "conn", sock.ID(), "error", err)
			return
		}

		req, errResp := rpc.ParseRequest(data)
		if errResp != nil {
			h.send(sock, errResp)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
		resp := h.router.Dispatch(Context{
			Ctx:        callCtx,
			DB:         h.cfg.DB,
			Clients:    h.cfg.Clients,
			Passphrase: h.cfg.Passphrase,
		}, req)
		cancel()

		if !req.IsNotification() {
			h.send(sock, resp)
		}
	}
}

func (h *Handler) send(sock network.Socket, resp *rpc.Response) {
	data, err := rpc.EncodeResponse(resp)
	if err != nil {
		h.logger.Error("encoding response", "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		h.logger.Debug("sending response", "conn", sock.ID(), "error", err)
	}
}
