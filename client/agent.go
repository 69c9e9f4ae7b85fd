package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/fleet"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/noti"
	"github.com/najoast/fleetdash/rpc"
	"golang.org/x/time/rate"
)

// Agent-to-hub methods
const (
	MethodHello        = "agent_hello"
	MethodStatus       = "agent_status"
	MethodLogs         = "agent_logs"
	MethodNetworkUsage = "agent_networkUsage"
)

// HelloRequest is the second parameter of agent_hello.
type HelloRequest struct {
	Version    string `json:"version"`
	Address    string `json:"address"`
	Passphrase string `json:"passphrase,omitempty"`
}

// AgentContext is assembled for every call an agent makes. It is a
// read-only bundle of handles and is not retained past the call.
type AgentContext struct {
	Ctx        context.Context
	Node       Node
	Manager    Manager
	DB         db.Service
	Passphrase string

	session *session
	notify  noti.Notifier
}

// session is the per-connection state owned by the connection's read
// goroutine.
type session struct {
	name      string
	lastState fleet.NodeState
}

// NewAgentRouter returns the router serving agent calls.
func NewAgentRouter(logger *slog.Logger) *rpc.Router[AgentContext] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := rpc.NewRouter[AgentContext]()
	r.AddRoute(MethodHello, rpc.Method2(hello))
	r.AddRoute(MethodStatus, rpc.Method1(status))
	r.AddRoute(MethodLogs, rpc.Method1(logs))
	r.AddRoute(MethodNetworkUsage, rpc.Method1(networkUsage))
	r.Use(
		rpc.Recover[AgentContext](logger),
		rpc.Logging[AgentContext](logger),
		requireHello,
	)
	r.SetErrorMapper(mapAgentError)
	return r
}

// requireHello rejects everything but agent_hello until the agent has
// identified itself.
func requireHello(next rpc.DispatchFunc[AgentContext]) rpc.DispatchFunc[AgentContext] {
	return func(ctx AgentContext, req *rpc.Request) *rpc.Response {
		if req.Method != MethodHello && ctx.session.name == "" {
			return rpc.Failure(req.ID, rpc.NewError(rpc.CodeUnauthorized, "%v", ErrNotHello))
		}
		return next(ctx, req)
	}
}

func mapAgentError(err error) *rpc.Error {
	switch {
	case errors.Is(err, ErrDuplicateNode):
		return rpc.NewError(rpc.CodeInvalidRequest, "%v", err)
	default:
		return rpc.Internal(err)
	}
}

// hello registers the agent under name. The registry is asked from the
// connection goroutine, which is not an actor, and the registry never asks
// back, so no cycle can form.
func hello(ctx AgentContext, name string, req HelloRequest) (rpc.Empty, error) {
	if ctx.session.name != "" {
		return rpc.Empty{}, rpc.NewError(rpc.CodeInvalidRequest, "already registered as %s", ctx.session.name)
	}
	if name == "" {
		return rpc.Empty{}, rpc.InvalidParams("empty node name")
	}
	if ctx.Passphrase != "" && !network.PassphraseEqual(req.Passphrase, ctx.Passphrase) {
		return rpc.Empty{}, rpc.NewError(rpc.CodeUnauthorized, "wrong passphrase")
	}

	if err := ctx.Manager.Register(ctx.Ctx, name, ctx.Node); err != nil {
		return rpc.Empty{}, err
	}
	// Initialization reaches the persistence actor before any status
	// this connection reports, since both are sent from this goroutine.
	if err := ctx.DB.InitializeClient(name, req.Address, req.Version); err != nil {
		ctx.Manager.Unregister(name, ctx.Node)
		return rpc.Empty{}, err
	}
	if err := ctx.Node.bind(name); err != nil {
		return rpc.Empty{}, err
	}
	ctx.session.name = name
	return rpc.Empty{}, nil
}

func status(ctx AgentContext, st fleet.NodeStatus) (rpc.Empty, error) {
	if !st.State.IsValid() {
		return rpc.Empty{}, rpc.InvalidParams("unknown node state %q", st.State)
	}
	name := ctx.session.name
	if st.State == fleet.NodeStateError && ctx.session.lastState != fleet.NodeStateError {
		ctx.notify.Notify(fmt.Sprintf("Node %s reported an error state", name))
	}
	ctx.session.lastState = st.State
	return rpc.Empty{}, ctx.DB.UpdateStatus(name, st)
}

func logs(ctx AgentContext, lines []fleet.LogLine) (rpc.Empty, error) {
	return rpc.Empty{}, ctx.DB.WriteLogs(ctx.session.name, lines)
}

func networkUsage(ctx AgentContext, usage []fleet.NetworkUsage) (rpc.Empty, error) {
	return rpc.Empty{}, ctx.DB.RecordNetworkUsage(ctx.session.name, usage)
}

// AgentServerConfig configures the agent connection handler.
type AgentServerConfig struct {
	System      *core.System
	Manager     Manager
	DB          db.Service
	Notifier    noti.Notifier
	Passphrase  string
	Logger      *slog.Logger
	Limiter     *rate.Limiter
	CallTimeout time.Duration

	// RequestTimeout bounds each agent call. Defaults to 10 seconds.
	RequestTimeout time.Duration
}

// AgentServer serves agent connections: it spawns a node actor per
// connection, dispatches the agent's calls and routes the agent's
// responses back to the node actor.
type AgentServer struct {
	cfg    AgentServerConfig
	router *rpc.Router[AgentContext]
	logger *slog.Logger
}

// NewAgentServer creates an AgentServer.
func NewAgentServer(cfg AgentServerConfig) *AgentServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noti.Discard
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger.With("component", "agent")
	router := NewAgentRouter(logger)
	if cfg.Limiter != nil {
		router.Use(rpc.RateLimit[AgentContext](cfg.Limiter))
	}
	return &AgentServer{cfg: cfg, router: router, logger: logger}
}

// ServeSocket implements network.Handler.
func (s *AgentServer) ServeSocket(ctx context.Context, conn *network.Conn) {
	s.Serve(ctx, conn, conn.ReadMessage)
}

// Serve runs one agent connection until read fails. It is ServeSocket
// with the read side abstracted for tests.
func (s *AgentServer) Serve(ctx context.Context, sock network.Socket, read func() ([]byte, error)) {
	node, err := SpawnNode(s.cfg.System, NodeOptions{
		Socket:      sock,
		Manager:     s.cfg.Manager,
		DB:          s.cfg.DB,
		Logger:      s.logger,
		CallTimeout: s.cfg.CallTimeout,
	})
	if err != nil {
		s.logger.Error("spawning node actor", "conn", sock.ID(), "error", err)
		return
	}

	sess := &session{}
	defer func() {
		node.shutdown()
		if sess.name != "" {
			s.cfg.Notifier.Notify(fmt.Sprintf("Node %s disconnected", sess.name))
		}
	}()

	for {
		data, err := read()
		if err != nil {
			s.logger.Debug("agent connection closed", "conn", sock.ID(), "node", sess.name, "error", err)
			return
		}

		req, resp, err := rpc.ParseMessage(data)
		if err != nil {
			s.reply(sock, rpc.Failure(nil, rpc.NewError(rpc.CodeParseError, "%v", err)))
			continue
		}
		if resp != nil {
			if err := node.Deliver(resp); err != nil {
				return
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		out := s.router.Dispatch(AgentContext{
			Ctx:        callCtx,
			Node:       node,
			Manager:    s.cfg.Manager,
			DB:         s.cfg.DB,
			Passphrase: s.cfg.Passphrase,
			session:    sess,
			notify:     s.cfg.Notifier,
		}, req)
		cancel()

		if !req.IsNotification() {
			s.reply(sock, out)
		}
	}
}

func (s *AgentServer) reply(sock network.Socket, resp *rpc.Response) {
	data, err := rpc.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		s.logger.Debug("sending response", "conn", sock.ID(), "error", err)
	}
}
