package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/fleet"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/rpc"
)

// Hub-to-agent methods
const (
	MethodStartNode  = "shell_startNode"
	MethodStopNode   = "shell_stopNode"
	MethodUpdateNode = "shell_updateNode"
)

// Node is the copyable client of one agent connection's actor. Calls are
// written to the agent's socket and answered when the agent's response
// arrives, so the actor keeps serving other messages meanwhile.
//
// The actor never asks anyone. Its only outbound messages are Sends to the
// registry and the persistence actor when it stops.
type Node struct {
	h core.Handle[nodeMessage]
}

// NodeOptions configures a node actor.
type NodeOptions struct {
	Socket  network.Socket
	Manager Manager
	DB      db.Service
	Logger  *slog.Logger
	Actor   core.ActorOptions

	// CallTimeout bounds how long an unanswered call is remembered.
	// Defaults to one minute.
	CallTimeout time.Duration
}

// SpawnNode starts the actor for one agent connection.
func SpawnNode(sys *core.System, opts NodeOptions) (Node, error) {
	if opts.Socket == nil {
		return Node{}, fmt.Errorf("client node: Socket is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Minute
	}
	if opts.Actor.Name == "" {
		opts.Actor.Name = "node-" + opts.Socket.ID()
	}

	st := &nodeState{
		socket:      opts.Socket,
		manager:     opts.Manager,
		db:          opts.DB,
		logger:      opts.Logger.With("conn", opts.Socket.ID()),
		callTimeout: opts.CallTimeout,
		pending:     make(map[string]pendingCall),
	}
	h, err := core.Spawn[nodeMessage](sys, opts.Actor, st)
	if err != nil {
		return Node{}, fmt.Errorf("client node: %w", err)
	}
	return Node{h: h}, nil
}

// IsZero reports whether n refers to no node.
func (n Node) IsZero() bool {
	return n.h.IsZero()
}

// Done is closed once the node's actor has terminated.
func (n Node) Done() <-chan struct{} {
	return n.h.Done()
}

// Start asks the agent to start its node process with opt.
func (n Node) Start(ctx context.Context, opt fleet.StartOption) error {
	_, err := n.call(ctx, MethodStartNode, opt)
	return err
}

// Stop asks the agent to stop its node process.
func (n Node) Stop(ctx context.Context) error {
	_, err := n.call(ctx, MethodStopNode)
	return err
}

// Update asks the agent to rebuild its node from req and restart it with
// prev, the last start option.
func (n Node) Update(ctx context.Context, prev fleet.StartOption, req fleet.UpdateRequest) error {
	_, err := n.call(ctx, MethodUpdateNode, prev, req)
	return err
}

func (n Node) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return core.Ask(ctx, n.h, func(r core.Reply[json.RawMessage]) nodeMessage {
		return callAgent{method: method, params: params, reply: r, self: n.h}
	})
}

// Deliver hands an agent response to the actor.
func (n Node) Deliver(resp *rpc.Response) error {
	return n.h.Send(agentResponse{resp: resp})
}

// bind records the name the agent registered under, so the actor can
// clean up after it when the connection ends.
func (n Node) bind(name string) error {
	return n.h.Send(bindName{name: name, self: n})
}

// shutdown stops the actor after every message already sent to it.
func (n Node) shutdown() error {
	return n.h.Stop()
}

type pendingCall struct {
	method   string
	reply    core.Reply[json.RawMessage]
	deadline time.Time
}

type nodeState struct {
	socket      network.Socket
	manager     Manager
	db          db.Service
	logger      *slog.Logger
	callTimeout time.Duration

	name    string
	self    Node
	nextID  int64
	pending map[string]pendingCall
}

type nodeMessage interface {
	applyNode(s *nodeState)
}

func (s *nodeState) Receive(_ context.Context, msg nodeMessage) {
	msg.applyNode(s)
}

// PostStop runs after the runtime failed every pending call with
// ErrActorGone.
func (s *nodeState) PostStop() {
	if s.name == "" {
		return
	}
	if err := s.manager.Unregister(s.name, s.self); err != nil {
		s.logger.Warn("unregister failed", "node", s.name, "error", err)
	}
	if err := s.db.ClientDisconnected(s.name); err != nil {
		s.logger.Warn("reporting disconnect failed", "node", s.name, "error", err)
	}
}

type callAgent struct {
	method string
	params []any
	reply  core.Reply[json.RawMessage]
	self   core.Handle[nodeMessage]
}

func (m callAgent) applyNode(s *nodeState) {
	s.expire(time.Now())

	s.nextID++
	id := json.RawMessage(strconv.FormatInt(s.nextID, 10))
	data, err := rpc.EncodeRequest(id, m.method, m.params...)
	if err != nil {
		m.reply.Err(err)
		return
	}
	if err := s.socket.Send(data); err != nil {
		m.reply.Err(fmt.Errorf("node %s: %s: %w", s.name, m.method, err))
		return
	}
	s.pending[string(id)] = pendingCall{
		method:   m.method,
		reply:    m.reply,
		deadline: time.Now().Add(s.callTimeout),
	}
	// Sweep even if no further message arrives. Send fails once the
	// actor is gone.
	time.AfterFunc(s.callTimeout+time.Millisecond, func() {
		m.self.Send(expireCalls{})
	})
}

type expireCalls struct{}

func (expireCalls) applyNode(s *nodeState) {
	s.expire(time.Now())
}

// expire forgets calls whose callers have certainly given up.
func (s *nodeState) expire(now time.Time) {
	for id, call := range s.pending {
		if now.After(call.deadline) {
			call.reply.Err(fmt.Errorf("%w: node %s: %s", core.ErrTimeout, s.name, call.method))
			delete(s.pending, id)
		}
	}
}

type agentResponse struct {
	resp *rpc.Response
}

func (m agentResponse) applyNode(s *nodeState) {
	s.expire(time.Now())

	key := string(bytes.TrimSpace(m.resp.ID))
	call, ok := s.pending[key]
	if !ok {
		s.logger.Warn("response for unknown call", "node", s.name, "id", key)
		return
	}
	delete(s.pending, key)

	if m.resp.Error != nil {
		call.reply.Err(&NodeError{
			Node:    s.name,
			Method:  call.method,
			Code:    m.resp.Error.Code,
			Message: m.resp.Error.Message,
		})
		return
	}
	call.reply.Ok(m.resp.Result)
}

type bindName struct {
	name string
	self Node
}

func (m bindName) applyNode(s *nodeState) {
	s.name = m.name
	s.self = m.self
	s.logger = s.logger.With("node", m.name)
}
