// Package client manages connected node agents: the name registry, one
// actor per agent connection for hub-to-agent calls, and the router for
// calls agents make to the hub.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/najoast/fleetdash/core"
)

// Manager is the copyable client of the node registry actor.
//
// The registry never asks anyone, so it may be asked from any goroutine.
type Manager struct {
	h core.Handle[managerMessage]
}

type managerState struct {
	nodes  map[string]Node
	logger *slog.Logger
}

type managerMessage interface {
	applyManager(s *managerState)
}

// StartManager spawns the registry actor.
func StartManager(sys *core.System, opts core.ActorOptions, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Name == "" {
		opts.Name = "client-manager"
	}
	initial := managerState{
		nodes:  make(map[string]Node),
		logger: logger.With("component", "client-manager"),
	}
	h, err := core.SpawnFunc(sys, opts, initial, func(_ context.Context, s *managerState, msg managerMessage) {
		msg.applyManager(s)
	})
	if err != nil {
		return Manager{}, fmt.Errorf("client manager: %w", err)
	}
	return Manager{h: h}, nil
}

// Stop enqueues shutdown of the registry.
func (m Manager) Stop() error {
	return m.h.Stop()
}

// Done is closed once the registry has terminated.
func (m Manager) Done() <-chan struct{} {
	return m.h.Done()
}

// Register binds name to node. It fails with ErrDuplicateNode while
// another live node holds the name.
func (m Manager) Register(ctx context.Context, name string, node Node) error {
	_, err := core.Ask(ctx, m.h, func(r core.Reply[struct{}]) managerMessage {
		return register{name: name, node: node, reply: r}
	})
	return err
}

// Unregister removes name if it is still bound to node.
func (m Manager) Unregister(name string, node Node) error {
	return m.h.Send(unregister{name: name, node: node})
}

// Get returns the node registered under name.
func (m Manager) Get(ctx context.Context, name string) (Node, error) {
	return core.Ask(ctx, m.h, func(r core.Reply[Node]) managerMessage {
		return getNode{name: name, reply: r}
	})
}

// List returns the registered names, sorted.
func (m Manager) List(ctx context.Context) ([]string, error) {
	return core.Ask(ctx, m.h, func(r core.Reply[[]string]) managerMessage {
		return listNodes{reply: r}
	})
}

type register struct {
	name  string
	node  Node
	reply core.Reply[struct{}]
}

func (m register) applyManager(s *managerState) {
	if existing, ok := s.nodes[m.name]; ok {
		// A node whose actor already ended is a leftover of a connection
		// whose unregister is still queued behind this message.
		select {
		case <-existing.Done():
		default:
			m.reply.Err(fmt.Errorf("%w: %s", ErrDuplicateNode, m.name))
			return
		}
	}
	s.nodes[m.name] = m.node
	s.logger.Info("node registered", "node", m.name)
	m.reply.Ok(struct{}{})
}

type unregister struct {
	name string
	node Node
}

func (m unregister) applyManager(s *managerState) {
	if current, ok := s.nodes[m.name]; ok && current == m.node {
		delete(s.nodes, m.name)
		s.logger.Info("node unregistered", "node", m.name)
	}
}

type getNode struct {
	name  string
	reply core.Reply[Node]
}

func (m getNode) applyManager(s *managerState) {
	node, ok := s.nodes[m.name]
	if !ok {
		m.reply.Err(fmt.Errorf("%w: %s", ErrNodeNotFound, m.name))
		return
	}
	m.reply.Ok(node)
}

type listNodes struct {
	reply core.Reply[[]string]
}

func (m listNodes) applyManager(s *managerState) {
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	m.reply.Ok(names)
}
