// Package db is the persistence actor. It owns the live state of every
// known node, writes durable data through a Store, and emits an event for
// every state change it accepts.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/event"
	"github.com/najoast/fleetdash/fleet"
)

// ErrNodeNotFound is returned for queries about a node that never said hello.
var ErrNodeNotFound = errors.New("node not found")

// Options configures the persistence actor.
type Options struct {
	Store      Store
	Subscriber event.Subscriber
	Logger     *slog.Logger
	Actor      core.ActorOptions

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Service is the copyable client of the persistence actor. Commands are
// fire-and-forget; queries ask and wait.
//
// The actor never asks anyone: it only calls its Store and publishes to
// its Subscriber, which enqueues without waiting. Any actor may therefore
// ask it without forming a cycle.
type Service struct {
	h core.Handle[Message]
}

// Start spawns the persistence actor.
func Start(sys *core.System, opts Options) (Service, error) {
	if opts.Store == nil {
		return Service{}, fmt.Errorf("db: Store is required")
	}
	if opts.Subscriber == nil {
		opts.Subscriber = event.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Actor.Name == "" {
		opts.Actor.Name = "db"
	}

	st := &state{
		clients:    make(map[fleet.NodeName]*fleet.ClientState),
		store:      opts.Store,
		subscriber: opts.Subscriber,
		logger:     opts.Logger.With("component", "db"),
		now:        opts.Now,
	}
	h, err := core.Spawn[Message](sys, opts.Actor, st)
	if err != nil {
		return Service{}, fmt.Errorf("db: %w", err)
	}
	return Service{h: h}, nil
}

// Handle exposes the underlying actor handle.
func (s Service) Handle() core.Handle[Message] {
	return s.h
}

// Stop enqueues shutdown after every message already sent.
func (s Service) Stop() error {
	return s.h.Stop()
}

// Done is closed once the actor has terminated.
func (s Service) Done() <-chan struct{} {
	return s.h.Done()
}

func (s Service) InitializeClient(name fleet.NodeName, address, version string) error {
	return s.h.Send(initializeClient{name: name, address: address, version: version})
}

func (s Service) UpdateStatus(name fleet.NodeName, status fleet.NodeStatus) error {
	return s.h.Send(updateStatus{name: name, status: status.Clone()})
}

func (s Service) ClientDisconnected(name fleet.NodeName) error {
	return s.h.Send(clientDisconnected{name: name})
}

func (s Service) SaveStartOption(name fleet.NodeName, opt fleet.StartOption) error {
	return s.h.Send(saveStartOption{name: name, opt: opt})
}

func (s Service) WriteLogs(name fleet.NodeName, lines []fleet.LogLine) error {
	return s.h.Send(writeLogs{name: name, lines: lines})
}

func (s Service) RecordNetworkUsage(name fleet.NodeName, usage []fleet.NetworkUsage) error {
	return s.h.Send(recordNetworkUsage{name: name, usage: usage})
}

func (s Service) PruneNetworkUsage(before time.Time) error {
	return s.h.Send(pruneNetworkUsage{before: before})
}

// GetClientsState returns every known node, sorted by name.
func (s Service) GetClientsState(ctx context.Context) ([]fleet.ClientState, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]fleet.ClientState]) Message {
		return getClientsState{reply: r}
	})
}

// GetConnections returns the peer edges between known nodes.
func (s Service) GetConnections(ctx context.Context) ([]fleet.NodeConnection, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]fleet.NodeConnection]) Message {
		return getConnections{reply: r}
	})
}

// GetClient returns one node's state or ErrNodeNotFound.
func (s Service) GetClient(ctx context.Context, name fleet.NodeName) (fleet.ClientState, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[fleet.ClientState]) Message {
		return getClient{name: name, reply: r}
	})
}

// GetClientExtra returns the stored extra data of a node, or nil.
func (s Service) GetClientExtra(ctx context.Context, name fleet.NodeName) (*fleet.ClientExtra, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[*fleet.ClientExtra]) Message {
		return getClientExtra{name: name, reply: r}
	})
}

func (s Service) GetLogTargets(ctx context.Context) ([]string, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]string]) Message {
		return getLogTargets{reply: r}
	})
}

func (s Service) GetLogs(ctx context.Context, query fleet.LogQuery) ([]fleet.Log, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]fleet.Log]) Message {
		return getLogs{query: query, reply: r}
	})
}

func (s Service) GetNetworkUsage(ctx context.Context, name fleet.NodeName, query fleet.UsageQuery) ([]fleet.NetworkUsage, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]fleet.NetworkUsage]) Message {
		return getNetworkUsage{name: name, query: query, reply: r}
	})
}
