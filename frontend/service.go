// Package frontend serves the dashboard: the JSON-RPC API over WebSocket and
// the actor that fans persistence events out to every open dashboard socket.
package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/event"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/rpc"
)

// Message is the mailbox type of the frontend actor.
type Message interface {
	applyFrontend(s *frontendState)
}

// Options configures the frontend actor.
type Options struct {
	Logger *slog.Logger
	Actor  core.ActorOptions
}

// Service is the copyable client of the frontend actor. The actor is the
// only owner of the dashboard socket set.
type Service struct {
	h      core.Handle[Message]
	logger *slog.Logger
}

// Start spawns the frontend actor.
func Start(sys *core.System, opts Options) (Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Actor.Name == "" {
		opts.Actor.Name = "frontend"
	}
	logger := opts.Logger.With("component", "frontend")
	initial := frontendState{
		sockets: make(map[string]network.Socket),
		logger:  logger,
	}
	h, err := core.SpawnFunc(sys, opts.Actor, initial, func(_ context.Context, s *frontendState, msg Message) {
		msg.applyFrontend(s)
	})
	if err != nil {
		return Service{}, fmt.Errorf("frontend: %w", err)
	}
	return Service{h: h, logger: logger}, nil
}

// Stop enqueues shutdown. Open sockets are left to their connection
// handlers.
func (s Service) Stop() error {
	return s.h.Stop()
}

// Done is closed once the actor has terminated.
func (s Service) Done() <-chan struct{} {
	return s.h.Done()
}

// Subscriber returns the propagator the persistence actor publishes to.
func (s Service) Subscriber() event.Subscriber {
	return event.NewPropagator(s.h, func(ev event.Event) Message {
		return broadcast{ev: ev}
	}, s.logger)
}

// AddSocket starts delivering events to sock.
func (s Service) AddSocket(sock network.Socket) error {
	return s.h.Send(addSocket{sock: sock})
}

// RemoveSocket stops delivering events to the socket with id.
func (s Service) RemoveSocket(id string) error {
	return s.h.Send(removeSocket{id: id})
}

// Sockets returns the ids of the registered sockets, sorted.
func (s Service) Sockets(ctx context.Context) ([]string, error) {
	return core.Ask(ctx, s.h, func(r core.Reply[[]string]) Message {
		return listSockets{reply: r}
	})
}

type frontendState struct {
	sockets map[string]network.Socket
	logger  *slog.Logger
}

type addSocket struct {
	sock network.Socket
}

func (m addSocket) applyFrontend(s *frontendState) {
	s.sockets[m.sock.ID()] = m.sock
	s.logger.Debug("dashboard socket added", "conn", m.sock.ID(), "sockets", len(s.sockets))
}

type removeSocket struct {
	id string
}

func (m removeSocket) applyFrontend(s *frontendState) {
	if _, ok := s.sockets[m.id]; ok {
		delete(s.sockets, m.id)
		s.logger.Debug("dashboard socket removed", "conn", m.id, "sockets", len(s.sockets))
	}
}

type broadcast struct {
	ev event.Event
}

// applyFrontend encodes the event once and writes it to every socket.
// A socket that refuses the write is dropped; delivery is at most once.
func (m broadcast) applyFrontend(s *frontendState) {
	if len(s.sockets) == 0 {
		return
	}
	data, err := rpc.EncodeNotification(m.ev.Method(), m.ev)
	if err != nil {
		s.logger.Error("encoding event", "method", m.ev.Method(), "error", err)
		return
	}
	for id, sock := range s.sockets {
		if err := sock.Send(data); err != nil {
			s.logger.Info("dropping dashboard socket", "conn", id, "error", err)
			delete(s.sockets, id)
			sock.Close()
		}
	}
}

type listSockets struct {
	reply core.Reply[[]string]
}

func (m listSockets) applyFrontend(s *frontendState) {
	ids := make([]string, 0, len(s.sockets))
	for id := range s.sockets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.reply.Ok(ids)
}
