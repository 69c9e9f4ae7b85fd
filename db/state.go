package db

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/event"
	"github.com/najoast/fleetdash/fleet"
)

// Message is the mailbox type of the persistence actor. Values are built
// by Service methods only.
type Message interface {
	apply(ctx context.Context, s *state)
}

// state is owned by the actor goroutine.
type state struct {
	clients    map[fleet.NodeName]*fleet.ClientState
	store      Store
	subscriber event.Subscriber
	logger     *slog.Logger
	now        func() time.Time
}

func (s *state) Receive(ctx context.Context, msg Message) {
	msg.apply(ctx, s)
}

// PostStop closes the store once no message can reach it any more.
func (s *state) PostStop() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("closing store", "error", err)
	}
}

type initializeClient struct {
	name    fleet.NodeName
	address string
	version string
}

func (m initializeClient) apply(_ context.Context, s *state) {
	now := s.now()
	s.clients[m.name] = &fleet.ClientState{
		Name: m.name,
		Status: fleet.NodeStatus{
			State:   fleet.NodeStateStopped,
			Address: m.address,
			Version: m.version,
		},
		ConnectedAt: now,
		UpdatedAt:   now,
	}
	s.logger.Info("node connected", "node", m.name, "address", m.address, "version", m.version)
	s.subscriber.Publish(event.NodeConnected{
		Name:        m.name,
		Address:     m.address,
		Version:     m.version,
		ConnectedAt: now,
	})
}

type updateStatus struct {
	name   fleet.NodeName
	status fleet.NodeStatus
}

func (m updateStatus) apply(_ context.Context, s *state) {
	client, ok := s.clients[m.name]
	if !ok {
		s.logger.Warn("status for unknown node", "node", m.name)
		return
	}
	if client.Status.Equal(m.status) {
		return
	}
	client.Status = m.status
	client.UpdatedAt = s.now()
	s.subscriber.Publish(event.NodeStatusChanged{Name: m.name, Status: m.status.Clone()})
}

type clientDisconnected struct {
	name fleet.NodeName
}

func (m clientDisconnected) apply(_ context.Context, s *state) {
	client, ok := s.clients[m.name]
	if !ok {
		return
	}
	client.Status.State = fleet.NodeStateDisconnected
	client.Status.Peers = nil
	client.UpdatedAt = s.now()
	s.logger.Info("node disconnected", "node", m.name)
	s.subscriber.Publish(event.NodeDisconnected{Name: m.name})
}

type saveStartOption struct {
	name fleet.NodeName
	opt  fleet.StartOption
}

func (m saveStartOption) apply(ctx context.Context, s *state) {
	extra := fleet.ClientExtra{Name: m.name, StartOption: m.opt, SavedAt: s.now()}
	if err := s.store.SaveStartOption(ctx, extra); err != nil {
		s.logger.Error("saving start option", "node", m.name, "error", err)
	}
}

type writeLogs struct {
	name  fleet.NodeName
	lines []fleet.LogLine
}

func (m writeLogs) apply(ctx context.Context, s *state) {
	if len(m.lines) == 0 {
		return
	}
	if err := s.store.WriteLogs(ctx, m.name, m.lines); err != nil {
		s.logger.Error("writing logs", "node", m.name, "lines", len(m.lines), "error", err)
		return
	}
	s.subscriber.Publish(event.LogsAppended{Name: m.name, Logs: m.lines})
}

type recordNetworkUsage struct {
	name  fleet.NodeName
	usage []fleet.NetworkUsage
}

func (m recordNetworkUsage) apply(ctx context.Context, s *state) {
	if len(m.usage) == 0 {
		return
	}
	if err := s.store.RecordNetworkUsage(ctx, m.name, m.usage); err != nil {
		s.logger.Error("recording network usage", "node", m.name, "error", err)
		return
	}
	s.subscriber.Publish(event.NetworkUsageRecorded{Name: m.name, Usage: m.usage})
}

type pruneNetworkUsage struct {
	before time.Time
}

func (m pruneNetworkUsage) apply(ctx context.Context, s *state) {
	removed, err := s.store.PruneNetworkUsage(ctx, m.before)
	if err != nil {
		s.logger.Error("pruning network usage", "error", err)
		return
	}
	s.logger.Info("pruned network usage", "before", m.before, "rows", removed)
}

type getClientsState struct {
	reply core.Reply[[]fleet.ClientState]
}

func (m getClientsState) apply(_ context.Context, s *state) {
	out := make([]fleet.ClientState, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot := *c
		snapshot.Status = c.Status.Clone()
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	m.reply.Ok(out)
}

type getConnections struct {
	reply core.Reply[[]fleet.NodeConnection]
}

func (m getConnections) apply(_ context.Context, s *state) {
	m.reply.Ok(connections(s.clients))
}

// connections derives an undirected edge for every peer address that
// belongs to another connected node. Each edge appears once, with NodeA
// sorting before NodeB.
func connections(clients map[fleet.NodeName]*fleet.ClientState) []fleet.NodeConnection {
	byAddress := make(map[string]fleet.NodeName, len(clients))
	for name, c := range clients {
		if c.Status.Address != "" && c.Status.State != fleet.NodeStateDisconnected {
			byAddress[c.Status.Address] = name
		}
	}

	seen := make(map[fleet.NodeConnection]struct{})
	out := []fleet.NodeConnection{}
	for name, c := range clients {
		if c.Status.State == fleet.NodeStateDisconnected {
			continue
		}
		for _, peer := range c.Status.Peers {
			other, ok := byAddress[peer]
			if !ok || other == name {
				continue
			}
			edge := fleet.NodeConnection{NodeA: name, NodeB: other}
			if edge.NodeB < edge.NodeA {
				edge.NodeA, edge.NodeB = edge.NodeB, edge.NodeA
			}
			if _, dup := seen[edge]; dup {
				continue
			}
			seen[edge] = struct{}{}
			out = append(out, edge)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeA != out[j].NodeA {
			return out[i].NodeA < out[j].NodeA
		}
		return out[i].NodeB < out[j].NodeB
	})
	return out
}

type getClient struct {
	name  fleet.NodeName
	reply core.Reply[fleet.ClientState]
}

func (m getClient) apply(_ context.Context, s *state) {
	c, ok := s.clients[m.name]
	if !ok {
		m.reply.Err(fmt.Errorf("%w: %s", ErrNodeNotFound, m.name))
		return
	}
	snapshot := *c
	snapshot.Status = c.Status.Clone()
	m.reply.Ok(snapshot)
}

type getClientExtra struct {
	name  fleet.NodeName
	reply core.Reply[*fleet.ClientExtra]
}

func (m getClientExtra) apply(ctx context.Context, s *state) {
	m.reply.Send(s.store.ClientExtra(ctx, m.name))
}

type getLogTargets struct {
	reply core.Reply[[]string]
}

func (m getLogTargets) apply(ctx context.Context, s *state) {
	m.reply.Send(s.store.LogTargets(ctx))
}

type getLogs struct {
	query fleet.LogQuery
	reply core.Reply[[]fleet.Log]
}

func (m getLogs) apply(ctx context.Context, s *state) {
	m.reply.Send(s.store.Logs(ctx, m.query))
}

type getNetworkUsage struct {
	name  fleet.NodeName
	query fleet.UsageQuery
	reply core.Reply[[]fleet.NetworkUsage]
}

func (m getNetworkUsage) apply(ctx context.Context, s *state) {
	m.reply.Send(s.store.NetworkUsage(ctx, m.name, m.query))
}
