package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/najoast/fleetdash/client"
	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/fleet"
	"github.com/najoast/fleetdash/rpc"
)

// Context is what every dashboard handler receives. It carries handles
// only; handlers reach state by asking the actors behind them.
type Context struct {
	Ctx        context.Context
	DB         db.Service
	Clients    client.Manager
	Passphrase string
}

// NodeGetInfoResponse is the result of node_getInfo.
type NodeGetInfoResponse struct {
	State fleet.ClientState  `json:"state"`
	Extra *fleet.ClientExtra `json:"extra"`
}

// NetworkResponse is the result of dashboard_getNetwork.
type NetworkResponse struct {
	Nodes       []fleet.ClientState    `json:"nodes"`
	Connections []fleet.NodeConnection `json:"connections"`
}

// LogTargetsResponse is the result of log_getTargets.
type LogTargetsResponse struct {
	Targets []string `json:"targets"`
}

// LogsResponse is the result of log_get.
type LogsResponse struct {
	Logs []fleet.Log `json:"logs"`
}

// NetworkUsageResponse is the result of node_getNetworkUsage.
type NetworkUsageResponse struct {
	Rows []fleet.NetworkUsage `json:"rows"`
}

// NewRouter returns the dashboard API router.
func NewRouter(logger *slog.Logger) *rpc.Router[Context] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := rpc.NewRouter[Context]()
	r.AddRoute("ping", rpc.Method0(ping))
	r.AddRoute("node_getInfo", rpc.Method1(nodeGetInfo))
	r.AddRoute("dashboard_getNetwork", rpc.Method0(dashboardGetNetwork))
	r.AddRoute("node_start", rpc.Method2(nodeStart))
	r.AddRoute("node_stop", rpc.Method1(nodeStop))
	r.AddRoute("node_update", rpc.Method2(nodeUpdate))
	r.AddRoute("log_getTargets", rpc.Method0(logGetTargets))
	r.AddRoute("log_get", rpc.Method1(logGet))
	r.AddRoute("node_getNetworkUsage", rpc.Method2(nodeGetNetworkUsage))
	r.Use(
		rpc.Recover[Context](logger),
		rpc.Logging[Context](logger),
	)
	r.SetErrorMapper(mapError)
	return r
}

// mapError classifies domain errors for dashboard responses. A gone db or
// manager actor stays Internal; node handlers translate a gone node actor
// with nodeGone first.
func mapError(err error) *rpc.Error {
	var nodeErr *client.NodeError
	switch {
	case errors.Is(err, db.ErrNodeNotFound),
		errors.Is(err, client.ErrNodeNotFound):
		return rpc.EntityNotFound("%v", err)
	case errors.As(err, &nodeErr):
		return rpc.NewError(rpc.CodeInternal, "%s", nodeErr.Message)
	default:
		return nil
	}
}

// nodeGone reports a node actor that terminated between lookup and call
// as a disconnected node.
func nodeGone(name fleet.NodeName, err error) error {
	if errors.Is(err, core.ErrActorGone) {
		return fmt.Errorf("%w: %s", client.ErrNodeNotFound, name)
	}
	return err
}

func ping(Context) (string, error) {
	return "pong", nil
}

func nodeGetInfo(ctx Context, name fleet.NodeName) (NodeGetInfoResponse, error) {
	// Runs on the socket goroutine, not inside an actor, so asking cannot cycle.
	state, err := ctx.DB.GetClient(ctx.Ctx, name)
	if err != nil {
		return NodeGetInfoResponse{}, err
	}
	extra, err := ctx.DB.GetClientExtra(ctx.Ctx, name)
	if err != nil {
		return NodeGetInfoResponse{}, err
	}
	return NodeGetInfoResponse{State: state, Extra: extra}, nil
}

func dashboardGetNetwork(ctx Context) (NetworkResponse, error) {
	// Socket goroutine: no actor waits on this ask.
	nodes, err := ctx.DB.GetClientsState(ctx.Ctx)
	if err != nil {
		return NetworkResponse{}, err
	}
	conns, err := ctx.DB.GetConnections(ctx.Ctx)
	if err != nil {
		return NetworkResponse{}, err
	}
	return NetworkResponse{Nodes: nodes, Connections: conns}, nil
}

// nodeStart remembers the option only once the agent accepted it.
// Asks the manager and then the node from the socket goroutine; the node
// replies once the agent answers without asking back.
func nodeStart(ctx Context, name fleet.NodeName, opt fleet.StartOption) (rpc.Empty, error) {
	node, err := ctx.Clients.Get(ctx.Ctx, name)
	if err != nil {
		return rpc.Empty{}, err
	}
	if err := node.Start(ctx.Ctx, opt); err != nil {
		return rpc.Empty{}, nodeGone(name, err)
	}
	return rpc.Empty{}, ctx.DB.SaveStartOption(name, opt)
}

func nodeStop(ctx Context, name fleet.NodeName) (rpc.Empty, error) {
	// Socket goroutine asks; manager and node never ask back.
	node, err := ctx.Clients.Get(ctx.Ctx, name)
	if err != nil {
		return rpc.Empty{}, err
	}
	return rpc.Empty{}, nodeGone(name, node.Stop(ctx.Ctx))
}

func nodeUpdate(ctx Context, name fleet.NodeName, req fleet.UpdateRequest) (rpc.Empty, error) {
	// Socket goroutine asks manager, db and node in turn; none of them asks.
	node, err := ctx.Clients.Get(ctx.Ctx, name)
	if err != nil {
		return rpc.Empty{}, err
	}
	var prev fleet.StartOption
	extra, err := ctx.DB.GetClientExtra(ctx.Ctx, name)
	if err != nil {
		return rpc.Empty{}, err
	}
	if extra != nil {
		prev = extra.StartOption
	}
	return rpc.Empty{}, nodeGone(name, node.Update(ctx.Ctx, prev, req))
}

func logGetTargets(ctx Context) (LogTargetsResponse, error) {
	// The db actor never asks, so a socket goroutine may wait on it.
	targets, err := ctx.DB.GetLogTargets(ctx.Ctx)
	return LogTargetsResponse{Targets: targets}, err
}

func logGet(ctx Context, query fleet.LogQuery) (LogsResponse, error) {
	// Socket goroutine ask into the non-asking db actor.
	logs, err := ctx.DB.GetLogs(ctx.Ctx, query)
	return LogsResponse{Logs: logs}, err
}

func nodeGetNetworkUsage(ctx Context, name fleet.NodeName, query fleet.UsageQuery) (NetworkUsageResponse, error) {
	// Socket goroutine ask into the non-asking db actor.
	rows, err := ctx.DB.GetNetworkUsage(ctx.Ctx, name, query)
	return NetworkUsageResponse{Rows: rows}, err
}
