package bootstrap

import (
	"context"
	"errors"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/noti"
)

// FuncService adapts a pair of functions to Service. Nil functions are
// no-ops.
type FuncService struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

// Name implements Service.
func (f FuncService) Name() string { return f.ServiceName }

// Start implements Service.
func (f FuncService) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

// Stop implements Service.
func (f FuncService) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// ActorService owns the actor system and the store behind it. The actors
// are spawned before the lifecycle starts because the listeners hold
// their handles; stopping shuts them down and closes the store.
type ActorService struct {
	system   *core.System
	store    db.Store
	notifier noti.Notifier
}

// Name implements Service.
func (s *ActorService) Name() string { return "actors" }

// Start implements Service.
func (s *ActorService) Start(context.Context) error { return nil }

// Stop implements Service.
func (s *ActorService) Stop(ctx context.Context) error {
	err := s.system.Shutdown(ctx)
	if w, ok := s.notifier.(interface{ Wait() }); ok {
		w.Wait()
	}
	return errors.Join(err, s.store.Close())
}

// Health implements HealthChecker.
func (s *ActorService) Health(context.Context) HealthStatus {
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"actors": s.system.Len()},
	}
}

// ListenerService binds a WebSocket listener on Start. Accepting runs in
// Serve, which the application calls once every service has started.
type ListenerService struct {
	name   string
	server *network.Server
}

// Name implements Service.
func (s *ListenerService) Name() string { return s.name }

// Start implements Service.
func (s *ListenerService) Start(context.Context) error {
	return s.server.Start()
}

// Stop closes every connection and waits for their handlers.
func (s *ListenerService) Stop(ctx context.Context) error {
	return s.server.Stop(ctx)
}

// Serve accepts connections until Stop.
func (s *ListenerService) Serve() error {
	return s.server.Serve()
}

// Server exposes the underlying listener.
func (s *ListenerService) Server() *network.Server {
	return s.server
}

// Health implements HealthChecker.
func (s *ListenerService) Health(context.Context) HealthStatus {
	stats := s.server.Statistics()
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"connections": stats.CurrentConnections,
			"total":       stats.TotalConnections,
		},
	}
}
