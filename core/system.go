package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrSystemShutdown is returned by Spawn once the System is shutting down.
var ErrSystemShutdown = errors.New("actor system is shutting down")

// System tracks every Actor it spawned so they can be inspected and torn
// down together. It offers no lookup by name: handles are passed explicitly.
type System struct {
	logger   *slog.Logger
	defaults ActorOptions

	mu       sync.Mutex
	actors   map[ActorID]stoppable
	shutting bool

	idCounter uint32

	// System shutdown context
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for all actor loops
	wg sync.WaitGroup
}

// NewSystem creates a System. A nil logger discards output.
func NewSystem(logger *slog.Logger, defaults ActorOptions) *System {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &System{
		logger:   logger,
		defaults: defaults.withDefaults(DefaultActorOptions()),
		actors:   make(map[ActorID]stoppable),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Spawn starts an Actor running r and returns its Handle. A nil System
// spawns a standalone Actor with default options and no logging.
func Spawn[M any](sys *System, opts ActorOptions, r Receiver[M]) (Handle[M], error) {
	if r == nil {
		return Handle[M]{}, fmt.Errorf("cannot spawn nil receiver")
	}
	if sys == nil {
		a := newActor[M](context.Background(), 0, r, opts.withDefaults(DefaultActorOptions()), slog.New(slog.DiscardHandler))
		go a.messageLoop()
		return Handle[M]{a: a}, nil
	}

	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.shutting {
		return Handle[M]{}, ErrSystemShutdown
	}

	id := ActorID(atomic.AddUint32(&sys.idCounter, 1))
	a := newActor[M](sys.ctx, id, r, opts.withDefaults(sys.defaults), sys.logger)
	sys.actors[id] = a

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		a.messageLoop()
		sys.mu.Lock()
		delete(sys.actors, id)
		sys.mu.Unlock()
	}()

	sys.logger.Debug("actor spawned", "actor", a.name, "id", id)
	return Handle[M]{a: a}, nil
}

// stateHolder adapts a function over explicit state to a Receiver.
type stateHolder[S, M any] struct {
	state S
	fn    func(ctx context.Context, state *S, msg M)
}

func (h *stateHolder[S, M]) Receive(ctx context.Context, msg M) {
	h.fn(ctx, &h.state, msg)
}

// SpawnFunc starts an Actor that exclusively owns initial and applies fn to
// it for every message.
func SpawnFunc[S, M any](sys *System, opts ActorOptions, initial S, fn func(ctx context.Context, state *S, msg M)) (Handle[M], error) {
	if fn == nil {
		return Handle[M]{}, fmt.Errorf("cannot spawn nil message loop")
	}
	return Spawn[M](sys, opts, &stateHolder[S, M]{state: initial, fn: fn})
}

// Shutdown stops every Actor and waits for their loops to exit.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutting = true
	actors := make([]stoppable, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down actor system", "actors", len(actors))
	for _, a := range actors {
		a.shutdown()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns statistics for all live Actors ordered by ID.
func (s *System) Stats() []ActorStats {
	s.mu.Lock()
	actors := make([]stoppable, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	stats := make([]ActorStats, 0, len(actors))
	for _, a := range actors {
		stats = append(stats, a.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Len returns the number of live Actors.
func (s *System) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}
