package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Lifecycle errors
var (
	ErrAlreadyStarted    = errors.New("lifecycle manager already started")
	ErrDuplicateService  = errors.New("service already registered")
	ErrUnknownDependency = errors.New("dependency not registered")
	ErrDependencyCycle   = errors.New("circular dependency detected")
)

// LifecycleManager starts services in dependency order and stops them in
// reverse.
type LifecycleManager struct {
	mu           sync.Mutex
	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string
	started      bool
	listeners    []func(LifecycleEvent)
	timeout      time.Duration
	logger       *slog.Logger
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *LifecycleManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
		logger:       logger.With("component", "lifecycle"),
	}
}

// SetTimeout sets the timeout for each service's Start and Stop
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// AddListener adds a lifecycle event listener. Listeners run synchronously
// and must not call back into the manager.
func (lm *LifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// Register registers a service that starts after deps
func (lm *LifecycleManager) Register(service Service, deps ...string) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.started {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	lm.services[name] = service
	lm.dependencies[name] = append([]string(nil), deps...)
	return nil
}

// Start starts all services in dependency order. If one fails, the ones
// already started are stopped again before Start returns.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return ErrAlreadyStarted
	}
	order, err := lm.calculateStartOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		service := lm.services[name]
		begin := time.Now()
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.stopStarted(context.Background())
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}
		lm.startOrder = append(lm.startOrder, name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name, Duration: time.Since(begin)})
	}

	lm.started = true
	return nil
}

// Stop stops all started services in reverse start order. It returns the
// first failure but always attempts every service.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if !lm.started {
		return nil
	}
	lm.started = false
	return lm.stopStarted(ctx)
}

func (lm *LifecycleManager) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]
		begin := time.Now()
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			if firstErr == nil {
				firstErr = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name, Duration: time.Since(begin)})
	}
	lm.startOrder = nil
	return firstErr
}

// Health reports every registered service. Services without a health
// check report healthy while started.
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mu.Lock()
	services := make(map[string]Service, len(lm.services))
	for name, s := range lm.services {
		services[name] = s
	}
	started := lm.started
	lm.mu.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		switch {
		case !started:
			health[name] = HealthStatus{State: HealthStopped}
		case isHealthChecker(service):
			health[name] = service.(HealthChecker).Health(ctx)
		default:
			health[name] = HealthStatus{State: HealthHealthy}
		}
	}
	return health
}

func isHealthChecker(s Service) bool {
	_, ok := s.(HealthChecker)
	return ok
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *LifecycleManager) IsStarted() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.started
}

// calculateStartOrder topologically sorts services with Kahn's algorithm.
// Ties are broken by name so the order is deterministic.
func (lm *LifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))
	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, ok := lm.services[dep]; !ok {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var next []string
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}

	if len(order) != len(lm.services) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}

func (lm *LifecycleManager) emit(ev LifecycleEvent) {
	ev.Timestamp = time.Now()
	if ev.Error != nil {
		lm.logger.Error(ev.Type, "service", ev.Service, "error", ev.Error)
	} else {
		lm.logger.Info(ev.Type, "service", ev.Service, "duration", ev.Duration)
	}
	for _, listener := range lm.listeners {
		listener(ev)
	}
}
