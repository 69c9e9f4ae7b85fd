// Package bootstrap wires the hub together and manages the lifecycle of
// its long-running services.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service is a unit the lifecycle manager starts and stops.
type Service interface {
	// Name returns the service name
	Name() string

	// Start starts the service. It must not block past startup.
	Start(ctx context.Context) error

	// Stop stops the service
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	State   HealthState    `json:"state"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// Lifecycle event types
const (
	EventServiceStarted     = "service.started"
	EventServiceStartFailed = "service.start_failed"
	EventServiceStopped     = "service.stopped"
	EventServiceStopFailed  = "service.stop_failed"
)

// LifecycleEvent represents an event in the service lifecycle
type LifecycleEvent struct {
	Type      string        `json:"type"`
	Service   string        `json:"service,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     error         `json:"error,omitempty"`
}

// ApplicationError represents an error that occurred during application lifecycle
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for service %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
