package core

import (
	"errors"
	"time"
)

// ActorID represents a unique identifier for an Actor.
type ActorID uint32

// ActorState represents the current state of an Actor.
type ActorState uint8

const (
	// ActorStateIdle means the Actor is waiting for messages
	ActorStateIdle ActorState = iota

	// ActorStateRunning means the Actor is processing a message
	ActorStateRunning

	// ActorStateStopping means the Actor is shutting down
	ActorStateStopping

	// ActorStateStopped means the Actor has been stopped
	ActorStateStopped
)

// String returns the string representation of ActorState.
func (s ActorState) String() string {
	switch s {
	case ActorStateIdle:
		return "idle"
	case ActorStateRunning:
		return "running"
	case ActorStateStopping:
		return "stopping"
	case ActorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runtime errors reported to senders and askers.
var (
	// ErrActorGone is returned when the target mailbox has been closed,
	// either before the message was enqueued or before its reply was produced.
	ErrActorGone = errors.New("actor is gone")

	// ErrTimeout is returned by Ask when the deadline passes before a reply.
	ErrTimeout = errors.New("ask timed out")

	// ErrReceivePanic is delivered to an asker whose message made the receiver panic.
	ErrReceivePanic = errors.New("actor panicked while handling message")
)

// ActorOptions contains configuration options for creating an Actor.
type ActorOptions struct {
	// Name is a human-readable name for the Actor
	Name string

	// MailboxSize is the initial capacity of the message queue.
	// The queue grows past it; Send never blocks.
	MailboxSize int

	// ProcessTimeout bounds the context handed to Receive. Zero means no bound.
	ProcessTimeout time.Duration

	// AskTimeout is applied to Ask calls whose context carries no deadline.
	// Zero means wait until a reply or termination.
	AskTimeout time.Duration
}

// DefaultActorOptions returns sensible default options.
func DefaultActorOptions() ActorOptions {
	return ActorOptions{
		MailboxSize:    64,
		ProcessTimeout: 30 * time.Second,
		AskTimeout:     10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultActorOptions.
func (o ActorOptions) withDefaults(defaults ActorOptions) ActorOptions {
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaults.MailboxSize
	}
	if o.ProcessTimeout == 0 {
		o.ProcessTimeout = defaults.ProcessTimeout
	}
	if o.AskTimeout == 0 {
		o.AskTimeout = defaults.AskTimeout
	}
	return o
}

// ActorStats contains runtime statistics for an Actor.
type ActorStats struct {
	// ID of the Actor
	ID ActorID

	// Name of the Actor
	Name string

	// Current state
	State ActorState

	// Total messages processed
	MessagesProcessed uint64

	// Messages currently queued
	MailboxSize int

	// Replies the Actor still owes
	PendingReplies int

	// Time when Actor was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}
