package core

import (
	"fmt"
)

// Handle is a copyable reference to an Actor's mailbox. It carries no state
// of its own; any number of goroutines may hold and use copies concurrently.
// The zero Handle refers to no Actor and every Send on it fails.
type Handle[M any] struct {
	a *actor[M]
}

// Send enqueues msg without blocking. It fails only when the Actor has
// terminated, in which case the error wraps ErrActorGone.
func (h Handle[M]) Send(msg M) error {
	if h.a == nil {
		return fmt.Errorf("%w: nil handle", ErrActorGone)
	}
	return h.a.push(envelope[M]{msg: msg})
}

// Stop enqueues the shutdown message. Messages sent earlier by the same
// sender are processed first; anything queued after it is rejected.
func (h Handle[M]) Stop() error {
	if h.a == nil {
		return fmt.Errorf("%w: nil handle", ErrActorGone)
	}
	return h.a.push(envelope[M]{stop: true})
}

// Done is closed once the Actor has terminated.
func (h Handle[M]) Done() <-chan struct{} {
	if h.a == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.a.exited
}

// ID returns the Actor's ID, or zero for the zero Handle.
func (h Handle[M]) ID() ActorID {
	if h.a == nil {
		return 0
	}
	return h.a.id
}

// Name returns the Actor's name.
func (h Handle[M]) Name() string {
	if h.a == nil {
		return ""
	}
	return h.a.name
}

// IsZero reports whether h refers to no Actor.
func (h Handle[M]) IsZero() bool {
	return h.a == nil
}

// Stats returns the Actor's runtime statistics.
func (h Handle[M]) Stats() ActorStats {
	if h.a == nil {
		return ActorStats{State: ActorStateStopped}
	}
	return h.a.Stats()
}

// String returns a string representation of the handle.
func (h Handle[M]) String() string {
	if h.a == nil {
		return ":00000000"
	}
	return fmt.Sprintf(":%08x(%s)", uint32(h.a.id), h.a.name)
}
