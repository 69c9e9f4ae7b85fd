package core

import (
	"context"
)

// Receiver processes the messages of one Actor.
// The Actor's goroutine is the only caller, so the receiver may keep its
// state in plain fields without locking.
type Receiver[M any] interface {
	// Receive handles a single message. ctx is cancelled when the Actor
	// is torn down or the per-message ProcessTimeout expires.
	Receive(ctx context.Context, msg M)
}

// ReceiveFunc adapts a function to the Receiver interface.
type ReceiveFunc[M any] func(ctx context.Context, msg M)

// Receive calls f(ctx, msg).
func (f ReceiveFunc[M]) Receive(ctx context.Context, msg M) {
	f(ctx, msg)
}

// PostStopper is implemented by receivers that need to release resources
// once their Actor has terminated. PostStop runs on the Actor's goroutine
// after every pending reply has been failed.
type PostStopper interface {
	PostStop()
}

// stoppable is the type-erased view the System keeps of every Actor.
type stoppable interface {
	ID() ActorID
	Stats() ActorStats
	shutdown()
	done() <-chan struct{}
}
