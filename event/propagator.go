package event

import (
	"log/slog"

	"github.com/najoast/fleetdash/core"
)

// Propagator forwards events into an actor's mailbox. M is the mailbox
// message type of the receiving actor; wrap builds the message carrying an
// event. Publish only enqueues, so its cost does not depend on how many
// sockets the receiver broadcasts to.
type Propagator[M any] struct {
	target core.Handle[M]
	wrap   func(Event) M
	logger *slog.Logger
}

// NewPropagator creates a Propagator delivering to target.
func NewPropagator[M any](target core.Handle[M], wrap func(Event) M, logger *slog.Logger) *Propagator[M] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Propagator[M]{target: target, wrap: wrap, logger: logger}
}

// Publish enqueues ev. If the target is gone the event is dropped.
func (p *Propagator[M]) Publish(ev Event) {
	if err := p.target.Send(p.wrap(ev)); err != nil {
		p.logger.Warn("dropping event", "method", ev.Method(), "error", err)
	}
}
