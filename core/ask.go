package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// slot is the type-erased view of a reply slot the runtime needs to fail
// pending callers on termination.
type slot interface {
	fail(err error)
	fulfilled() bool
}

type result[R any] struct {
	value R
	err   error
}

// replySlot is fulfilled at most once. The channel is buffered so the
// fulfilling side never blocks, even when the asker has already given up.
type replySlot[R any] struct {
	once sync.Once
	done atomic.Bool
	ch   chan result[R]
}

func (s *replySlot[R]) put(value R, err error) bool {
	delivered := false
	s.once.Do(func() {
		s.ch <- result[R]{value: value, err: err}
		s.done.Store(true)
		delivered = true
	})
	return delivered
}

func (s *replySlot[R]) fail(err error) {
	var zero R
	s.put(zero, err)
}

func (s *replySlot[R]) fulfilled() bool {
	return s.done.Load()
}

// Reply is the single-use answer channel carried inside an asked message.
// The zero Reply belongs to a plain Send; answering it is a no-op.
// A Reply may be kept and answered later, from any goroutine.
type Reply[R any] struct {
	s *replySlot[R]
}

// Send delivers value and err to the asker. It reports false when the slot
// was already answered or the message was not asked.
func (r Reply[R]) Send(value R, err error) bool {
	if r.s == nil {
		return false
	}
	return r.s.put(value, err)
}

// Ok answers with a value.
func (r Reply[R]) Ok(value R) bool {
	return r.Send(value, nil)
}

// Err answers with a domain error that Ask passes through unchanged.
func (r Reply[R]) Err(err error) bool {
	var zero R
	return r.Send(zero, err)
}

// Asked reports whether somebody is waiting on this Reply.
func (r Reply[R]) Asked() bool {
	return r.s != nil
}

// Ask sends the message built around a fresh Reply and waits for the answer.
//
// It returns ErrActorGone when the Actor terminates before replying,
// ErrTimeout when ctx's deadline (or the Actor's AskTimeout if ctx has none)
// passes, and otherwise whatever the Actor answered.
//
// Ask must not be used to form a cycle: an Actor asking an Actor that,
// directly or indirectly, asks it back deadlocks until the timeout. The
// runtime does not detect such cycles; call sites document why they cannot
// form one.
func Ask[M, R any](ctx context.Context, h Handle[M], build func(Reply[R]) M) (R, error) {
	var zero R
	if h.a == nil {
		return zero, fmt.Errorf("%w: nil handle", ErrActorGone)
	}

	if _, ok := ctx.Deadline(); !ok && h.a.opts.AskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.a.opts.AskTimeout)
		defer cancel()
	}

	s := &replySlot[R]{ch: make(chan result[R], 1)}
	if err := h.a.push(envelope[M]{msg: build(Reply[R]{s: s}), slot: s}); err != nil {
		return zero, err
	}

	select {
	case res := <-s.ch:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s", ErrTimeout, h.a.name)
		}
		return zero, ctx.Err()
	}
}

// AskTimeout is Ask with an explicit deadline relative to now.
func AskTimeout[M, R any](h Handle[M], timeout time.Duration, build func(Reply[R]) M) (R, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Ask(ctx, h, build)
}
