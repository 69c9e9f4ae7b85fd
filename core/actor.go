package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// envelope is one mailbox entry: a payload, an optional reply slot, or the
// shutdown marker.
type envelope[M any] struct {
	msg  M
	slot slot
	stop bool
}

// actor owns one mailbox and the goroutine draining it.
type actor[M any] struct {
	id       ActorID
	name     string
	receiver Receiver[M]
	opts     ActorOptions
	logger   *slog.Logger

	// Mailbox. queue is guarded by mu; notify wakes the loop.
	mu     sync.Mutex
	queue  []envelope[M]
	closed bool
	notify chan struct{}

	// Context for controlling the Actor lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// Closed once the loop has exited and PostStop has run
	exited chan struct{}

	// Reply slots handed to the receiver that it has not fulfilled yet.
	// Only the loop goroutine touches this slice.
	outstanding []slot

	// Atomic counters for statistics
	state             int32 // ActorState
	messagesProcessed uint64
	pendingReplies    int32
	createdAt         time.Time
	lastMessageAt     int64 // Unix nanoseconds
}

func newActor[M any](parent context.Context, id ActorID, r Receiver[M], opts ActorOptions, logger *slog.Logger) *actor[M] {
	ctx, cancel := context.WithCancel(parent)

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("actor-%d", id)
	}

	a := &actor[M]{
		id:        id,
		name:      name,
		receiver:  r,
		opts:      opts,
		logger:    logger.With("actor", name),
		queue:     make([]envelope[M], 0, opts.MailboxSize),
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		exited:    make(chan struct{}),
		createdAt: time.Now(),
	}
	atomic.StoreInt32(&a.state, int32(ActorStateIdle))
	return a
}

// ID returns the unique identifier of this Actor.
func (a *actor[M]) ID() ActorID {
	return a.id
}

// push appends an envelope to the mailbox without blocking.
func (a *actor[M]) push(env envelope[M]) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActorGone, a.name)
	}
	a.queue = append(a.queue, env)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest envelope, if any.
func (a *actor[M]) pop() (envelope[M], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return envelope[M]{}, false
	}
	env := a.queue[0]
	a.queue[0] = envelope[M]{}
	a.queue = a.queue[1:]
	if len(a.queue) == 0 {
		// Reuse the backing array instead of letting it creep forward.
		a.queue = a.queue[:0:cap(a.queue)]
	}
	return env, true
}

// shutdown tears the Actor down without waiting for queued messages.
func (a *actor[M]) shutdown() {
	a.cancel()
}

func (a *actor[M]) done() <-chan struct{} {
	return a.exited
}

// Stats returns current runtime statistics for this Actor.
func (a *actor[M]) Stats() ActorStats {
	var lastMessageAt time.Time
	if last := atomic.LoadInt64(&a.lastMessageAt); last > 0 {
		lastMessageAt = time.Unix(0, last)
	}

	a.mu.Lock()
	queued := len(a.queue)
	a.mu.Unlock()

	return ActorStats{
		ID:                a.id,
		Name:              a.name,
		State:             ActorState(atomic.LoadInt32(&a.state)),
		MessagesProcessed: atomic.LoadUint64(&a.messagesProcessed),
		MailboxSize:       queued,
		PendingReplies:    int(atomic.LoadInt32(&a.pendingReplies)),
		CreatedAt:         a.createdAt,
		LastMessageAt:     lastMessageAt,
	}
}

// messageLoop is the main processing loop for the Actor.
func (a *actor[M]) messageLoop() {
	defer a.terminate()

	for {
		if a.ctx.Err() != nil {
			return
		}

		env, ok := a.pop()
		if !ok {
			select {
			case <-a.notify:
				continue
			case <-a.ctx.Done():
				return
			}
		}

		if env.stop {
			return
		}
		a.processMessage(env)
	}
}

// processMessage handles a single message.
func (a *actor[M]) processMessage(env envelope[M]) {
	atomic.StoreInt32(&a.state, int32(ActorStateRunning))
	defer atomic.StoreInt32(&a.state, int32(ActorStateIdle))

	atomic.AddUint64(&a.messagesProcessed, 1)
	atomic.StoreInt64(&a.lastMessageAt, time.Now().UnixNano())

	ctx := a.ctx
	if a.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(a.ctx, a.opts.ProcessTimeout)
		defer cancel()
	}

	a.receive(ctx, env)

	if env.slot != nil && !env.slot.fulfilled() {
		// The receiver deferred its reply (e.g. waiting on a remote peer).
		a.outstanding = append(a.outstanding, env.slot)
	}
	a.sweepOutstanding()
}

// receive runs the receiver, converting a panic into a failed reply.
func (a *actor[M]) receive(ctx context.Context, env envelope[M]) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("receiver panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if env.slot != nil {
				env.slot.fail(fmt.Errorf("%w: %v", ErrReceivePanic, r))
			}
		}
	}()
	a.receiver.Receive(ctx, env.msg)
}

// sweepOutstanding drops deferred slots that have been fulfilled since.
func (a *actor[M]) sweepOutstanding() {
	kept := a.outstanding[:0]
	for _, s := range a.outstanding {
		if !s.fulfilled() {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(a.outstanding); i++ {
		a.outstanding[i] = nil
	}
	a.outstanding = kept
	atomic.StoreInt32(&a.pendingReplies, int32(len(kept)))
}

// terminate closes the mailbox and fails every reply the Actor still owes.
func (a *actor[M]) terminate() {
	atomic.StoreInt32(&a.state, int32(ActorStateStopping))

	a.mu.Lock()
	a.closed = true
	rest := a.queue
	a.queue = nil
	a.mu.Unlock()

	gone := fmt.Errorf("%w: %s", ErrActorGone, a.name)
	for _, env := range rest {
		if env.slot != nil {
			env.slot.fail(gone)
		}
	}
	for _, s := range a.outstanding {
		s.fail(gone)
	}
	a.outstanding = nil
	atomic.StoreInt32(&a.pendingReplies, 0)

	if stopper, ok := a.receiver.(PostStopper); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("PostStop panicked", "panic", r)
				}
			}()
			stopper.PostStop()
		}()
	}

	a.cancel()
	atomic.StoreInt32(&a.state, int32(ActorStateStopped))
	a.logger.Debug("actor stopped",
		"messages_processed", atomic.LoadUint64(&a.messagesProcessed),
		"rejected", len(rest),
	)
	close(a.exited)
}
