package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// counterMsg is the message set of a simple counter Actor.
type counterMsg struct {
	add   int
	seq   int
	get   Reply[int]
	incr  Reply[int]
	block chan struct{}
	boom  bool
}

type counter struct {
	value int
	seen  []int
}

func (c *counter) Receive(ctx context.Context, msg counterMsg) {
	if msg.block != nil {
		<-msg.block
	}
	if msg.boom {
		panic("boom")
	}
	c.value += msg.add
	if msg.seq > 0 {
		c.seen = append(c.seen, msg.seq)
	}
	if msg.incr.Asked() {
		c.value++
		msg.incr.Ok(c.value)
	}
	msg.get.Ok(c.value)
}

func spawnCounter(t *testing.T, sys *System) (Handle[counterMsg], *counter) {
	t.Helper()
	c := &counter{}
	h, err := Spawn[counterMsg](sys, ActorOptions{Name: "counter"}, c)
	if err != nil {
		t.Fatalf("Failed to spawn counter: %v", err)
	}
	return h, c
}

func getValue(t *testing.T, h Handle[counterMsg]) int {
	t.Helper()
	v, err := Ask(context.Background(), h, func(r Reply[int]) counterMsg { return counterMsg{get: r} })
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	return v
}

func TestSendAndAsk(t *testing.T) {
	sys := NewSystem(nil, DefaultActorOptions())
	defer sys.Shutdown(context.Background())

	h, _ := spawnCounter(t, sys)

	if err := h.Send(counterMsg{add: 5}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got := getValue(t, h); got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
	if h.Name() != "counter" {
		t.Errorf("Expected name 'counter', got '%s'", h.Name())
	}
}

func TestFIFOFromSingleSender(t *testing.T) {
	sys := NewSystem(nil, DefaultActorOptions())
	defer sys.Shutdown(context.Background())

	h, c := spawnCounter(t, sys)

	const n = 1000
	for i := 1; i <= n; i++ {
		if err := h.Send(counterMsg{seq: i}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	// The ask is queued behind every send above, so the state it observes
	// includes all of them.
	getValue(t, h)

	if len(c.seen) != n {
		t.Fatalf("Expected %d processed messages, got %d", n, len(c.seen))
	}
	for i, seq := range c.seen {
		if seq != i+1 {
			t.Fatalf("Message %d processed out of order: got seq %d", i, seq)
		}
	}
}

func TestConcurrentIncrementsAreSerialized(t *testing.T) {
	sys := NewSystem(nil, DefaultActorOptions())
	defer sys.Shutdown(context.Background())

	h, _ := spawnCounter(t, sys)

	const callers = 100
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Ask(context.Background(), h, func(r Reply[int]) counterMsg { return counterMsg{incr: r} })
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Increment failed: %v", err)
	}

	if got := getValue(t, h); got != callers {
		t.Errorf("Expected %d, got %d", callers, got)
	}
}

func TestAskStoppedActorReturnsGone(t *testing.T) {
	h, _ := spawnCounter(t, nil)

	if err := h.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not stop")
	}

	done := make(chan error, 1)
	go func() {
		_, err := Ask(context.Background(), h, func(r Reply[int]) counterMsg { return counterMsg{get: r} })
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrActorGone) {
			t.Fatalf("Expected ErrActorGone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask against a stopped actor blocked")
	}

	if err := h.Send(counterMsg{add: 1}); !errors.Is(err, ErrActorGone) {
		t.Errorf("Expected ErrActorGone from Send, got %v", err)
	}
}

func TestQueuedAsksFailWhenActorStops(t *testing.T) {
	h, _ := spawnCounter(t, nil)

	block := make(chan struct{})
	if err := h.Send(counterMsg{block: block}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	// Queued behind the stop marker: must be rejected, not lost.
	result := make(chan error, 1)
	go func() {
		_, err := Ask(context.Background(), h, func(r Reply[int]) counterMsg { return counterMsg{get: r} })
		result <- err
	}()

	// Give the ask a moment to be enqueued before releasing the actor.
	time.Sleep(20 * time.Millisecond)
	close(block)

	select {
	case err := <-result:
		if !errors.Is(err, ErrActorGone) {
			t.Fatalf("Expected ErrActorGone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued ask was never answered")
	}
}

// deferring keeps every reply for later, like an Actor waiting on a peer.
type deferring struct {
	kept []Reply[string]
}

func (d *deferring) Receive(ctx context.Context, msg Reply[string]) {
	d.kept = append(d.kept, msg)
}

func TestDeferredRepliesFailOnShutdown(t *testing.T) {
	sys := NewSystem(nil, DefaultActorOptions())
	h, err := Spawn[Reply[string]](sys, ActorOptions{Name: "deferring"}, &deferring{})
	if err != nil {
		t.Fatalf("Failed to spawn: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := Ask(context.Background(), h, func(r Reply[string]) Reply[string] { return r })
		result <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().PendingReplies == 0 {
		if time.Now().After(deadline) {
			t.Fatal("deferred reply was never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("Failed to shutdown: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrActorGone) {
			t.Fatalf("Expected ErrActorGone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred ask was never answered")
	}
}

func TestAskTimeout(t *testing.T) {
	h, err := Spawn[Reply[string]](nil, ActorOptions{}, &deferring{})
	if err != nil {
		t.Fatalf("Failed to spawn: %v", err)
	}
	defer h.Stop()

	_, err = AskTimeout(h, 30*time.Millisecond, func(r Reply[string]) Reply[string] { return r })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestReceivePanicFailsAskAndKeepsRunning(t *testing.T) {
	h, _ := spawnCounter(t, nil)
	defer h.Stop()

	_, err := Ask(context.Background(), h, func(r Reply[int]) counterMsg { return counterMsg{boom: true, get: r} })
	if !errors.Is(err, ErrReceivePanic) {
		t.Fatalf("Expected ErrReceivePanic, got %v", err)
	}

	if got := getValue(t, h); got != 0 {
		t.Errorf("Expected actor to keep running with value 0, got %d", got)
	}
}

func TestDomainErrorPassesThrough(t *testing.T) {
	errNope := errors.New("nope")
	h, err := SpawnFunc(nil, ActorOptions{}, 0, func(ctx context.Context, state *int, r Reply[int]) {
		r.Err(errNope)
	})
	if err != nil {
		t.Fatalf("Failed to spawn: %v", err)
	}
	defer h.Stop()

	_, err = Ask(context.Background(), h, func(r Reply[int]) Reply[int] { return r })
	if !errors.Is(err, errNope) {
		t.Fatalf("Expected domain error, got %v", err)
	}
}

func TestReplyIsSingleUse(t *testing.T) {
	s := &replySlot[int]{ch: make(chan result[int], 1)}
	r := Reply[int]{s: s}

	if !r.Ok(1) {
		t.Fatal("first reply should be delivered")
	}
	if r.Ok(2) {
		t.Error("second reply should be rejected")
	}
	if (Reply[int]{}).Ok(3) {
		t.Error("zero reply should report false")
	}
	if res := <-s.ch; res.value != 1 {
		t.Errorf("Expected 1, got %d", res.value)
	}
}

func TestSystemStatsAndShutdown(t *testing.T) {
	sys := NewSystem(nil, DefaultActorOptions())

	h1, _ := spawnCounter(t, sys)
	h2, _ := spawnCounter(t, sys)
	getValue(t, h1)
	getValue(t, h2)

	stats := sys.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected 2 actors in stats, got %d", len(stats))
	}
	if stats[0].ID >= stats[1].ID {
		t.Errorf("Expected stats ordered by ID, got %d then %d", stats[0].ID, stats[1].ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("Failed to shutdown system: %v", err)
	}
	if sys.Len() != 0 {
		t.Errorf("Expected no live actors, got %d", sys.Len())
	}
	if _, err := Spawn[counterMsg](sys, ActorOptions{}, &counter{}); !errors.Is(err, ErrSystemShutdown) {
		t.Errorf("Expected ErrSystemShutdown, got %v", err)
	}
	if h1.Stats().State != ActorStateStopped {
		t.Errorf("Expected state %s, got %s", ActorStateStopped, h1.Stats().State)
	}
}

func TestZeroHandle(t *testing.T) {
	var h Handle[int]
	if !h.IsZero() {
		t.Fatal("zero handle should report IsZero")
	}
	if err := h.Send(1); !errors.Is(err, ErrActorGone) {
		t.Errorf("Expected ErrActorGone, got %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("zero handle Done should be closed")
	}
}
