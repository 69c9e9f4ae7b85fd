package event

import (
	"context"
	"testing"
	"time"

	"github.com/najoast/fleetdash/core"
)

type envelope struct {
	ev Event
}

func TestPropagatorDeliversInOrder(t *testing.T) {
	got := make(chan Event, 16)
	h, err := core.SpawnFunc(nil, core.ActorOptions{Name: "sink"}, struct{}{},
		func(_ context.Context, _ *struct{}, msg envelope) {
			got <- msg.ev
		})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop()

	p := NewPropagator(h, func(ev Event) envelope { return envelope{ev: ev} }, nil)
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		p.Publish(NodeDisconnected{Name: name})
	}

	for _, want := range names {
		select {
		case ev := <-got:
			d, ok := ev.(NodeDisconnected)
			if !ok || d.Name != want {
				t.Fatalf("expected NodeDisconnected %s, got %#v", want, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPropagatorDropsWhenTargetGone(t *testing.T) {
	h, err := core.SpawnFunc(nil, core.ActorOptions{}, 0,
		func(_ context.Context, n *int, _ envelope) { *n++ })
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Stop()
	<-h.Done()

	p := NewPropagator(h, func(ev Event) envelope { return envelope{ev: ev} }, nil)
	// Must return without blocking or panicking.
	p.Publish(LogsAppended{Name: "a"})
}

func TestEventMethodsAreDistinct(t *testing.T) {
	events := []Event{
		NodeConnected{}, NodeDisconnected{}, NodeStatusChanged{},
		LogsAppended{}, NetworkUsageRecorded{},
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		if seen[ev.Method()] {
			t.Errorf("duplicate method %s", ev.Method())
		}
		seen[ev.Method()] = true
	}
}
