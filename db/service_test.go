package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/najoast/fleetdash/event"
	"github.com/najoast/fleetdash/fleet"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func startService(t *testing.T) (Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc, err := Start(nil, Options{
		Store:      NewMemoryStore(),
		Subscriber: rec,
		Now:        func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		svc.Stop()
		<-svc.Done()
	})
	return svc, rec
}

func TestInitializeAndGetClient(t *testing.T) {
	svc, rec := startService(t)
	ctx := context.Background()

	if err := svc.InitializeClient("alice", "10.0.0.1:3485", "1.2.0"); err != nil {
		t.Fatalf("InitializeClient: %v", err)
	}

	state, err := svc.GetClient(ctx, "alice")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if state.Status.Address != "10.0.0.1:3485" || state.Status.Version != "1.2.0" {
		t.Errorf("unexpected state %+v", state)
	}

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if ev, ok := events[0].(event.NodeConnected); !ok || ev.Name != "alice" {
		t.Errorf("expected NodeConnected alice, got %#v", events[0])
	}
}

func TestGetUnknownClient(t *testing.T) {
	svc, _ := startService(t)

	_, err := svc.GetClient(context.Background(), "alice")
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestStatusChangeEmitsOnlyOnDifference(t *testing.T) {
	svc, rec := startService(t)
	ctx := context.Background()

	svc.InitializeClient("alice", "a:1", "1")
	running := fleet.NodeStatus{State: fleet.NodeStateRunning, Address: "a:1", Version: "1"}
	svc.UpdateStatus("alice", running)
	svc.UpdateStatus("alice", running)
	svc.UpdateStatus("bob", running)

	state, err := svc.GetClient(ctx, "alice")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if state.Status.State != fleet.NodeStateRunning {
		t.Errorf("expected running, got %s", state.Status.State)
	}

	changes := 0
	for _, ev := range rec.snapshot() {
		if _, ok := ev.(event.NodeStatusChanged); ok {
			changes++
		}
	}
	if changes != 1 {
		t.Errorf("expected 1 status change, got %d", changes)
	}
}

func TestDisconnectMarksNode(t *testing.T) {
	svc, rec := startService(t)

	svc.InitializeClient("alice", "a:1", "1")
	svc.ClientDisconnected("alice")

	state, err := svc.GetClient(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if state.Status.State != fleet.NodeStateDisconnected {
		t.Errorf("expected disconnected, got %s", state.Status.State)
	}
	events := rec.snapshot()
	if _, ok := events[len(events)-1].(event.NodeDisconnected); !ok {
		t.Errorf("expected NodeDisconnected last, got %#v", events[len(events)-1])
	}
}

func TestGetConnections(t *testing.T) {
	svc, _ := startService(t)

	svc.InitializeClient("alice", "a:1", "1")
	svc.InitializeClient("bob", "b:1", "1")
	svc.InitializeClient("carol", "c:1", "1")
	svc.UpdateStatus("alice", fleet.NodeStatus{State: fleet.NodeStateRunning, Address: "a:1", Peers: []string{"b:1", "x:9"}})
	svc.UpdateStatus("bob", fleet.NodeStatus{State: fleet.NodeStateRunning, Address: "b:1", Peers: []string{"a:1", "c:1"}})

	conns, err := svc.GetConnections(context.Background())
	if err != nil {
		t.Fatalf("GetConnections: %v", err)
	}
	want := []fleet.NodeConnection{{NodeA: "alice", NodeB: "bob"}, {NodeA: "bob", NodeB: "carol"}}
	if len(conns) != len(want) {
		t.Fatalf("expected %v, got %v", want, conns)
	}
	for i := range want {
		if conns[i] != want[i] {
			t.Errorf("connection %d: expected %v, got %v", i, want[i], conns[i])
		}
	}
}

func TestClientExtra(t *testing.T) {
	svc, _ := startService(t)
	ctx := context.Background()

	extra, err := svc.GetClientExtra(ctx, "alice")
	if err != nil || extra != nil {
		t.Fatalf("expected nil extra, got %+v, %v", extra, err)
	}

	opt := fleet.StartOption{Env: "RUST_LOG=info", Args: "--port 1"}
	svc.SaveStartOption("alice", opt)
	extra, err = svc.GetClientExtra(ctx, "alice")
	if err != nil {
		t.Fatalf("GetClientExtra: %v", err)
	}
	if extra == nil || extra.StartOption != opt {
		t.Errorf("unexpected extra %+v", extra)
	}
}

func TestLogsAndTargets(t *testing.T) {
	svc, rec := startService(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	svc.WriteLogs("alice", []fleet.LogLine{
		{Timestamp: base, Level: "INFO", Target: "net", Message: "peer connected"},
		{Timestamp: base.Add(time.Second), Level: "WARN", Target: "sync", Message: "slow block"},
	})
	svc.WriteLogs("bob", []fleet.LogLine{
		{Timestamp: base.Add(2 * time.Second), Level: "info", Target: "net", Message: "Peer dropped"},
	})

	targets, err := svc.GetLogTargets(ctx)
	if err != nil {
		t.Fatalf("GetLogTargets: %v", err)
	}
	if len(targets) != 2 || targets[0] != "net" || targets[1] != "sync" {
		t.Errorf("unexpected targets %v", targets)
	}

	logs, err := svc.GetLogs(ctx, fleet.LogQuery{
		Filter:  fleet.LogFilter{Levels: []string{"info"}},
		Search:  "peer",
		OrderBy: fleet.OrderDESC,
	})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].NodeName != "bob" || logs[1].NodeName != "alice" {
		t.Errorf("unexpected logs %+v", logs)
	}

	appended := 0
	for _, ev := range rec.snapshot() {
		if _, ok := ev.(event.LogsAppended); ok {
			appended++
		}
	}
	if appended != 2 {
		t.Errorf("expected 2 LogsAppended events, got %d", appended)
	}
}

func TestNetworkUsagePrune(t *testing.T) {
	svc, _ := startService(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	svc.RecordNetworkUsage("alice", []fleet.NetworkUsage{
		{Timestamp: base, Peer: "b:1", Bytes: 10},
		{Timestamp: base.Add(time.Hour), Peer: "b:1", Bytes: 20},
	})
	svc.PruneNetworkUsage(base.Add(time.Minute))

	rows, err := svc.GetNetworkUsage(ctx, "alice", fleet.UsageQuery{})
	if err != nil {
		t.Fatalf("GetNetworkUsage: %v", err)
	}
	if len(rows) != 1 || rows[0].Bytes != 20 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestStoppedServiceReportsGone(t *testing.T) {
	svc, err := Start(nil, Options{Store: NewMemoryStore()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()
	<-svc.Done()

	if err := svc.InitializeClient("alice", "", ""); err == nil {
		t.Error("expected error sending to stopped service")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := svc.GetClientsState(ctx); err == nil {
		t.Error("expected error asking stopped service")
	}
}
