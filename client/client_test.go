package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/fleet"
	"github.com/najoast/fleetdash/rpc"
)

// fakeSocket records what the hub writes to an agent.
type fakeSocket struct {
	id   string
	sent chan []byte

	once sync.Once
	done chan struct{}
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id, sent: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(data []byte) error {
	select {
	case <-f.done:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- append([]byte(nil), data...)
	return nil
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSocket) Done() <-chan struct{} { return f.done }

func (f *fakeSocket) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.sent:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return nil
	}
}

func spawnTestNode(t *testing.T, sock *fakeSocket) Node {
	t.Helper()
	node, err := SpawnNode(nil, NodeOptions{Socket: sock})
	if err != nil {
		t.Fatalf("SpawnNode: %v", err)
	}
	t.Cleanup(func() { node.shutdown() })
	return node
}

func startTestManager(t *testing.T) Manager {
	t.Helper()
	m, err := StartManager(nil, core.ActorOptions{}, nil)
	if err != nil {
		t.Fatalf("StartManager: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestManagerRegistry(t *testing.T) {
	ctx := context.Background()
	m := startTestManager(t)
	a := spawnTestNode(t, newFakeSocket("a"))
	b := spawnTestNode(t, newFakeSocket("b"))

	if err := m.Register(ctx, "alpha", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(ctx, "alpha", b); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
	if _, err := m.Get(ctx, "beta"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}

	// A dead holder no longer blocks the name.
	a.shutdown()
	<-a.Done()
	if err := m.Register(ctx, "alpha", b); err != nil {
		t.Fatalf("Register after holder stopped: %v", err)
	}

	// A stale unregister must not evict the new holder.
	m.Unregister("alpha", a)
	got, err := m.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != b {
		t.Error("expected alpha to be bound to the second node")
	}

	if err := m.Register(ctx, "gamma", spawnTestNode(t, newFakeSocket("c"))); err != nil {
		t.Fatalf("Register gamma: %v", err)
	}
	names, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "alpha,gamma" {
		t.Errorf("unexpected names %v", names)
	}

	m.Unregister("alpha", b)
	if _, err := m.Get(ctx, "alpha"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound after unregister, got %v", err)
	}
}

func parseSentRequest(t *testing.T, data []byte) *rpc.Request {
	t.Helper()
	req, resp := rpc.ParseRequest(data)
	if resp != nil {
		t.Fatalf("hub sent a malformed request %s: %v", data, resp.Error)
	}
	return req
}

func TestNodeCallsAnsweredOutOfOrder(t *testing.T) {
	sock := newFakeSocket("n1")
	node := spawnTestNode(t, sock)
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() { startErr <- node.Start(ctx, fleet.StartOption{Env: "dev", Args: "--fast"}) }()
	startReq := parseSentRequest(t, sock.next(t))

	stopErr := make(chan error, 1)
	go func() { stopErr <- node.Stop(ctx) }()
	stopReq := parseSentRequest(t, sock.next(t))

	if startReq.Method != MethodStartNode || stopReq.Method != MethodStopNode {
		t.Fatalf("unexpected methods %s, %s", startReq.Method, stopReq.Method)
	}
	if len(startReq.Params) != 1 {
		t.Fatalf("expected 1 start param, got %d", len(startReq.Params))
	}
	var opt fleet.StartOption
	if err := json.Unmarshal(startReq.Params[0], &opt); err != nil || opt.Env != "dev" {
		t.Errorf("unexpected start option %s", startReq.Params[0])
	}

	// The actor kept serving while the first call was outstanding; answer
	// the second call first.
	node.Deliver(rpc.Failure(stopReq.ID, rpc.NewError(-1, "not running")))
	node.Deliver(rpc.Success(startReq.ID, nil))

	select {
	case err := <-stopErr:
		var nodeErr *NodeError
		if !errors.As(err, &nodeErr) {
			t.Fatalf("expected NodeError, got %v", err)
		}
		if nodeErr.Method != MethodStopNode || nodeErr.Message != "not running" {
			t.Errorf("unexpected node error %+v", nodeErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop call did not return")
	}
	select {
	case err := <-startErr:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start call did not return")
	}
}

func TestNodeExpiresUnansweredCall(t *testing.T) {
	sock := newFakeSocket("n4")
	node, err := SpawnNode(nil, NodeOptions{Socket: sock, CallTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("SpawnNode: %v", err)
	}
	t.Cleanup(func() { node.shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- node.Stop(ctx) }()
	req := parseSentRequest(t, sock.next(t))

	// No other call follows; the entry must still be dropped.
	select {
	case err := <-errCh:
		if !errors.Is(err, core.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unanswered call was not expired")
	}

	// The agent answering late is ignored, and the node keeps serving.
	if err := node.Deliver(rpc.Success(req.ID, nil)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	go func() { errCh <- node.Start(ctx, fleet.StartOption{}) }()
	next := parseSentRequest(t, sock.next(t))
	if next.Method != MethodStartNode {
		t.Fatalf("unexpected request %s", next.Method)
	}
	node.Deliver(rpc.Success(next.ID, nil))
	if err := <-errCh; err != nil {
		t.Errorf("Start after expiry: %v", err)
	}
}

func TestNodeStopFailsPendingCalls(t *testing.T) {
	sock := newFakeSocket("n2")
	node := spawnTestNode(t, sock)

	errCh := make(chan error, 1)
	go func() {
		errCh <- node.Update(context.Background(), fleet.StartOption{}, fleet.UpdateRequest{Source: "git"})
	}()
	req := parseSentRequest(t, sock.next(t))
	if req.Method != MethodUpdateNode || len(req.Params) != 2 {
		t.Fatalf("unexpected update request %s with %d params", req.Method, len(req.Params))
	}

	node.shutdown()
	select {
	case err := <-errCh:
		if !errors.Is(err, core.ErrActorGone) {
			t.Errorf("expected ErrActorGone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on shutdown")
	}
}

func TestNodeSendFailure(t *testing.T) {
	sock := newFakeSocket("n3")
	node := spawnTestNode(t, sock)
	sock.Close()

	if err := node.Stop(context.Background()); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected socket error, got %v", err)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// agentConn drives AgentServer.Serve the way an agent would.
type agentConn struct {
	t      *testing.T
	sock   *fakeSocket
	in     chan []byte
	nextID int
	done   chan struct{}
}

func connectAgent(t *testing.T, srv *AgentServer, id string) *agentConn {
	t.Helper()
	c := &agentConn{t: t, sock: newFakeSocket(id), in: make(chan []byte), done: make(chan struct{})}
	read := func() ([]byte, error) {
		data, ok := <-c.in
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
	go func() {
		defer close(c.done)
		srv.Serve(context.Background(), c.sock, read)
	}()
	return c
}

func (c *agentConn) call(method string, params ...any) *rpc.Response {
	c.t.Helper()
	c.nextID++
	data, err := rpc.EncodeRequest(json.RawMessage(strconv.Itoa(c.nextID)), method, params...)
	if err != nil {
		c.t.Fatalf("EncodeRequest: %v", err)
	}
	c.in <- data
	resp, err := rpc.ParseResponse(c.sock.next(c.t))
	if err != nil {
		c.t.Fatalf("ParseResponse: %v", err)
	}
	return resp
}

func (c *agentConn) disconnect() {
	close(c.in)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.t.Fatal("Serve did not return after disconnect")
	}
}

func errorCode(resp *rpc.Response) rpc.ErrorCode {
	if resp.Error == nil {
		return 0
	}
	return resp.Error.Code
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentSession(t *testing.T) {
	ctx := context.Background()
	store, err := db.Start(nil, db.Options{Store: db.NewMemoryStore()})
	if err != nil {
		t.Fatalf("db.Start: %v", err)
	}
	defer store.Stop()
	manager := startTestManager(t)
	notes := &recordingNotifier{}
	srv := NewAgentServer(AgentServerConfig{
		Manager:    manager,
		DB:         store,
		Notifier:   notes,
		Passphrase: "pw",
	})

	agent := connectAgent(t, srv, "conn-1")

	if code := errorCode(agent.call(MethodStatus, fleet.NodeStatus{State: fleet.NodeStateRunning})); code != rpc.CodeUnauthorized {
		t.Errorf("status before hello: expected Unauthorized, got %v", code)
	}
	if code := errorCode(agent.call(MethodHello, "alpha", HelloRequest{Version: "1.0", Passphrase: "nope"})); code != rpc.CodeUnauthorized {
		t.Errorf("wrong passphrase: expected Unauthorized, got %v", code)
	}
	if resp := agent.call(MethodHello, "alpha", HelloRequest{Version: "1.0", Address: "10.0.0.1:3485", Passphrase: "pw"}); resp.Error != nil {
		t.Fatalf("hello: %v", resp.Error)
	}
	if code := errorCode(agent.call(MethodHello, "alpha", HelloRequest{Passphrase: "pw"})); code != rpc.CodeInvalidRequest {
		t.Errorf("second hello: expected InvalidRequest, got %v", code)
	}
	if code := errorCode(agent.call(MethodStatus, fleet.NodeStatus{State: "sleeping"})); code != rpc.CodeInvalidParams {
		t.Errorf("bad state: expected InvalidParams, got %v", code)
	}

	// A second agent may not take a live name.
	other := connectAgent(t, srv, "conn-2")
	if code := errorCode(other.call(MethodHello, "alpha", HelloRequest{Passphrase: "pw"})); code != rpc.CodeInvalidRequest {
		t.Errorf("duplicate name: expected InvalidRequest, got %v", code)
	}
	other.disconnect()

	for _, st := range []fleet.NodeState{fleet.NodeStateRunning, fleet.NodeStateError, fleet.NodeStateError} {
		if resp := agent.call(MethodStatus, fleet.NodeStatus{State: st}); resp.Error != nil {
			t.Fatalf("status %s: %v", st, resp.Error)
		}
	}
	line := fleet.LogLine{Timestamp: time.Now(), Level: "INFO", Target: "net", Message: "hi"}
	if resp := agent.call(MethodLogs, []fleet.LogLine{line}); resp.Error != nil {
		t.Fatalf("logs: %v", resp.Error)
	}

	client, err := store.GetClient(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if client.Status.State != fleet.NodeStateError {
		t.Errorf("expected error state, got %s", client.Status.State)
	}
	logs, err := store.GetLogs(ctx, fleet.LogQuery{})
	if err != nil || len(logs) != 1 || logs[0].NodeName != "alpha" {
		t.Errorf("unexpected logs %v (%v)", logs, err)
	}

	// Hub-to-agent calls travel over the same connection.
	node, err := manager.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("manager.Get: %v", err)
	}
	stopErr := make(chan error, 1)
	go func() { stopErr <- node.Stop(ctx) }()
	req := parseSentRequest(t, agent.sock.next(t))
	if req.Method != MethodStopNode {
		t.Fatalf("expected %s, got %s", MethodStopNode, req.Method)
	}
	reply, _ := rpc.EncodeResponse(rpc.Success(req.ID, nil))
	agent.in <- reply
	if err := <-stopErr; err != nil {
		t.Errorf("node.Stop: %v", err)
	}

	agent.disconnect()
	eventually(t, func() bool {
		_, err := manager.Get(ctx, "alpha")
		return errors.Is(err, ErrNodeNotFound)
	})
	eventually(t, func() bool {
		c, err := store.GetClient(ctx, "alpha")
		return err == nil && c.Status.State == fleet.NodeStateDisconnected
	})

	msgs := notes.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 notifications, got %v", msgs)
	}
	if !strings.Contains(msgs[0], "error") || !strings.Contains(msgs[1], "disconnected") {
		t.Errorf("unexpected notifications %v", msgs)
	}
}
