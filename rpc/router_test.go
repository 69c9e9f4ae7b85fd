package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

var errMissing = errors.New("missing")

type testCtx struct {
	calls *int
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func newTestRouter() *Router[testCtx] {
	r := NewRouter[testCtx]()
	r.AddRoute("ping", Method0(func(ctx testCtx) (string, error) {
		*ctx.calls++
		return "pong", nil
	}))
	r.AddRoute("node_getInfo", Method1(func(ctx testCtx, name string) (map[string]string, error) {
		*ctx.calls++
		if name != "bob" {
			return nil, errMissing
		}
		return map[string]string{"name": name}, nil
	}))
	r.AddRoute("add", Method2(func(ctx testCtx, a, b int) (int, error) {
		*ctx.calls++
		return a + b, nil
	}))
	r.AddRoute("move", Method3(func(ctx testCtx, p point, dx int, tags []string) (point, error) {
		*ctx.calls++
		return point{X: p.X + dx, Y: p.Y + len(tags)}, nil
	}))
	r.SetErrorMapper(func(err error) *Error {
		if errors.Is(err, errMissing) {
			return EntityNotFound("%v", err)
		}
		return nil
	})
	return r
}

func params(t *testing.T, values ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestDispatchPing(t *testing.T) {
	calls := 0
	r := newTestRouter()

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{ID: json.RawMessage("1"), Method: "ping"})
	if resp.IsError() {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.Result) != `"pong"` {
		t.Errorf("expected \"pong\", got %s", resp.Result)
	}
	if string(resp.ID) != "1" {
		t.Errorf("expected id 1, got %s", resp.ID)
	}
}

func TestDispatchMappedError(t *testing.T) {
	calls := 0
	r := newTestRouter()

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: "node_getInfo", Params: params(t, `"alice"`)})
	if !resp.IsError() {
		t.Fatalf("expected error, got %s", resp.Result)
	}
	if resp.Error.Code != CodeEntityNotFound {
		t.Errorf("expected EntityNotFound, got %v", resp.Error.Code)
	}
}

func TestDispatchUnmappedErrorIsInternal(t *testing.T) {
	calls := 0
	r := NewRouter[testCtx]()
	r.AddRoute("boom", Method0(func(testCtx) (int, error) {
		return 0, errors.New("boom")
	}))

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: "boom"})
	if !resp.IsError() || resp.Error.Code != CodeInternal {
		t.Fatalf("expected Internal, got %+v", resp)
	}
	if resp.Error.Message != "boom" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestDispatchRPCErrorPassesThrough(t *testing.T) {
	calls := 0
	r := NewRouter[testCtx]()
	r.AddRoute("deny", Method0(func(testCtx) (int, error) {
		return 0, NewError(CodeUnauthorized, "no")
	}))

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: "deny"})
	if !resp.IsError() || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %+v", resp)
	}
}

func TestMethodNotFoundInvokesNothing(t *testing.T) {
	calls := 0
	r := newTestRouter()

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: "nope"})
	if !resp.IsError() || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
	if calls != 0 {
		t.Errorf("expected no handler calls, got %d", calls)
	}
}

func TestInvalidParamsHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params []string
	}{
		{"missing param", "node_getInfo", nil},
		{"extra param", "ping", []string{`1`}},
		{"wrong type", "node_getInfo", []string{`42`}},
		{"null for value", "add", []string{`null`, `1`}},
		{"second of two wrong", "add", []string{`1`, `"x"`}},
		{"unknown field", "move", []string{`{"x":1,"z":2}`, `1`, `[]`}},
		{"trailing data", "add", []string{`1 2`, `3`}},
		{"too many", "add", []string{`1`, `2`, `3`}},
	}

	r := newTestRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: tt.method, Params: params(t, tt.params...)})
			if !resp.IsError() || resp.Error.Code != CodeInvalidParams {
				t.Fatalf("expected InvalidParams, got %+v", resp)
			}
			if calls != 0 {
				t.Errorf("handler ran %d times", calls)
			}
		})
	}
}

func TestNullableParams(t *testing.T) {
	calls := 0
	r := newTestRouter()

	resp := r.Dispatch(testCtx{calls: &calls}, &Request{
		Method: "move",
		Params: params(t, `{"x":1,"y":2}`, `3`, `null`),
	})
	if resp.IsError() {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var got point
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got != (point{X: 4, Y: 2}) {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestAddRouteDuplicatePanics(t *testing.T) {
	r := newTestRouter()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.AddRoute("ping", Method0(func(testCtx) (string, error) { return "", nil }))
}

func TestMethods(t *testing.T) {
	got := strings.Join(newTestRouter().Methods(), ",")
	if got != "add,move,node_getInfo,ping" {
		t.Errorf("unexpected methods %s", got)
	}
}

func TestMiddlewareOrderAndRecover(t *testing.T) {
	var order []string
	tag := func(name string) Middleware[testCtx] {
		return func(next DispatchFunc[testCtx]) DispatchFunc[testCtx] {
			return func(ctx testCtx, req *Request) *Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	logger := slog.New(slog.DiscardHandler)
	r := NewRouter[testCtx]()
	r.AddRoute("panic", Method0(func(testCtx) (int, error) { panic("bad") }))
	r.Use(Logging[testCtx](logger), Recover[testCtx](logger), tag("a"), tag("b"))

	calls := 0
	resp := r.Dispatch(testCtx{calls: &calls}, &Request{Method: "panic"})
	if !resp.IsError() || resp.Error.Code != CodeInternal {
		t.Fatalf("expected Internal, got %+v", resp)
	}
	if strings.Join(order, "") != "ab" {
		t.Errorf("unexpected middleware order %v", order)
	}
}

func TestRateLimit(t *testing.T) {
	r := newTestRouter()
	r.Use(RateLimit[testCtx](rate.NewLimiter(rate.Every(1<<62), 2)))

	calls := 0
	ctx := testCtx{calls: &calls}
	for i := 0; i < 2; i++ {
		if resp := r.Dispatch(ctx, &Request{Method: "ping"}); resp.IsError() {
			t.Fatalf("call %d: unexpected error %v", i, resp.Error)
		}
	}
	resp := r.Dispatch(ctx, &Request{Method: "ping"})
	if !resp.IsError() || resp.Error.Code != CodeRateLimited {
		t.Fatalf("expected RateLimited, got %+v", resp)
	}
	if calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		code    ErrorCode
		nParams int
	}{
		{"array params", `{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]}`, 0, 2},
		{"absent params", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, 0, 0},
		{"null params", `{"jsonrpc":"2.0","id":1,"method":"ping","params":null}`, 0, 0},
		{"object params", `{"jsonrpc":"2.0","id":1,"method":"add","params":{"a":1}}`, CodeInvalidParams, 0},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest, 0},
		{"garbage", `{"jsonrpc":`, CodeParseError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, failure := ParseRequest([]byte(tt.input))
			if tt.code != 0 {
				if failure == nil || failure.Error.Code != tt.code {
					t.Fatalf("expected %v, got %+v", tt.code, failure)
				}
				return
			}
			if failure != nil {
				t.Fatalf("unexpected failure %v", failure.Error)
			}
			if len(req.Params) != tt.nParams {
				t.Errorf("expected %d params, got %d", tt.nParams, len(req.Params))
			}
		})
	}
}

func TestEncodeResponse(t *testing.T) {
	data, err := EncodeResponse(Success(json.RawMessage("7"), json.RawMessage(`"pong"`)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"jsonrpc":"2.0","id":7,"result":"pong"}` {
		t.Errorf("unexpected encoding %s", data)
	}

	data, err = EncodeResponse(Failure(nil, MethodNotFound("x")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"id":null`) || !strings.Contains(string(data), `"code":-32601`) {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestRequestRoundTripThroughMessage(t *testing.T) {
	data, err := EncodeRequest(json.RawMessage("3"), "shell_startNode", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, resp, err := ParseMessage(data)
	if err != nil || resp != nil {
		t.Fatalf("expected request, got resp=%v err=%v", resp, err)
	}
	if req.Method != "shell_startNode" || len(req.Params) != 1 || string(req.ID) != "3" {
		t.Errorf("unexpected request %+v", req)
	}

	reply, _ := EncodeResponse(Failure(json.RawMessage("3"), NewError(CodeInternal, "disk full")))
	_, resp, err = ParseMessage(reply)
	if err != nil || resp == nil {
		t.Fatalf("expected response, got err=%v", err)
	}
	if resp.Error == nil || resp.Error.Message != "disk full" {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := ParseResponse(data); !errors.Is(err, ErrNotResponse) {
		t.Errorf("expected ErrNotResponse, got %v", err)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := EncodeNotification("nodeStatusChanged", "a")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, failure := ParseRequest(data)
	if failure != nil {
		t.Fatalf("parse: %v", failure.Error)
	}
	if !req.IsNotification() {
		t.Errorf("expected notification, got id %s", req.ID)
	}
}
