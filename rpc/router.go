package rpc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// DispatchFunc is one stage of request handling.
type DispatchFunc[C any] func(ctx C, req *Request) *Response

// Middleware wraps dispatch, in the order given to Use.
type Middleware[C any] func(next DispatchFunc[C]) DispatchFunc[C]

// ErrorMapper converts a handler error that is not an *Error into one.
type ErrorMapper func(err error) *Error

// Router is a name-indexed table of handlers sharing the context type C.
// Routes and middleware are registered during initialization; after that
// the Router is read-only and Dispatch may be called from any goroutine.
type Router[C any] struct {
	routes     map[string]Handler[C]
	middleware []Middleware[C]
	mapError   ErrorMapper
	dispatchFn DispatchFunc[C]
}

// NewRouter creates an empty Router.
func NewRouter[C any]() *Router[C] {
	r := &Router[C]{
		routes:   make(map[string]Handler[C]),
		mapError: Internal,
	}
	r.dispatchFn = r.dispatch
	return r
}

// AddRoute registers handler under name. Registering a name twice is a
// programming error and panics.
func (r *Router[C]) AddRoute(name string, handler Handler[C]) {
	if name == "" {
		panic("rpc: empty method name")
	}
	if handler == nil {
		panic(fmt.Sprintf("rpc: nil handler for %q", name))
	}
	if _, exists := r.routes[name]; exists {
		panic(fmt.Sprintf("rpc: method %q registered twice", name))
	}
	r.routes[name] = handler
}

// Use appends middleware around dispatch.
func (r *Router[C]) Use(mw ...Middleware[C]) {
	r.middleware = append(r.middleware, mw...)
	next := DispatchFunc[C](r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		next = r.middleware[i](next)
	}
	r.dispatchFn = next
}

// SetErrorMapper sets the mapping from domain errors to RPC errors.
func (r *Router[C]) SetErrorMapper(mapper ErrorMapper) {
	if mapper == nil {
		mapper = Internal
	}
	r.mapError = mapper
}

// Methods returns the registered method names, sorted.
func (r *Router[C]) Methods() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs req through the middleware chain and its handler and
// always returns exactly one Response.
func (r *Router[C]) Dispatch(ctx C, req *Request) *Response {
	resp := r.dispatchFn(ctx, req)
	if resp == nil {
		resp = Failure(req.ID, NewError(CodeInternal, "no response produced"))
	}
	return resp
}

func (r *Router[C]) dispatch(ctx C, req *Request) *Response {
	handler, ok := r.routes[req.Method]
	if !ok {
		return Failure(req.ID, MethodNotFound(req.Method))
	}

	value, err := handler.Call(ctx, req.Params)
	if err != nil {
		return Failure(req.ID, r.toError(err))
	}

	result, err := json.Marshal(value)
	if err != nil {
		return Failure(req.ID, NewError(CodeInternal, "encode result: %v", err))
	}
	return Success(req.ID, result)
}

func (r *Router[C]) toError(err error) *Error {
	if rpcErr, ok := AsError(err); ok {
		return rpcErr
	}
	if mapped := r.mapError(err); mapped != nil {
		return mapped
	}
	return Internal(err)
}

// nullable reports whether a JSON null is a meaningful value for *out.
func nullable(out any) bool {
	t := reflect.TypeOf(out)
	if t == nil || t.Kind() != reflect.Pointer {
		return false
	}
	switch t.Elem().Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	default:
		return false
	}
}
