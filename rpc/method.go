package rpc

import (
	"bytes"
	"encoding/json"
)

// Handler is the uniform capability the route table stores: decode raw
// params into the handler's own shape, run, and return the result.
// Decode failures must be returned as InvalidParams before any business
// logic runs.
type Handler[C any] interface {
	Call(ctx C, params []json.RawMessage) (any, error)
}

// HandlerFunc adapts a function over raw params to Handler.
type HandlerFunc[C any] func(ctx C, params []json.RawMessage) (any, error)

// Call calls f(ctx, params).
func (f HandlerFunc[C]) Call(ctx C, params []json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Method0 adapts a handler taking no parameters.
func Method0[C, R any](fn func(C) (R, error)) Handler[C] {
	return HandlerFunc[C](func(ctx C, params []json.RawMessage) (any, error) {
		if err := checkArity(params, 0); err != nil {
			return nil, err
		}
		return fn(ctx)
	})
}

// Method1 adapts a handler taking one positional parameter.
func Method1[C, A, R any](fn func(C, A) (R, error)) Handler[C] {
	return HandlerFunc[C](func(ctx C, params []json.RawMessage) (any, error) {
		if err := checkArity(params, 1); err != nil {
			return nil, err
		}
		var a A
		if err := decodeParam(params, 0, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	})
}

// Method2 adapts a handler taking two positional parameters.
func Method2[C, A, B, R any](fn func(C, A, B) (R, error)) Handler[C] {
	return HandlerFunc[C](func(ctx C, params []json.RawMessage) (any, error) {
		if err := checkArity(params, 2); err != nil {
			return nil, err
		}
		var a A
		if err := decodeParam(params, 0, &a); err != nil {
			return nil, err
		}
		var b B
		if err := decodeParam(params, 1, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	})
}

// Method3 adapts a handler taking three positional parameters.
func Method3[C, A, B, D, R any](fn func(C, A, B, D) (R, error)) Handler[C] {
	return HandlerFunc[C](func(ctx C, params []json.RawMessage) (any, error) {
		if err := checkArity(params, 3); err != nil {
			return nil, err
		}
		var a A
		if err := decodeParam(params, 0, &a); err != nil {
			return nil, err
		}
		var b B
		if err := decodeParam(params, 1, &b); err != nil {
			return nil, err
		}
		var d D
		if err := decodeParam(params, 2, &d); err != nil {
			return nil, err
		}
		return fn(ctx, a, b, d)
	})
}

// Empty is the result of handlers that only report success.
type Empty struct{}

// MarshalJSON encodes Empty as null.
func (Empty) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

func checkArity(params []json.RawMessage, want int) error {
	if len(params) != want {
		return InvalidParams("expected %d params, got %d", want, len(params))
	}
	return nil
}

// decodeParam decodes params[i] strictly: unknown struct fields and
// trailing data are rejected, and a JSON null is only accepted for
// pointer, slice, map and interface targets.
func decodeParam(params []json.RawMessage, i int, out any) error {
	raw := bytes.TrimSpace(params[i])
	if len(raw) == 0 {
		return InvalidParams("param %d is empty", i)
	}
	if bytes.Equal(raw, []byte("null")) && !nullable(out) {
		return InvalidParams("param %d must not be null", i)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return InvalidParams("param %d: %v", i, err)
	}
	if dec.More() {
		return InvalidParams("param %d: trailing data", i)
	}
	return nil
}
