// Package rpc provides the JSON-RPC routing layer shared by the dashboard API
// and the node-control protocol.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternal       ErrorCode = -32603

	// Application codes
	CodeEntityNotFound ErrorCode = -32001
	CodeUnauthorized   ErrorCode = -32002
	CodeRateLimited    ErrorCode = -32005
)

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case CodeParseError:
		return "ParseError"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidParams:
		return "InvalidParams"
	case CodeInternal:
		return "Internal"
	case CodeEntityNotFound:
		return "EntityNotFound"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeRateLimited:
		return "RateLimited"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error half of a Response. Handlers may return it directly to
// pick a code; any other error goes through the Router's ErrorMapper.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// MethodNotFound reports an unregistered method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method %q not found", method)
}

// InvalidParams reports a parameter decode failure.
func InvalidParams(format string, args ...any) *Error {
	return NewError(CodeInvalidParams, format, args...)
}

// EntityNotFound reports a missing domain entity, e.g. an unknown node.
func EntityNotFound(format string, args ...any) *Error {
	return NewError(CodeEntityNotFound, format, args...)
}

// Internal wraps a failure not otherwise classified.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// Request is one call: a method name and positional raw parameters.
// A nil ID marks a notification, which gets no response on the wire.
type Request struct {
	ID     json.RawMessage
	Method string
	Params []json.RawMessage
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a tagged union: exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Success builds a successful Response.
func Success(id json.RawMessage, result json.RawMessage) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{ID: id, Result: result}
}

// Failure builds an error Response.
func Failure(id json.RawMessage, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// IsError reports whether the Response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}
