package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const version = "2.0"

// ErrNotResponse is returned by ParseResponse for messages that are requests.
var ErrNotResponse = errors.New("message is not a response")

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// wireMessage accepts either direction so a peer can multiplex requests and
// responses on one socket.
type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ParseRequest decodes one JSON-RPC request. On failure it returns the
// Response to send back (ParseError or InvalidRequest).
func ParseRequest(data []byte) (*Request, *Response) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, Failure(nil, NewError(CodeParseError, "%v", err))
	}
	return requestFromWire(&msg)
}

func requestFromWire(msg *wireMessage) (*Request, *Response) {
	if msg.Method == "" {
		return nil, Failure(msg.ID, NewError(CodeInvalidRequest, "missing method"))
	}

	req := &Request{ID: normalizeID(msg.ID), Method: msg.Method}
	params := bytes.TrimSpace(msg.Params)
	switch {
	case len(params) == 0, bytes.Equal(params, []byte("null")):
	case params[0] == '[':
		if err := json.Unmarshal(params, &req.Params); err != nil {
			return nil, Failure(req.ID, InvalidParams("%v", err))
		}
	default:
		return nil, Failure(req.ID, InvalidParams("params must be an array"))
	}
	return req, nil
}

// ParseMessage decodes a message that may be either a request or a
// response. Exactly one of the first two results is non-nil on success.
func ParseMessage(data []byte) (*Request, *Response, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("parse message: %w", err)
	}
	if msg.Method == "" {
		resp, err := responseFromWire(&msg)
		return nil, resp, err
	}
	req, failure := requestFromWire(&msg)
	if failure != nil {
		return nil, nil, failure.Error
	}
	return req, nil, nil
}

// ParseResponse decodes one JSON-RPC response.
func ParseResponse(data []byte) (*Response, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if msg.Method != "" {
		return nil, ErrNotResponse
	}
	return responseFromWire(&msg)
}

func responseFromWire(msg *wireMessage) (*Response, error) {
	if msg.Error != nil {
		return Failure(normalizeID(msg.ID), msg.Error), nil
	}
	if msg.Result == nil {
		return nil, fmt.Errorf("response has neither result nor error")
	}
	return Success(normalizeID(msg.ID), msg.Result), nil
}

// EncodeResponse encodes resp as a JSON-RPC 2.0 response.
func EncodeResponse(resp *Response) ([]byte, error) {
	wire := wireResponse{JSONRPC: version, ID: resp.ID, Error: resp.Error}
	if wire.ID == nil {
		wire.ID = json.RawMessage("null")
	}
	if resp.Error == nil {
		wire.Result = resp.Result
		if wire.Result == nil {
			wire.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(wire)
}

// EncodeRequest encodes a call with positional params. A nil id encodes a
// notification.
func EncodeRequest(id json.RawMessage, method string, params ...any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params of %s: %w", method, err)
	}
	return json.Marshal(wireRequest{JSONRPC: version, ID: id, Method: method, Params: raw})
}

// EncodeNotification encodes a request without id.
func EncodeNotification(method string, params ...any) ([]byte, error) {
	return EncodeRequest(nil, method, params...)
}

// normalizeID maps an explicit JSON null id to nil.
func normalizeID(id json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		return nil
	}
	return id
}
