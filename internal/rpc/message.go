package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is an inbound call. ID and Params keep their raw encoding; a nil ID
// means the member was absent.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// ErrorObject is the "error" member of an error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// resultResponse always carries "result", even when the value is null.
type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ErrorObject    `json:"error"`
}

// inbound is a validated message: either a request or a response.
type inbound struct {
	request  *Request
	response map[string]json.RawMessage
}

var errNotObject = errors.New("message is not a JSON object")

func parseMessage(raw []byte) (*inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if fields == nil {
		return nil, errNotObject
	}

	var version string
	v, ok := fields["jsonrpc"]
	if !ok {
		return nil, errors.New(`missing "jsonrpc" member`)
	}
	if err := json.Unmarshal(v, &version); err != nil || !isString(v) {
		return nil, fmt.Errorf(`"jsonrpc" must be the string %q`, Version)
	}
	if version != Version {
		return nil, fmt.Errorf(`unsupported jsonrpc version %q`, version)
	}

	m, ok := fields["method"]
	if !ok {
		return &inbound{response: fields}, nil
	}
	if !isString(m) {
		return nil, errors.New(`"method" must be a string`)
	}
	req := &Request{ID: fields["id"]}
	if err := json.Unmarshal(m, &req.Method); err != nil {
		return nil, fmt.Errorf("decode method: %w", err)
	}
	if p := fields["params"]; len(p) > 0 && !isNull(p) {
		req.Params = p
	}
	return &inbound{request: req}, nil
}

func isString(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '"'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
