// Package jsonrpc implements newline-delimited JSON-RPC 2.0 framing over a
// pair of byte streams, with request/response correlation by id.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every frame.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ErrConnectionClosed is returned for calls pending when the connection ends.
var ErrConnectionClosed = errors.New("jsonrpc: connection closed")

// Request is an outbound or inbound JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a request without an id; no response is expected.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a reply to a request, carrying either a result or an error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface, so a remote error can be surfaced
// directly to callers.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: remote error %d: %s", e.Code, e.Message)
}

// envelope is the structural superset used to classify inbound frames.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// hasID reports whether the frame carried a non-null id.
func (e *envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// isResponse reports whether the frame is a response (result or error present).
func (e *envelope) isResponse() bool {
	return len(e.Result) > 0 || e.Error != nil
}
