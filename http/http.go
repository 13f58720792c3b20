// Package http serves the daemon over JSON-RPC 2.0 and forwards admitted
// requests to the backend service.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	snetd "github.com/singnet/snetd"
)

// JSONRPCVersion is the only protocol version accepted.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
	CodeUnauthorized   = -32001
	CodeSettlement     = -32002
	CodeChainError     = -32003
)

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// newResult builds a success response. A nil result is sent as null.
func newResult(id json.RawMessage, result json.RawMessage) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: JSONRPCVersion, Result: result, ID: id}
}

func newError(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, Error: rpcErr, ID: id}
}

// ToRPCError maps err to a JSON-RPC error and the HTTP status a single
// (non-batch) response is sent with.
func ToRPCError(err error) (*RPCError, int) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, statusForCode(rpcErr.Code)
	}

	de, ok := snetd.AsDaemonError(err)
	if !ok {
		return &RPCError{Code: CodeServerError, Message: "internal error"}, http.StatusInternalServerError
	}

	data := map[string]any{"reason": de.Code}
	for k, v := range de.Details {
		data[k] = v
	}
	out := &RPCError{Message: de.Message, Data: data}

	switch de.Code {
	case snetd.ErrCodeInvalidParams:
		out.Code = CodeInvalidParams
	case snetd.ErrCodeMethodNotFound:
		out.Code = CodeMethodNotFound
	case snetd.ErrCodeUnauthorized:
		out.Code = CodeUnauthorized
	case snetd.ErrCodeChainUnavailable:
		out.Code = CodeChainError
	case snetd.ErrCodeSettlementFailed:
		out.Code = CodeSettlement
	default:
		out.Code = CodeServerError
	}
	return out, statusForCode(out.Code)
}

func statusForCode(code int) int {
	switch code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeMethodNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeChainError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
