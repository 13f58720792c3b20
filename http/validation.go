package http

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema describes a JSON-RPC 2.0 request with named params.
const requestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["jsonrpc", "method"],
	"properties": {
		"jsonrpc": {"type": "string", "enum": ["2.0"]},
		"method": {"type": "string", "minLength": 1},
		"params": {"type": "object"},
		"id": {"type": ["string", "number", "null"]}
	}
}`

var loadRequestSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
})

// ValidateRequest checks one request object against the JSON-RPC 2.0 envelope
// and decodes it.
//
// Positional (array) params are rejected with CodeInvalidParams; every other
// envelope violation is CodeInvalidRequest. The id, when it could be read, is
// returned so the error response can echo it.
func ValidateRequest(raw json.RawMessage) (*Request, json.RawMessage, *RPCError) {
	id := peekID(raw)

	schema, err := loadRequestSchema()
	if err != nil {
		return nil, id, &RPCError{Code: CodeServerError, Message: fmt.Sprintf("request schema: %v", err)}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, id, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid request: %v", err)}
	}

	if !result.Valid() {
		var msgs []string
		paramsOnly := true
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
			if desc.Field() != "params" {
				paramsOnly = false
			}
		}
		code, prefix := CodeInvalidRequest, "invalid request"
		if paramsOnly {
			code, prefix = CodeInvalidParams, "invalid params: params must be an object"
		}
		return nil, id, &RPCError{Code: code, Message: prefix, Data: strings.Join(msgs, "; ")}
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, id, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid request: %v", err)}
	}
	return &req, req.ID, nil
}

// peekID extracts the id member of raw if it is an object with a scalar id.
func peekID(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if len(envelope.ID) == 0 {
		return nil
	}
	switch envelope.ID[0] {
	case '{', '[':
		return nil
	}
	return envelope.ID
}
