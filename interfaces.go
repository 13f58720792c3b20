package snetd

import (
	"context"
	"encoding/json"
)

// Backend is the service the daemon fronts. Forward receives the method and the
// request params with the job authorisation removed.
type Backend interface {
	Forward(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// Validator decides whether a job invocation may be serviced.
//
// Malformed input is reported as an error carrying ErrCodeInvalidParams, not
// as false.
type Validator interface {
	Validate(ctx context.Context, jobAddress, jobSignature string) (bool, error)
}

// Completer settles a serviced job on-chain. Complete blocks until the
// settlement transaction is mined or ctx is done.
type Completer interface {
	Complete(ctx context.Context, jobAddress, jobSignature string) (*Settlement, error)
}

// Synchronizer mirrors chain state into the ledger until ctx is done.
type Synchronizer interface {
	Run(ctx context.Context) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)

// Forward calls f.
func (f BackendFunc) Forward(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, method, params)
}
