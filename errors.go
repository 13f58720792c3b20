package snetd

import (
	"errors"
	"fmt"
)

// DaemonError is an error with a client-facing class.
type DaemonError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *DaemonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DaemonError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *DaemonError) Transient() bool {
	switch e.Code {
	case ErrCodeChainUnavailable, ErrCodeBackendFailed:
		return true
	}
	return false
}

// Error codes
const (
	// ErrCodeInvalidParams: missing or malformed job_address / job_signature.
	ErrCodeInvalidParams = "invalid_params"
	// ErrCodeUnauthorized: the job does not authorise this invocation.
	ErrCodeUnauthorized = "unauthorized"
	// ErrCodeChainUnavailable: the chain could not be read.
	ErrCodeChainUnavailable = "chain_unavailable"
	// ErrCodeSettlementFailed: a completeJob transaction failed.
	ErrCodeSettlementFailed = "settlement_failed"
	// ErrCodeMethodNotFound: the method is not in the registry.
	ErrCodeMethodNotFound = "method_not_found"
	// ErrCodeBackendFailed: the backend service call failed.
	ErrCodeBackendFailed = "backend_failed"
)

// NewDaemonError creates a new daemon error
func NewDaemonError(code, message string, err error) *DaemonError {
	return &DaemonError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail returns e with key set in Details.
func (e *DaemonError) WithDetail(key string, value interface{}) *DaemonError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewParameterError reports a missing or malformed request parameter.
func NewParameterError(message string, err error) *DaemonError {
	return NewDaemonError(ErrCodeInvalidParams, message, err)
}

// NewAuthorizationError reports a rejected job invocation.
func NewAuthorizationError(message string) *DaemonError {
	return NewDaemonError(ErrCodeUnauthorized, message, nil)
}

// NewChainReadError reports a failed chain read.
func NewChainReadError(message string, err error) *DaemonError {
	return NewDaemonError(ErrCodeChainUnavailable, message, err)
}

// NewSettlementError reports a failed settlement.
func NewSettlementError(message string, err error) *DaemonError {
	return NewDaemonError(ErrCodeSettlementFailed, message, err)
}

// AsDaemonError returns the first DaemonError in err's chain.
func AsDaemonError(err error) (*DaemonError, bool) {
	var de *DaemonError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	de, ok := AsDaemonError(err)
	return ok && de.Code == code
}
