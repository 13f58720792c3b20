package snetd

import (
	"context"
	"time"
)

// ============================================================================
// Gateway Hook Context Types
// ============================================================================

// ValidateContext contains information passed to validation hooks
type ValidateContext struct {
	Ctx          context.Context
	Method       string
	JobAddress   string
	JobSignature string
	Timestamp    time.Time
}

// ValidateResultContext contains the validation outcome and context
type ValidateResultContext struct {
	ValidateContext
	Valid    bool
	Duration time.Duration
}

// SettlementContext contains information passed to settlement hooks
type SettlementContext struct {
	JobAddress   string
	JobSignature string
	// Resumed is true for runs scheduled by the startup scan.
	Resumed   bool
	Timestamp time.Time
}

// SettlementResultContext contains a mined settlement and context
type SettlementResultContext struct {
	SettlementContext
	Result   *Settlement
	Duration time.Duration
}

// SettlementFailureContext contains a settlement failure and context
type SettlementFailureContext struct {
	SettlementContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Gateway Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the request is rejected as unauthorized with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Gateway Hook Function Types
// ============================================================================

// BeforeValidateHook is called before a job invocation is validated
// If it returns a result with Abort=true, validation is skipped and the
// request is rejected
type BeforeValidateHook func(ValidateContext) (*BeforeHookResult, error)

// AfterValidateHook is called after a validation that returned without error
// Any error returned will be logged but will not affect the request
type AfterValidateHook func(ValidateResultContext) error

// AfterSettlementHook is called after a settlement transaction is mined
// Any error returned will be logged
type AfterSettlementHook func(SettlementResultContext) error

// OnSettlementFailureHook is called when a settlement run fails
// Any error returned will be logged
type OnSettlementFailureHook func(SettlementFailureContext) error

// Hooks groups gateway lifecycle hooks.
type Hooks struct {
	BeforeValidate      []BeforeValidateHook
	AfterValidate       []AfterValidateHook
	AfterSettlement     []AfterSettlementHook
	OnSettlementFailure []OnSettlementFailureHook
}

func (h Hooks) merge(other Hooks) Hooks {
	h.BeforeValidate = append(h.BeforeValidate, other.BeforeValidate...)
	h.AfterValidate = append(h.AfterValidate, other.AfterValidate...)
	h.AfterSettlement = append(h.AfterSettlement, other.AfterSettlement...)
	h.OnSettlementFailure = append(h.OnSettlementFailure, other.OnSettlementFailure...)
	return h
}
