// Package snetd is a metering daemon that admits requests to a backend service
// only when they carry a funded, consumer-signed job from the Agent contract,
// and settles each serviced job on-chain afterwards.
package snetd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/singnet/snetd/evm"
	"github.com/singnet/snetd/ledger"
)

// Gateway admits requests and drives settlement of the jobs it services.
type Gateway struct {
	mu sync.RWMutex

	ledger       *ledger.Ledger
	validator    Validator
	completer    Completer
	synchronizer Synchronizer
	backend      Backend
	logger       *slog.Logger
	hooks        Hooks
	gating       bool
	settleTTL    time.Duration

	methods map[string]struct{}

	tracker *SettlementTracker

	claimsMu sync.Mutex
	claims   map[string]struct{}

	// runCtx outlives requests; settlement runs and the synchronizer use it.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	runs       sync.WaitGroup
	closed     bool
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLedger sets the job ledger.
func WithLedger(l *ledger.Ledger) GatewayOption {
	return func(g *Gateway) { g.ledger = l }
}

// WithValidator sets the invocation validator.
func WithValidator(v Validator) GatewayOption {
	return func(g *Gateway) { g.validator = v }
}

// WithCompleter sets the completion submitter.
func WithCompleter(c Completer) GatewayOption {
	return func(g *Gateway) { g.completer = c }
}

// WithSynchronizer sets the event synchronizer started by Start.
func WithSynchronizer(s Synchronizer) GatewayOption {
	return func(g *Gateway) { g.synchronizer = s }
}

// WithBackend sets the backend service.
func WithBackend(b Backend) GatewayOption {
	return func(g *Gateway) { g.backend = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithHooks appends lifecycle hooks.
func WithHooks(h Hooks) GatewayOption {
	return func(g *Gateway) { g.hooks = g.hooks.merge(h) }
}

// WithSettlementTTL sets how long finished settlements are remembered.
func WithSettlementTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) { g.settleTTL = ttl }
}

// WithGatingDisabled turns the gateway into a plain pass-through: no
// validation, no ledger writes, no settlement.
func WithGatingDisabled() GatewayOption {
	return func(g *Gateway) { g.gating = false }
}

// NewGateway creates a gateway serving methods.
func NewGateway(methods []string, opts ...GatewayOption) (*Gateway, error) {
	g := &Gateway{
		gating:    true,
		settleTTL: DefaultSettlementTTL,
		methods:   make(map[string]struct{}, len(methods)),
		claims:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")

	if g.backend == nil {
		return nil, errors.New("backend is required")
	}
	if g.gating {
		switch {
		case g.ledger == nil:
			return nil, errors.New("ledger is required when gating is enabled")
		case g.validator == nil:
			return nil, errors.New("validator is required when gating is enabled")
		case g.completer == nil:
			return nil, errors.New("completer is required when gating is enabled")
		}
	}

	for _, m := range methods {
		if m == "" {
			return nil, errors.New("method names must not be empty")
		}
		g.methods[m] = struct{}{}
	}

	g.tracker = NewSettlementTracker(g.settleTTL)
	g.runCtx, g.cancelRuns = context.WithCancel(context.Background())
	return g, nil
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (g *Gateway) OnBeforeValidate(hook BeforeValidateHook) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks.BeforeValidate = append(g.hooks.BeforeValidate, hook)
	return g
}

func (g *Gateway) OnAfterValidate(hook AfterValidateHook) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks.AfterValidate = append(g.hooks.AfterValidate, hook)
	return g
}

func (g *Gateway) OnAfterSettlement(hook AfterSettlementHook) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks.AfterSettlement = append(g.hooks.AfterSettlement, hook)
	return g
}

func (g *Gateway) OnSettlementFailure(hook OnSettlementFailureHook) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks.OnSettlementFailure = append(g.hooks.OnSettlementFailure, hook)
	return g
}

// Methods returns the served method names in sorted order.
func (g *Gateway) Methods() []string {
	out := make([]string, 0, len(g.methods))
	for m := range g.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// HasMethod reports whether method is served.
func (g *Gateway) HasMethod(method string) bool {
	_, ok := g.methods[method]
	return ok
}

// GatingEnabled reports whether requests are validated against the chain.
func (g *Gateway) GatingEnabled() bool {
	return g.gating
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start schedules settlement of every job that was serviced but not settled by
// a previous run, then starts the synchronizer in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.gating {
		return nil
	}

	var pending []*ledger.JobRecord
	var keys []string
	err := g.ledger.Range(ctx, func(key string, rec *ledger.JobRecord) error {
		if rec.PendingSettlement() {
			keys = append(keys, key)
			pending = append(pending, rec)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan ledger: %w", err)
	}

	for i, key := range keys {
		g.logger.Info("resuming settlement of completed job", "job_address", key)
		g.scheduleCompletion(key, pending[i].JobSignature, true)
	}

	if g.synchronizer != nil {
		syncCtx, cancel := context.WithCancel(g.runCtx)
		done := make(chan struct{})

		g.mu.Lock()
		g.syncCancel = cancel
		g.syncDone = done
		g.mu.Unlock()

		go func() {
			defer close(done)
			if err := g.synchronizer.Run(syncCtx); err != nil {
				g.logger.Error("event synchronizer exited", "error", err)
			}
		}()
	}
	return nil
}

// Close stops the synchronizer and waits for in-flight settlement runs until
// ctx is done, after which remaining runs are cancelled.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	syncCancel, syncDone := g.syncCancel, g.syncDone
	g.mu.Unlock()

	if syncCancel != nil {
		syncCancel()
		<-syncDone
	}

	done := make(chan struct{})
	go func() {
		g.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancelRuns()
		return nil
	case <-ctx.Done():
		g.logger.Warn("cancelling in-flight settlements", "count", g.tracker.Running())
		g.cancelRuns()
		<-done
		return ctx.Err()
	}
}

// ============================================================================
// Request path
// ============================================================================

// Invoke admits one request for method.
//
// With gating enabled the job is validated, the request is forwarded, the job
// is marked completed in the ledger, and settlement is scheduled without
// waiting for it. The ledger write happens before the response is returned so a
// crash after forwarding still leaves the job for the startup resume scan.
func (g *Gateway) Invoke(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if !g.HasMethod(method) {
		return nil, NewDaemonError(ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", method), nil)
	}
	if params == nil {
		params = map[string]any{}
	}

	if !g.gating {
		return g.forward(ctx, method, params)
	}

	jobAddress, jobSignature, err := JobParams(params)
	if err != nil {
		return nil, err
	}
	job, err := evm.ParseAddress(jobAddress)
	if err != nil {
		return nil, NewParameterError("invalid job_address", err)
	}
	key := job.Hex()
	logger := g.logger.With("method", method, "job_address", key)

	if !g.claim(key) {
		logger.Warn("rejected concurrent invocation of job")
		return nil, NewAuthorizationError("job invocation already in progress")
	}
	defer g.release(key)

	// A record present now and gone after forwarding was deleted by an
	// observed JobCompleted and must not be recreated.
	prior, err := g.ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	known := prior != nil

	if err := g.validate(ctx, method, key, jobSignature); err != nil {
		logger.Info("job invocation rejected", "error", err)
		return nil, g.annotateSettled(key, err)
	}

	result, err := g.forward(ctx, method, StripJobParams(params))
	if err != nil {
		logger.Error("backend call failed", "error", err)
		return nil, err
	}

	// The request has been served: this write must not fail because the caller
	// went away.
	completedOnChain := false
	_, err = g.ledger.Update(context.WithoutCancel(ctx), key, func(rec *ledger.JobRecord) (*ledger.JobRecord, error) {
		if rec == nil {
			if known {
				completedOnChain = true
				return nil, nil
			}
			// Accepted by the contract before the funding event was mirrored.
			rec = &ledger.JobRecord{State: ledger.StateFunded}
		}
		rec.JobSignature = jobSignature
		rec.Completed = true
		return rec, nil
	})
	if err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return nil, fmt.Errorf("failed to record completed job: %w", err)
	}
	if completedOnChain {
		logger.Info("job completed on-chain while it was being serviced, not settling")
		return result, nil
	}
	logger.Debug("marked job completed")

	g.scheduleCompletion(key, jobSignature, false)
	return result, nil
}

func (g *Gateway) validate(ctx context.Context, method, jobAddress, jobSignature string) error {
	g.mu.RLock()
	hooks := g.hooks
	g.mu.RUnlock()

	hookCtx := ValidateContext{
		Ctx:          ctx,
		Method:       method,
		JobAddress:   jobAddress,
		JobSignature: jobSignature,
		Timestamp:    time.Now(),
	}
	for _, hook := range hooks.BeforeValidate {
		result, err := hook(hookCtx)
		if err != nil {
			return err
		}
		if result != nil && result.Abort {
			return NewAuthorizationError(result.Reason)
		}
	}

	valid, err := g.validator.Validate(ctx, jobAddress, jobSignature)
	if err != nil {
		return err
	}

	resultCtx := ValidateResultContext{
		ValidateContext: hookCtx,
		Valid:           valid,
		Duration:        time.Since(hookCtx.Timestamp),
	}
	for _, hook := range hooks.AfterValidate {
		if err := hook(resultCtx); err != nil {
			g.logger.Warn("after validate hook failed", "error", err)
		}
	}

	if !valid {
		return NewAuthorizationError("job invocation is not authorized")
	}
	return nil
}

// annotateSettled adds the settlement transaction to a rejection of a job this
// gateway settled recently.
func (g *Gateway) annotateSettled(job string, err error) error {
	de, ok := AsDaemonError(err)
	if !ok || de.Code != ErrCodeUnauthorized {
		return err
	}
	settled := g.tracker.Settled(job)
	if settled == nil {
		return err
	}
	return de.WithDetail("tx_hash", settled.TxHash)
}

func (g *Gateway) forward(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	result, err := g.backend.Forward(ctx, method, params)
	if err != nil {
		if _, ok := AsDaemonError(err); ok {
			return nil, err
		}
		return nil, NewDaemonError(ErrCodeBackendFailed, "backend call failed", err)
	}
	return result, nil
}

func (g *Gateway) claim(key string) bool {
	g.claimsMu.Lock()
	defer g.claimsMu.Unlock()
	if _, busy := g.claims[key]; busy {
		return false
	}
	g.claims[key] = struct{}{}
	return true
}

func (g *Gateway) release(key string) {
	g.claimsMu.Lock()
	defer g.claimsMu.Unlock()
	delete(g.claims, key)
}

// ============================================================================
// Settlement
// ============================================================================

// scheduleCompletion starts a background settlement run for job unless one is
// already running or recently succeeded.
func (g *Gateway) scheduleCompletion(job, jobSignature string, resumed bool) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn("gateway closed, settlement deferred to next startup", "job_address", job)
		return
	}
	finish, ok := g.tracker.Begin(job)
	if !ok {
		g.mu.Unlock()
		if settled := g.tracker.Settled(job); settled != nil {
			g.logger.Info("job already settled, skipping", "job_address", job, "tx_hash", settled.TxHash)
		} else {
			g.logger.Debug("settlement already running", "job_address", job)
		}
		return
	}
	g.runs.Add(1)
	hooks := g.hooks
	g.mu.Unlock()

	go func() {
		defer g.runs.Done()

		hookCtx := SettlementContext{
			JobAddress:   job,
			JobSignature: jobSignature,
			Resumed:      resumed,
			Timestamp:    time.Now(),
		}

		settlement, err := g.completer.Complete(g.runCtx, job, jobSignature)
		if err != nil {
			finish(nil)
			g.logger.Error("failed to settle job", "job_address", job, "error", err)
			failureCtx := SettlementFailureContext{
				SettlementContext: hookCtx,
				Error:             err,
				Duration:          time.Since(hookCtx.Timestamp),
			}
			for _, hook := range hooks.OnSettlementFailure {
				if err := hook(failureCtx); err != nil {
					g.logger.Warn("settlement failure hook failed", "error", err)
				}
			}
			return
		}

		finish(settlement)
		g.logger.Info("settled job", "job_address", job, "tx_hash", settlement.TxHash, "run_id", settlement.RunID)
		resultCtx := SettlementResultContext{
			SettlementContext: hookCtx,
			Result:            settlement,
			Duration:          time.Since(hookCtx.Timestamp),
		}
		for _, hook := range hooks.AfterSettlement {
			if err := hook(resultCtx); err != nil {
				g.logger.Warn("after settlement hook failed", "error", err)
			}
		}
	}()
}

// WaitForSettlement blocks until the settlement run for jobAddress finishes or
// ctx is done, and returns the settlement if it succeeded.
func (g *Gateway) WaitForSettlement(ctx context.Context, jobAddress string) (*Settlement, error) {
	job, err := evm.ParseAddress(jobAddress)
	if err != nil {
		return nil, NewParameterError("invalid job_address", err)
	}
	return g.tracker.Wait(ctx, job.Hex())
}
