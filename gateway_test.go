package snetd

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/singnet/snetd/ledger"
)

const (
	testJob = "0xAbCd00000000000000000000000000000000aBcD"
	testSig = "0x" + "11111111111111111111111111111111111111111111111111111111111111112222222222222222222222222222222222222222222222222222222222222222" + "1b"
)

func canonicalTestJob() string {
	return common.HexToAddress(testJob).Hex()
}

type fakeValidator struct {
	mu    sync.Mutex
	valid bool
	err   error
	calls int
	gate  chan struct{}
}

func (v *fakeValidator) Validate(_ context.Context, _, _ string) (bool, error) {
	v.mu.Lock()
	v.calls++
	gate := v.gate
	v.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return v.valid, v.err
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (c *fakeCompleter) Complete(ctx context.Context, jobAddress, _ string) (*Settlement, error) {
	c.mu.Lock()
	c.calls = append(c.calls, jobAddress)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Settlement{RunID: "run", JobAddress: jobAddress, TxHash: "0xfeed"}, nil
}

func (c *fakeCompleter) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type recordingBackend struct {
	mu      sync.Mutex
	methods []string
	params  []map[string]any
	err     error
}

func (b *recordingBackend) Forward(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.methods = append(b.methods, method)
	b.params = append(b.params, params)
	if b.err != nil {
		return nil, b.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type gatewayFixture struct {
	gateway   *Gateway
	ledger    *ledger.Ledger
	validator *fakeValidator
	completer *fakeCompleter
	backend   *recordingBackend
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		ledger:    ledger.New(ledger.NewMemoryBackend()),
		validator: &fakeValidator{valid: true},
		completer: &fakeCompleter{},
		backend:   &recordingBackend{},
	}
	base := []GatewayOption{
		WithLedger(f.ledger),
		WithValidator(f.validator),
		WithCompleter(f.completer),
		WithBackend(f.backend),
	}
	g, err := NewGateway([]string{"classify"}, append(base, opts...)...)
	require.NoError(t, err)
	f.gateway = g
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Close(ctx)
		_ = f.ledger.Close()
	})
	return f
}

func requestParams() map[string]any {
	return map[string]any{
		ParamJobAddress:   testJob,
		ParamJobSignature: testSig,
		"image":           "cat.png",
	}
}

func TestNewGatewayRequiresCollaborators(t *testing.T) {
	_, err := NewGateway([]string{"m"})
	assert.Error(t, err)

	_, err = NewGateway([]string{"m"}, WithBackend(&recordingBackend{}))
	assert.Error(t, err)

	g, err := NewGateway([]string{"m"}, WithBackend(&recordingBackend{}), WithGatingDisabled())
	require.NoError(t, err)
	assert.False(t, g.GatingEnabled())

	_, err = NewGateway([]string{""}, WithBackend(&recordingBackend{}), WithGatingDisabled())
	assert.Error(t, err)
}

func TestInvokeAccepted(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	result, err := f.gateway.Invoke(ctx, "classify", requestParams())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	require.Len(t, f.backend.params, 1)
	assert.Equal(t, map[string]any{"image": "cat.png"}, f.backend.params[0])

	rec, err := f.ledger.Get(ctx, canonicalTestJob())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Completed)
	assert.Equal(t, testSig, rec.JobSignature)
	// No record existed, so the contract admitted the job.
	assert.Equal(t, ledger.StateFunded, rec.State)

	settlement, err := f.gateway.WaitForSettlement(ctx, testJob)
	require.NoError(t, err)
	require.NotNil(t, settlement)
	assert.Equal(t, "0xfeed", settlement.TxHash)
	assert.Equal(t, []string{canonicalTestJob()}, f.completer.Calls())
}

func TestInvokeRejected(t *testing.T) {
	f := newGatewayFixture(t)
	f.validator.valid = false

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnauthorized))

	assert.Empty(t, f.backend.methods)
	rec, err := f.ledger.Get(context.Background(), canonicalTestJob())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.completer.Calls())
}

func TestInvokeErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params map[string]any
		setup  func(f *gatewayFixture)
		code   string
	}{
		{
			name:   "unknown method",
			method: "nope",
			params: requestParams(),
			code:   ErrCodeMethodNotFound,
		},
		{
			name:   "missing job address",
			method: "classify",
			params: map[string]any{ParamJobSignature: testSig},
			code:   ErrCodeInvalidParams,
		},
		{
			name:   "missing job signature",
			method: "classify",
			params: map[string]any{ParamJobAddress: testJob},
			code:   ErrCodeInvalidParams,
		},
		{
			name:   "non-string job address",
			method: "classify",
			params: map[string]any{ParamJobAddress: 42, ParamJobSignature: testSig},
			code:   ErrCodeInvalidParams,
		},
		{
			name:   "malformed job address",
			method: "classify",
			params: map[string]any{ParamJobAddress: "0x12", ParamJobSignature: testSig},
			code:   ErrCodeInvalidParams,
		},
		{
			name:   "chain unavailable",
			method: "classify",
			params: requestParams(),
			setup: func(f *gatewayFixture) {
				f.validator.err = NewChainReadError("rpc down", errors.New("dial tcp"))
			},
			code: ErrCodeChainUnavailable,
		},
		{
			name:   "backend failure",
			method: "classify",
			params: requestParams(),
			setup: func(f *gatewayFixture) {
				f.backend.err = errors.New("connection reset")
			},
			code: ErrCodeBackendFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.gateway.Invoke(context.Background(), tt.method, tt.params)
			require.Error(t, err)
			assert.True(t, IsCode(err, tt.code), "got %v", err)

			rec, err := f.ledger.Get(context.Background(), canonicalTestJob())
			require.NoError(t, err)
			assert.Nil(t, rec)
			assert.Empty(t, f.completer.Calls())
		})
	}
}

func TestInvokeRejectsConcurrentDuplicate(t *testing.T) {
	f := newGatewayFixture(t)
	f.validator.gate = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
		first <- err
	}()

	require.Eventually(t, func() bool {
		f.validator.mu.Lock()
		defer f.validator.mu.Unlock()
		return f.validator.calls == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	assert.True(t, IsCode(err, ErrCodeUnauthorized))

	close(f.validator.gate)
	require.NoError(t, <-first)
	assert.Len(t, f.backend.methods, 1)
}

func TestInvokeGatingDisabled(t *testing.T) {
	backend := &recordingBackend{}
	g, err := NewGateway([]string{"classify"}, WithBackend(backend), WithGatingDisabled())
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	params := requestParams()
	result, err := g.Invoke(context.Background(), "classify", params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, params, backend.params[0])
}

func TestHooks(t *testing.T) {
	var (
		mu        sync.Mutex
		validated []bool
		settled   []*Settlement
	)
	f := newGatewayFixture(t, WithHooks(Hooks{
		AfterValidate: []AfterValidateHook{func(c ValidateResultContext) error {
			mu.Lock()
			defer mu.Unlock()
			validated = append(validated, c.Valid)
			return nil
		}},
	}))
	f.gateway.OnAfterSettlement(func(c SettlementResultContext) error {
		mu.Lock()
		defer mu.Unlock()
		settled = append(settled, c.Result)
		return nil
	})

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	require.NoError(t, err)
	_, err = f.gateway.WaitForSettlement(context.Background(), testJob)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, validated)
	require.Len(t, settled, 1)
	assert.Equal(t, "0xfeed", settled[0].TxHash)
}

func TestBeforeValidateHookAborts(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.OnBeforeValidate(func(c ValidateContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "consumer is blocked"}, nil
	})

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnauthorized))
	assert.Contains(t, err.Error(), "consumer is blocked")
	assert.Zero(t, f.validator.calls)
}

func TestSettlementFailureKeepsRecord(t *testing.T) {
	f := newGatewayFixture(t)
	f.completer.err = NewSettlementError("completion transaction reverted", nil)

	failures := make(chan error, 1)
	f.gateway.OnSettlementFailure(func(c SettlementFailureContext) error {
		failures <- c.Error
		return nil
	})

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	require.NoError(t, err)

	select {
	case err := <-failures:
		assert.True(t, IsCode(err, ErrCodeSettlementFailed))
	case <-time.After(time.Second):
		t.Fatal("settlement failure hook not called")
	}

	rec, err := f.ledger.Get(context.Background(), canonicalTestJob())
	require.NoError(t, err)
	assert.True(t, rec.PendingSettlement())
}

func TestStartResumesPendingSettlements(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	put := func(key string, rec *ledger.JobRecord) {
		_, err := f.ledger.Update(ctx, key, func(*ledger.JobRecord) (*ledger.JobRecord, error) { return rec, nil })
		require.NoError(t, err)
	}
	put("0x1000000000000000000000000000000000000001", &ledger.JobRecord{State: ledger.StateFunded, JobSignature: testSig, Completed: true})
	put("0x2000000000000000000000000000000000000002", &ledger.JobRecord{State: ledger.StateFunded})
	put("0x3000000000000000000000000000000000000003", &ledger.JobRecord{State: ledger.StateFunded, Completed: true})

	require.NoError(t, f.gateway.Start(ctx))

	settlement, err := f.gateway.WaitForSettlement(ctx, "0x1000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.NotNil(t, settlement)
	assert.Equal(t, []string{"0x1000000000000000000000000000000000000001"}, f.completer.Calls())
}

func TestCloseCancelsStuckSettlements(t *testing.T) {
	f := newGatewayFixture(t)
	f.completer.block = make(chan struct{})

	_, err := f.gateway.Invoke(context.Background(), "classify", requestParams())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.gateway.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Closing twice is a no-op.
	assert.NoError(t, f.gateway.Close(context.Background()))
}

type stubSynchronizer struct {
	started chan struct{}
}

func (s *stubSynchronizer) Run(ctx context.Context) error {
	close(s.started)
	<-ctx.Done()
	return nil
}

func TestStartRunsSynchronizer(t *testing.T) {
	stub := &stubSynchronizer{started: make(chan struct{})}
	f := newGatewayFixture(t, WithSynchronizer(stub))

	require.NoError(t, f.gateway.Start(context.Background()))
	select {
	case <-stub.started:
	case <-time.After(time.Second):
		t.Fatal("synchronizer not started")
	}
	require.NoError(t, f.gateway.Close(context.Background()))
}

func TestMethods(t *testing.T) {
	g, err := NewGateway([]string{"b", "a"}, WithBackend(&recordingBackend{}), WithGatingDisabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.Methods())
	assert.True(t, g.HasMethod("a"))
	assert.False(t, g.HasMethod("c"))
}
