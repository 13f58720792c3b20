package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snetd "github.com/singnet/snetd"
	"github.com/singnet/snetd/evm"
	"github.com/singnet/snetd/ledger"
)

var (
	job1     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	job2     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	consumer = common.HexToAddress("0xc0ffee0000000000000000000000000000c0ffee")
)

func created(job common.Address) evm.Event {
	return evm.Event{Kind: evm.KindJobCreated, Job: job, Consumer: consumer}
}

func funded(job common.Address) evm.Event {
	return evm.Event{Kind: evm.KindJobFunded, Job: job}
}

func completed(job common.Address) evm.Event {
	return evm.Event{Kind: evm.KindJobCompleted, Job: job}
}

func newTestSynchronizer(t *testing.T, chain *fakeChain, config SynchronizerConfig) (*Synchronizer, *ledger.Ledger, *evm.Agent) {
	t.Helper()
	agent, err := evm.NewAgent(agentAddress, chain)
	require.NoError(t, err)
	l := ledger.New(ledger.NewMemoryBackend())
	t.Cleanup(func() { _ = l.Close() })
	return NewSynchronizer(chain, agent, l, config, nil), l, agent
}

func checkpoint(t *testing.T, l *ledger.Ledger) uint64 {
	t.Helper()
	cp, ok, err := l.Checkpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return cp
}

func TestApplyCreatedThenFunded(t *testing.T) {
	ctx := context.Background()
	syncer, l, _ := newTestSynchronizer(t, newFakeChain(), SynchronizerConfig{})

	require.NoError(t, syncer.Apply(ctx, created(job1)))
	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StatePending, rec.State)
	assert.Equal(t, consumer.Hex(), rec.Consumer)

	require.NoError(t, syncer.Apply(ctx, funded(job1)))
	rec, err = l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFunded, rec.State)
	assert.Equal(t, consumer.Hex(), rec.Consumer)
}

func TestApplyFundedBeforeCreated(t *testing.T) {
	ctx := context.Background()
	syncer, l, _ := newTestSynchronizer(t, newFakeChain(), SynchronizerConfig{})

	require.NoError(t, syncer.Apply(ctx, funded(job1)))
	require.NoError(t, syncer.Apply(ctx, created(job1)))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StateFunded, rec.State)
	assert.Equal(t, consumer.Hex(), rec.Consumer)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	syncer, l, _ := newTestSynchronizer(t, newFakeChain(), SynchronizerConfig{})

	events := []evm.Event{created(job1), funded(job1)}
	for i := 0; i < 2; i++ {
		for _, ev := range events {
			require.NoError(t, syncer.Apply(ctx, ev))
		}
	}

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, &ledger.JobRecord{State: ledger.StateFunded, Consumer: consumer.Hex()}, rec)
}

func TestApplyCompletedDeletes(t *testing.T) {
	ctx := context.Background()
	syncer, l, _ := newTestSynchronizer(t, newFakeChain(), SynchronizerConfig{})

	require.NoError(t, syncer.Apply(ctx, created(job1)))
	require.NoError(t, syncer.Apply(ctx, funded(job1)))
	require.NoError(t, syncer.Apply(ctx, completed(job1)))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Completion of a job never seen is a no-op.
	require.NoError(t, syncer.Apply(ctx, completed(job2)))
}

func TestPollOnceSeedsCheckpointAtHead(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	syncer, l, agent := newTestSynchronizer(t, chain, SynchronizerConfig{})

	// Events at or below the seed are history and never applied.
	chain.addBlock(t, agent, 100, []evm.Event{created(job1), funded(job1)})

	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(100), checkpoint(t, l))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPollOnceSeedFailureLeavesCheckpointUnset(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.headErr = errChainDown
	syncer, l, _ := newTestSynchronizer(t, chain, SynchronizerConfig{})

	err := syncer.PollOnce(ctx)
	require.Error(t, err)
	assert.True(t, snetd.IsCode(err, snetd.ErrCodeChainUnavailable))

	_, ok, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollOnceAppliesNewBlocks(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.setHead(10)
	syncer, l, agent := newTestSynchronizer(t, chain, SynchronizerConfig{})
	require.NoError(t, syncer.PollOnce(ctx))

	chain.addBlock(t, agent, 11, []evm.Event{created(job1)}, []evm.Event{created(job2)})
	chain.addBlock(t, agent, 12, []evm.Event{funded(job1)})
	chain.addBlock(t, agent, 13, []evm.Event{funded(job2), completed(job2)})

	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(13), checkpoint(t, l))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, &ledger.JobRecord{State: ledger.StateFunded, Consumer: consumer.Hex()}, rec)

	rec, err = l.Get(ctx, job2.Hex())
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Nothing new: checkpoint stays.
	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(13), checkpoint(t, l))
}

func TestPollOnceFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.setHead(10)
	syncer, l, agent := newTestSynchronizer(t, chain, SynchronizerConfig{})
	require.NoError(t, syncer.PollOnce(ctx))

	chain.addBlock(t, agent, 11, []evm.Event{created(job1)})
	chain.addBlock(t, agent, 12, []evm.Event{funded(job1)})
	chain.blockErr[12] = errChainDown

	err := syncer.PollOnce(ctx)
	require.Error(t, err)
	assert.True(t, snetd.IsCode(err, snetd.ErrCodeChainUnavailable))
	assert.Equal(t, uint64(10), checkpoint(t, l))

	// Block 11 was applied and will be applied again on retry.
	delete(chain.blockErr, 12)
	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(12), checkpoint(t, l))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFunded, rec.State)
}

func TestPollOnceHonoursMaxBlocksPerPoll(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	chain.setHead(0)
	syncer, l, agent := newTestSynchronizer(t, chain, SynchronizerConfig{MaxBlocksPerPoll: 2})
	require.NoError(t, syncer.PollOnce(ctx))

	chain.addBlock(t, agent, 1, []evm.Event{created(job1)})
	chain.addBlock(t, agent, 5, []evm.Event{funded(job1)})

	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(2), checkpoint(t, l))
	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(4), checkpoint(t, l))

	rec, err := l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, rec.State)

	require.NoError(t, syncer.PollOnce(ctx))
	assert.Equal(t, uint64(5), checkpoint(t, l))
	rec, err = l.Get(ctx, job1.Hex())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFunded, rec.State)
}

func TestRunStopsOnCancel(t *testing.T) {
	chain := newFakeChain()
	chain.setHead(7)
	syncer, l, _ := newTestSynchronizer(t, chain, SynchronizerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok, err := l.Checkpoint(context.Background())
		return err == nil && ok
	}, testTimeout, testTick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after cancel")
	}
}
