package jobs

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/singnet/snetd/evm"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

var errChainDown = errors.New("connection refused")

var agentAddress = common.HexToAddress("0x00000000000000000000000000000000000a6e17")

// fakeChain is an in-memory ChainClient holding fabricated blocks and
// receipts.
type fakeChain struct {
	mu sync.Mutex

	head     uint64
	headErr  error
	blocks   map[uint64]*types.Block
	blockErr map[uint64]error
	receipts map[common.Hash]*types.Receipt
	txNonce  uint64

	// settlement side
	nonce         uint64
	sent          []*types.Transaction
	sendErr       error
	minedStatus   uint64
	pendingPolls  int
	receiptLookup int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:      make(map[uint64]*types.Block),
		blockErr:    make(map[uint64]error),
		receipts:    make(map[common.Hash]*types.Receipt),
		minedStatus: types.ReceiptStatusSuccessful,
	}
}

// addBlock appends a block at number with one transaction per event group.
func (c *fakeChain) addBlock(t *testing.T, agent *evm.Agent, number uint64, txEvents ...[]evm.Event) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var txs []*types.Transaction
	for _, events := range txEvents {
		c.txNonce++
		tx := types.NewTransaction(c.txNonce, agent.Address(), big.NewInt(0), 21000, big.NewInt(1), nil)
		receipt := &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(number),
		}
		for i, ev := range events {
			ev.BlockNumber = number
			ev.TxHash = tx.Hash()
			ev.LogIndex = uint(i)
			lg, err := agent.EventLog(ev)
			require.NoError(t, err)
			receipt.Logs = append(receipt.Logs, lg)
		}
		c.receipts[tx.Hash()] = receipt
		txs = append(txs, tx)
	}

	header := &types.Header{Number: new(big.Int).SetUint64(number)}
	c.blocks[number] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	if number > c.head {
		c.head = number
	}
}

func (c *fakeChain) setHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := number.Uint64()
	if err := c.blockErr[n]; err != nil {
		return nil, err
	}
	if b, ok := c.blocks[n]; ok {
		return b, nil
	}
	// Blocks nobody populated are empty.
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	for _, tx := range c.sent {
		if tx.Hash() != txHash {
			continue
		}
		c.receiptLookup++
		if c.receiptLookup <= c.pendingPolls {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{
			Status:      c.minedStatus,
			TxHash:      txHash,
			BlockNumber: big.NewInt(int64(c.head + 1)),
		}, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.nonce++
	return nil
}

func (c *fakeChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

var _ evm.ChainClient = (*fakeChain)(nil)
