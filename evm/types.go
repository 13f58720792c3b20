package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// JobSignature is a consumer's signature over a job address, split into the
// components the Agent contract takes.
type JobSignature struct {
	V uint8    // 27 or 28
	R [32]byte
	S [32]byte
}

// EventKind identifies one of the Agent contract events the daemon tracks.
type EventKind string

const (
	KindJobCreated   EventKind = EventJobCreated
	KindJobFunded    EventKind = EventJobFunded
	KindJobCompleted EventKind = EventJobCompleted
)

// Event is a decoded Agent contract event.
type Event struct {
	Kind     EventKind
	Job      common.Address
	Consumer common.Address // JobCreated only

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// ChainClient is the part of *ethclient.Client the daemon depends on.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TransactionSigner signs transactions on behalf of the daemon account.
type TransactionSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
