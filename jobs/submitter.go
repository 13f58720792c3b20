package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	snetd "github.com/singnet/snetd"
	"github.com/singnet/snetd/evm"
)

// CompletionPacker encodes the contract's completeJob call.
type CompletionPacker interface {
	Address() common.Address
	PackCompleteJob(job common.Address, sig evm.JobSignature) ([]byte, error)
}

// SubmitterConfig tunes settlement transactions.
type SubmitterConfig struct {
	GasLimit     uint64
	PollInterval time.Duration
}

// Submitter signs and broadcasts completeJob transactions and waits for them
// to be mined.
type Submitter struct {
	client evm.ChainClient
	packer CompletionPacker
	signer evm.TransactionSigner
	config SubmitterConfig
	logger *slog.Logger

	// sendMu covers nonce lookup through broadcast so concurrent runs get
	// distinct nonces.
	sendMu  sync.Mutex
	chainID *big.Int
}

// NewSubmitter creates a submitter.
func NewSubmitter(client evm.ChainClient, packer CompletionPacker, signer evm.TransactionSigner, config SubmitterConfig, logger *slog.Logger) *Submitter {
	if config.GasLimit == 0 {
		config.GasLimit = evm.DefaultGasLimit
	}
	if config.PollInterval <= 0 {
		config.PollInterval = evm.DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		client: client,
		packer: packer,
		signer: signer,
		config: config,
		logger: logger.With("component", "submitter"),
	}
}

// Complete settles job on-chain. It blocks until the transaction is mined or
// ctx is done; callers run it off the request path. There is no retry: every
// failure is returned as a settlement_failed error.
func (s *Submitter) Complete(ctx context.Context, jobAddress, jobSignature string) (*snetd.Settlement, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "job_address", jobAddress)
	logger.Debug("completing job")

	job, err := evm.ParseAddress(jobAddress)
	if err != nil {
		return nil, snetd.NewSettlementError("invalid job address", err)
	}
	sig, err := evm.ParseJobSignature(jobSignature)
	if err != nil {
		return nil, snetd.NewSettlementError("invalid job signature", err)
	}

	data, err := s.packer.PackCompleteJob(job, sig)
	if err != nil {
		return nil, snetd.NewSettlementError("failed to build transaction", err)
	}

	txHash, err := s.broadcast(ctx, data)
	if err != nil {
		return nil, err
	}
	logger.Info("completion transaction sent", "tx_hash", txHash.Hex())

	receipt, err := s.waitMined(ctx, txHash)
	if err != nil {
		return nil, snetd.NewSettlementError("failed to get receipt", err).WithDetail("tx_hash", txHash.Hex())
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, snetd.NewSettlementError("completion transaction reverted", nil).
			WithDetail("tx_hash", txHash.Hex())
	}

	settlement := &snetd.Settlement{
		RunID:      runID,
		JobAddress: job.Hex(),
		TxHash:     txHash.Hex(),
	}
	if receipt.BlockNumber != nil {
		settlement.BlockNumber = receipt.BlockNumber.Uint64()
	}
	logger.Info("completion transaction mined", "tx_hash", txHash.Hex(), "block", settlement.BlockNumber)
	return settlement, nil
}

func (s *Submitter) broadcast(ctx context.Context, data []byte) (common.Hash, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.chainID == nil {
		chainID, err := s.client.ChainID(ctx)
		if err != nil {
			return common.Hash{}, snetd.NewSettlementError("failed to get chain ID", err)
		}
		s.chainID = chainID
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return common.Hash{}, snetd.NewSettlementError("failed to get nonce", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, snetd.NewSettlementError("failed to get gas price", err)
	}

	tx := types.NewTransaction(
		nonce,
		s.packer.Address(),
		big.NewInt(0), // value
		s.config.GasLimit,
		gasPrice,
		data,
	)

	signedTx, err := s.signer.SignTx(tx, s.chainID)
	if err != nil {
		return common.Hash{}, snetd.NewSettlementError("failed to sign transaction", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, snetd.NewSettlementError("failed to send transaction", err)
	}
	return signedTx.Hash(), nil
}

// waitMined polls for the receipt of txHash until it exists or ctx is done.
func (s *Submitter) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt lookup failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.PollInterval):
		}
	}
}
