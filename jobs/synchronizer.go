// Package jobs implements the job lifecycle: mirroring Agent contract events
// into the ledger, validating invocations against it, and settling serviced
// jobs on-chain.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	snetd "github.com/singnet/snetd"
	"github.com/singnet/snetd/evm"
	"github.com/singnet/snetd/ledger"
)

// DefaultMaxBlocksPerPoll bounds how many blocks one poll applies.
const DefaultMaxBlocksPerPoll = 1000

// EventDecoder extracts Agent events from a receipt.
type EventDecoder interface {
	DecodeReceipt(receipt *types.Receipt) ([]evm.Event, error)
}

// SynchronizerConfig tunes the poll loop.
type SynchronizerConfig struct {
	PollInterval time.Duration
	// MaxBlocksPerPoll caps the range applied per iteration; 0 means no cap.
	MaxBlocksPerPoll uint64
}

// Synchronizer polls the chain and applies Agent events to the ledger.
//
// The checkpoint only moves after every block up to it has been applied, so a
// failed iteration is replayed in full on the next one. Event application is
// idempotent, which makes the replay safe.
type Synchronizer struct {
	client  evm.ChainClient
	decoder EventDecoder
	ledger  *ledger.Ledger
	config  SynchronizerConfig
	logger  *slog.Logger
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(client evm.ChainClient, decoder EventDecoder, l *ledger.Ledger, config SynchronizerConfig, logger *slog.Logger) *Synchronizer {
	if config.PollInterval <= 0 {
		config.PollInterval = evm.DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		client:  client,
		decoder: decoder,
		ledger:  l,
		config:  config,
		logger:  logger.With("component", "synchronizer"),
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and retried after
// the poll interval.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info("event synchronizer starting", "poll_interval", s.config.PollInterval)

	for {
		if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("encountered error while processing events", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("event synchronizer stopping")
			return nil
		case <-time.After(s.config.PollInterval):
		}
	}
}

// PollOnce applies every block between the checkpoint and the chain head (or
// up to MaxBlocksPerPoll of them) and then advances the checkpoint.
// On first use it seeds the checkpoint with the current head instead.
func (s *Synchronizer) PollOnce(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return snetd.NewChainReadError("failed to read chain head", err)
	}

	checkpoint, ok, err := s.ledger.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if err := s.ledger.AdvanceCheckpoint(ctx, head); err != nil {
			return err
		}
		s.logger.Info("seeded checkpoint at chain head", "block", head)
		return nil
	}
	if head <= checkpoint {
		return nil
	}

	to := head
	if limit := s.config.MaxBlocksPerPoll; limit > 0 && head-checkpoint > limit {
		to = checkpoint + limit
	}

	for n := checkpoint + 1; n <= to; n++ {
		if err := s.applyBlock(ctx, n); err != nil {
			return err
		}
	}

	if err := s.ledger.AdvanceCheckpoint(ctx, to); err != nil {
		return err
	}
	s.logger.Debug("advanced checkpoint", "from", checkpoint, "to", to, "head", head)
	return nil
}

func (s *Synchronizer) applyBlock(ctx context.Context, number uint64) error {
	block, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return snetd.NewChainReadError(fmt.Sprintf("failed to fetch block %d", number), err)
	}

	for _, tx := range block.Transactions() {
		receipt, err := s.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return snetd.NewChainReadError(fmt.Sprintf("failed to fetch receipt %s", tx.Hash().Hex()), err)
		}
		if len(receipt.Logs) == 0 {
			continue
		}

		events, err := s.decoder.DecodeReceipt(receipt)
		if err != nil {
			return fmt.Errorf("block %d: %w", number, err)
		}
		for _, ev := range events {
			if err := s.Apply(ctx, ev); err != nil {
				return fmt.Errorf("block %d: %w", number, err)
			}
		}
	}
	return nil
}

// Apply folds one event into the ledger. Applying the same event again leaves
// the ledger unchanged.
func (s *Synchronizer) Apply(ctx context.Context, ev evm.Event) error {
	key := ev.Job.Hex()

	switch ev.Kind {
	case evm.KindJobCreated:
		rec, err := s.ledger.Update(ctx, key, func(rec *ledger.JobRecord) (*ledger.JobRecord, error) {
			if rec == nil {
				rec = &ledger.JobRecord{}
			}
			rec.Consumer = ev.Consumer.Hex()
			// A job never returns to PENDING once funded, whichever event was
			// applied first.
			if rec.State == "" {
				rec.State = ledger.StatePending
			}
			return rec, nil
		})
		if err != nil {
			return err
		}
		s.logger.Debug("received JobCreated event", "job_address", key, "record", rec)

	case evm.KindJobFunded:
		rec, err := s.ledger.Update(ctx, key, func(rec *ledger.JobRecord) (*ledger.JobRecord, error) {
			if rec == nil {
				rec = &ledger.JobRecord{}
			}
			rec.State = ledger.StateFunded
			return rec, nil
		})
		if err != nil {
			return err
		}
		s.logger.Debug("received JobFunded event", "job_address", key, "record", rec)

	case evm.KindJobCompleted:
		if err := s.ledger.Delete(ctx, key); err != nil {
			return err
		}
		s.logger.Debug("received JobCompleted event, deleted record", "job_address", key)

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}
