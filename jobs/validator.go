package jobs

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	snetd "github.com/singnet/snetd"
	"github.com/singnet/snetd/evm"
	"github.com/singnet/snetd/ledger"
)

// InvocationChecker is the authoritative on-chain validation call.
type InvocationChecker interface {
	ValidateJobInvocation(ctx context.Context, job common.Address, sig evm.JobSignature) (bool, error)
}

// Validator decides whether a (job address, signature) pair may be serviced.
type Validator struct {
	ledger  *ledger.Ledger
	checker InvocationChecker
	logger  *slog.Logger
}

// NewValidator creates a validator that consults l first and checker on a miss.
func NewValidator(l *ledger.Ledger, checker InvocationChecker, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		ledger:  l,
		checker: checker,
		logger:  logger.With("component", "validator"),
	}
}

// Validate returns true when the job is funded, unused locally, and the
// signature was made by its consumer.
//
// Jobs already serviced by this daemon are rejected without looking at the
// signature. A funded job whose cached consumer matches the recovered signer is
// accepted from the ledger alone; anything else is decided by the contract.
// Malformed input returns an invalid_params error and a failed contract call a
// chain_unavailable error, never a plain false.
func (v *Validator) Validate(ctx context.Context, jobAddress, jobSignature string) (bool, error) {
	job, err := evm.ParseAddress(jobAddress)
	if err != nil {
		return false, snetd.NewParameterError("invalid job_address", err)
	}
	key := job.Hex()
	logger := v.logger.With("job_address", key)
	logger.Debug("validating job invocation", "job_signature", jobSignature)

	rec, err := v.ledger.Get(ctx, key)
	if err != nil {
		return false, err
	}

	if rec != nil && rec.Completed {
		logger.Warn("job already completed")
		return false, nil
	}

	sig, err := evm.ParseJobSignature(jobSignature)
	if err != nil {
		return false, snetd.NewParameterError("invalid job_signature", err)
	}

	if rec != nil && rec.State == ledger.StateFunded {
		signer, err := evm.RecoverSigner(evm.JobMessageHash(job), sig)
		if err == nil && common.IsHexAddress(rec.Consumer) && signer == common.HexToAddress(rec.Consumer) {
			logger.Debug("validated job locally")
			return true, nil
		}
	}

	logger.Debug("failed to validate job locally, falling back to contract call")
	valid, err := v.checker.ValidateJobInvocation(ctx, job, sig)
	if err != nil {
		return false, snetd.NewChainReadError("failed to validate job on chain", err)
	}
	logger.Debug("validated job on chain", "valid", valid)
	return valid, nil
}
