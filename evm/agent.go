// Package evm binds the daemon to the Agent contract: ABI encoding of its calls,
// decoding of its job events, and the job signature scheme consumers use.
package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Agent is the Agent contract at one address on one chain.
type Agent struct {
	address common.Address
	abi     abi.ABI
	client  ChainClient
}

// NewAgent binds the Agent contract at address. client may be nil when only
// event decoding and call packing are needed.
func NewAgent(address common.Address, client ChainClient) (*Agent, error) {
	parsed, err := abi.JSON(bytes.NewReader(AgentABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent ABI: %w", err)
	}
	return &Agent{
		address: address,
		abi:     parsed,
		client:  client,
	}, nil
}

// Address returns the contract address.
func (a *Agent) Address() common.Address {
	return a.address
}

// ABI returns the parsed contract ABI.
func (a *Agent) ABI() abi.ABI {
	return a.abi
}

// DecodeReceipt returns the Agent events emitted in receipt, in log order.
// Logs from other contracts, or with unknown topics, are skipped.
func (a *Agent) DecodeReceipt(receipt *types.Receipt) ([]Event, error) {
	var events []Event
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Removed || lg.Address != a.address || len(lg.Topics) == 0 {
			continue
		}

		ev, err := a.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}

		decoded, err := a.decodeLog(ev, lg)
		if err != nil {
			return nil, fmt.Errorf("decode %s log %d in tx %s: %w", ev.Name, lg.Index, lg.TxHash.Hex(), err)
		}
		events = append(events, decoded)
	}
	return events, nil
}

func (a *Agent) decodeLog(ev *abi.Event, lg *types.Log) (Event, error) {
	values := make(map[string]interface{})
	if err := a.abi.UnpackIntoMap(values, ev.Name, lg.Data); err != nil {
		return Event{}, err
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
			return Event{}, err
		}
	}

	job, ok := values["job"].(common.Address)
	if !ok {
		return Event{}, fmt.Errorf("missing job argument")
	}

	out := Event{
		Kind:        EventKind(ev.Name),
		Job:         job,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
	if out.Kind == KindJobCreated {
		consumer, ok := values["consumer"].(common.Address)
		if !ok {
			return Event{}, fmt.Errorf("missing consumer argument")
		}
		out.Consumer = consumer
	}
	return out, nil
}

// ValidateJobInvocation asks the contract whether sig authorises an invocation
// of job. It is a read-only eth_call against the latest block.
func (a *Agent) ValidateJobInvocation(ctx context.Context, job common.Address, sig JobSignature) (bool, error) {
	if a.client == nil {
		return false, fmt.Errorf("agent has no chain client")
	}

	data, err := a.abi.Pack(FunctionValidateJobInvocation, job, sig.V, sig.R, sig.S)
	if err != nil {
		return false, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := a.address
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := a.abi.Unpack(FunctionValidateJobInvocation, result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(outputs) != 1 {
		return false, fmt.Errorf("unexpected %d outputs", len(outputs))
	}
	valid, ok := outputs[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type %T", outputs[0])
	}
	return valid, nil
}

// PackCompleteJob encodes a completeJob call for job.
func (a *Agent) PackCompleteJob(job common.Address, sig JobSignature) ([]byte, error) {
	data, err := a.abi.Pack(FunctionCompleteJob, job, sig.V, sig.R, sig.S)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}
	return data, nil
}

// EventLog builds the log the contract would emit for ev. Tests and tooling use
// it to fabricate receipts.
func (a *Agent) EventLog(ev Event) (*types.Log, error) {
	abiEvent, ok := a.abi.Events[string(ev.Kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", ev.Kind)
	}

	args := []interface{}{ev.Job}
	if ev.Kind == KindJobCreated {
		args = append(args, ev.Consumer)
	}
	data, err := abiEvent.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", ev.Kind, err)
	}

	return &types.Log{
		Address:     a.address,
		Topics:      []common.Hash{abiEvent.ID},
		Data:        data,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		Index:       ev.LogIndex,
	}, nil
}
