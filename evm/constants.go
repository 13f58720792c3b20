package evm

import "time"

const (
	// Agent contract event names
	EventJobCreated   = "JobCreated"
	EventJobFunded    = "JobFunded"
	EventJobCompleted = "JobCompleted"

	// Agent contract method names
	FunctionValidateJobInvocation = "validateJobInvocation"
	FunctionCompleteJob           = "completeJob"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultGasLimit is the fixed gas budget of a completeJob transaction.
	DefaultGasLimit uint64 = 1000000

	// DefaultPollInterval is used between chain polls (events and receipts).
	DefaultPollInterval = 5 * time.Second

	// SignatureLength is the size of an (r, s, v) job signature in bytes.
	SignatureLength = 65

	// personalMessagePrefix is prepended to a 32-byte payload before hashing.
	personalMessagePrefix = "\x19Ethereum Signed Message:\n32"
)

// AgentABI is the subset of the Agent contract ABI used by the daemon.
var AgentABI = []byte(`[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "job", "type": "address"},
			{"indexed": false, "name": "consumer", "type": "address"}
		],
		"name": "JobCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "job", "type": "address"}
		],
		"name": "JobFunded",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "job", "type": "address"}
		],
		"name": "JobCompleted",
		"type": "event"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "job", "type": "address"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "validateJobInvocation",
		"outputs": [{"name": "isValid", "type": "bool"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "job", "type": "address"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "completeJob",
		"outputs": [],
		"payable": false,
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)
