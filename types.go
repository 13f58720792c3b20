package snetd

import "time"

// Request parameters that carry the job authorisation. They are consumed by the
// gateway and never forwarded to the backend.
const (
	ParamJobAddress   = "job_address"
	ParamJobSignature = "job_signature"
)

// Settlement describes a mined completeJob transaction.
type Settlement struct {
	RunID       string `json:"runId"`
	JobAddress  string `json:"jobAddress"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// DefaultSettlementTTL is how long a finished settlement is remembered per job.
const DefaultSettlementTTL = 10 * time.Minute
