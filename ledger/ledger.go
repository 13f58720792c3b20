// Package ledger is the daemon's local mirror of on-chain job state.
//
// A Ledger holds one JobRecord per job address plus a single checkpoint (the last
// fully processed block height). Records are written by the event synchronizer
// (state transitions) and by the admission gateway (completion bookkeeping); every
// read-modify-write on a key goes through Update so the two writers never clobber
// each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CheckpointKey is the reserved key holding the last processed block height.
const CheckpointKey = "last_block"

// JobState is the funding state of a job as last observed on-chain.
type JobState string

const (
	// StatePending means JobCreated was observed but not JobFunded.
	StatePending JobState = "PENDING"
	// StateFunded means JobFunded was observed.
	StateFunded JobState = "FUNDED"
)

// JobRecord is the locally cached view of one job.
type JobRecord struct {
	State        JobState `json:"state,omitempty"`
	Consumer     string   `json:"consumer,omitempty"`
	JobSignature string   `json:"job_signature,omitempty"`
	// Completed is set once a request for the job has been forwarded to the
	// backend. It is local bookkeeping, independent of on-chain settlement.
	Completed bool `json:"completed,omitempty"`
}

// Clone returns a copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// PendingSettlement reports whether the record was serviced locally and still
// carries the signature needed to settle it.
func (r *JobRecord) PendingSettlement() bool {
	return r != nil && r.Completed && r.JobSignature != ""
}

var (
	// ErrCheckpointRegression is returned when a caller tries to move the
	// checkpoint backwards.
	ErrCheckpointRegression = errors.New("checkpoint cannot decrease")
	// ErrReservedKey is returned when a job record is written under CheckpointKey.
	ErrReservedKey = errors.New("key is reserved")
)

// Backend is the storage contract a Ledger is built on.
// Implementations must make every write durable before returning and must be
// safe for concurrent use.
type Backend interface {
	// Get returns the record for key, or nil and no error when it is absent.
	Get(ctx context.Context, key string) (*JobRecord, error)
	Put(ctx context.Context, key string, rec *JobRecord) error
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Range calls fn for every job record. Iteration stops at the first error.
	Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error
	// Checkpoint returns the stored height and whether one has been stored.
	Checkpoint(ctx context.Context) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, height uint64) error
	Close() error
}

// UpdateFunc mutates a record in place of the stored one. rec is nil when the
// key is absent. Returning a nil record deletes the key.
type UpdateFunc func(rec *JobRecord) (*JobRecord, error)

// Ledger serialises writers per job address on top of a Backend.
type Ledger struct {
	backend Backend
	locks   *keyLocks

	cpMu sync.Mutex
}

// New wraps backend.
func New(backend Backend) *Ledger {
	return &Ledger{
		backend: backend,
		locks:   newKeyLocks(),
	}
}

// Backend returns the underlying storage.
func (l *Ledger) Backend() Backend {
	return l.backend
}

// Get returns a copy of the record for key, or nil when absent.
func (l *Ledger) Get(ctx context.Context, key string) (*JobRecord, error) {
	rec, err := l.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", key, err)
	}
	return rec.Clone(), nil
}

// Update runs fn and stores its result while holding the lock for key.
func (l *Ledger) Update(ctx context.Context, key string, fn UpdateFunc) (*JobRecord, error) {
	if key == CheckpointKey {
		return nil, ErrReservedKey
	}

	unlock := l.locks.lock(key)
	defer unlock()

	current, err := l.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", key, err)
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}

	if next == nil {
		if current == nil {
			return nil, nil
		}
		if err := l.backend.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("ledger delete %s: %w", key, err)
		}
		return nil, nil
	}

	if err := l.backend.Put(ctx, key, next); err != nil {
		return nil, fmt.Errorf("ledger put %s: %w", key, err)
	}
	return next.Clone(), nil
}

// Delete removes key under its lock.
func (l *Ledger) Delete(ctx context.Context, key string) error {
	unlock := l.locks.lock(key)
	defer unlock()

	if err := l.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("ledger delete %s: %w", key, err)
	}
	return nil
}

// Range iterates every job record. Records passed to fn are copies.
func (l *Ledger) Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error {
	return l.backend.Range(ctx, func(key string, rec *JobRecord) error {
		return fn(key, rec.Clone())
	})
}

// Checkpoint returns the stored checkpoint and whether it exists.
func (l *Ledger) Checkpoint(ctx context.Context) (uint64, bool, error) {
	height, ok, err := l.backend.Checkpoint(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("ledger checkpoint: %w", err)
	}
	return height, ok, nil
}

// AdvanceCheckpoint stores height if it is not lower than the current one.
func (l *Ledger) AdvanceCheckpoint(ctx context.Context, height uint64) error {
	l.cpMu.Lock()
	defer l.cpMu.Unlock()

	current, ok, err := l.backend.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("ledger checkpoint: %w", err)
	}
	if ok && height < current {
		return fmt.Errorf("%w: %d < %d", ErrCheckpointRegression, height, current)
	}
	if ok && height == current {
		return nil
	}
	if err := l.backend.SetCheckpoint(ctx, height); err != nil {
		return fmt.Errorf("ledger set checkpoint: %w", err)
	}
	return nil
}

// Close closes the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}
