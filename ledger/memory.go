package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend.
//
// Nothing survives a restart, so it only suits tests and runs with blockchain
// gating disabled.
type MemoryBackend struct {
	mu         sync.RWMutex
	records    map[string]*JobRecord
	checkpoint uint64
	hasCP      bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*JobRecord),
	}
}

// Get returns the record for key.
func (m *MemoryBackend) Get(_ context.Context, key string) (*JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[key].Clone(), nil
}

// Put stores rec under key.
func (m *MemoryBackend) Put(_ context.Context, key string, rec *JobRecord) error {
	if key == CheckpointKey {
		return ErrReservedKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec.Clone()
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Range iterates records in key order over a snapshot.
func (m *MemoryBackend) Range(ctx context.Context, fn func(key string, rec *JobRecord) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	snapshot := make(map[string]*JobRecord, len(m.records))
	for k, v := range m.records {
		keys = append(keys, k)
		snapshot[k] = v.Clone()
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint returns the stored height.
func (m *MemoryBackend) Checkpoint(_ context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, m.hasCP, nil
}

// SetCheckpoint stores height.
func (m *MemoryBackend) SetCheckpoint(_ context.Context, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = height
	m.hasCP = true
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
