package snetd

import (
	"context"
	"sync"
	"time"
)

// SettlementTracker keeps one settlement run per job and remembers successful
// settlements for a while, so a replayed invocation can be told where its job
// was settled.
type SettlementTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*trackedRun
}

type trackedRun struct {
	done    chan struct{}
	result  *Settlement
	settled time.Time // zero while the run is in flight
}

// NewSettlementTracker creates a tracker remembering settlements for ttl.
func NewSettlementTracker(ttl time.Duration) *SettlementTracker {
	return &SettlementTracker{
		ttl:     ttl,
		entries: make(map[string]*trackedRun),
	}
}

// Begin claims job for a new run. ok is false when a run is in flight or a
// settlement is still remembered. The caller must call finish exactly once,
// with the settlement or with nil when the run failed.
func (t *SettlementTracker) Begin(job string) (finish func(*Settlement), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(time.Now())
	if _, busy := t.entries[job]; busy {
		return nil, false
	}

	run := &trackedRun{done: make(chan struct{})}
	t.entries[job] = run

	return func(s *Settlement) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if s == nil {
			delete(t.entries, job)
		} else {
			run.result = s
			run.settled = time.Now()
		}
		close(run.done)
	}, true
}

// Settled returns the remembered settlement of job, or nil.
func (t *SettlementTracker) Settled(job string) *Settlement {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.entries[job]
	if !ok || run.settled.IsZero() || t.expired(run, time.Now()) {
		return nil
	}
	return run.result
}

// Wait blocks until the run for job finishes or ctx is done. It returns the
// settlement, or nil when the run failed or nothing is known about job.
func (t *SettlementTracker) Wait(ctx context.Context, job string) (*Settlement, error) {
	t.mu.Lock()
	run, ok := t.entries[job]
	t.mu.Unlock()
	if !ok {
		return nil, nil
	}

	select {
	case <-run.done:
		// result is written before done is closed.
		return run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the number of runs in flight.
func (t *SettlementTracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, run := range t.entries {
		if run.settled.IsZero() {
			n++
		}
	}
	return n
}

func (t *SettlementTracker) expired(run *trackedRun, now time.Time) bool {
	return !run.settled.IsZero() && now.Sub(run.settled) >= t.ttl
}

func (t *SettlementTracker) pruneLocked(now time.Time) {
	for job, run := range t.entries {
		if t.expired(run, now) {
			delete(t.entries, job)
		}
	}
}
