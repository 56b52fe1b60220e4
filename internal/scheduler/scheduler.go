// Package scheduler admits eligibility checks onto the bounded downstream
// concurrency using weighted round-robin across priority tiers.
//
// The scheduler is the single owner of the slot counter and the tier queues;
// everything mutable lives behind its mutex and is exposed only through
// Acquire/Release. Interactive traffic drains fastest, batch-direct slowest,
// and no tier can starve another because quanta rotate.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/metrics"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// tierState couples one priority queue with its round-robin quantum.
type tierState struct {
	tier    domain.Priority
	queue   fifo
	quantum int
	credit  int
}

// Config sizes the scheduler.
type Config struct {
	// ConcurrencyCap is the hard downstream limit of in-flight calls.
	ConcurrencyCap int
	// Quanta are consecutive admissions each tier may take before the
	// rotation moves on.
	InteractiveQuantum int
	StandardQuantum    int
	BatchQuantum       int
}

// Scheduler is the admission gate. Construct with New; the zero value is not
// usable.
type Scheduler struct {
	mu     sync.Mutex
	cap    int
	inUse  int
	tiers  []*tierState
	cursor int
	closed bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a scheduler. The cap must be positive; quanta default to 8/4/1
// when unset.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.ConcurrencyCap <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidInput, "scheduler concurrency cap must be positive")
	}
	if cfg.InteractiveQuantum <= 0 {
		cfg.InteractiveQuantum = 8
	}
	if cfg.StandardQuantum <= 0 {
		cfg.StandardQuantum = 4
	}
	if cfg.BatchQuantum <= 0 {
		cfg.BatchQuantum = 1
	}

	s := &Scheduler{
		cap:    cfg.ConcurrencyCap,
		logger: slog.New(slog.DiscardHandler),
		tiers: []*tierState{
			{tier: domain.PriorityInteractive, quantum: cfg.InteractiveQuantum, credit: cfg.InteractiveQuantum},
			{tier: domain.PriorityStandard, quantum: cfg.StandardQuantum, credit: cfg.StandardQuantum},
			{tier: domain.PriorityBatch, quantum: cfg.BatchQuantum, credit: cfg.BatchQuantum},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Slot is an admitted concurrency slot. Release exactly once; extra calls are
// no-ops.
type Slot struct {
	s    *Scheduler
	once sync.Once
}

// Release frees the slot and admits the next eligible waiter.
func (sl *Slot) Release() {
	sl.once.Do(func() {
		sl.s.release()
	})
}

// Acquire blocks until a slot is granted or ctx is cancelled. Cancellation
// before admission removes the waiter from its queue without consuming a
// slot; cancellation that races with admission releases the just-granted
// slot.
func (s *Scheduler) Acquire(ctx context.Context, tier domain.Priority) (*Slot, error) {
	if !tier.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidInput, "unknown priority tier")
	}

	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pkgerrors.Wrap(sentinel.ErrClosed, pkgerrors.CodeUnavailable, "scheduler shut down")
	}
	w := &waiter{tier: tier, ready: make(chan struct{})}
	ts := s.tierFor(tier)
	ts.queue.push(w)
	s.metrics.SetQueueDepth(tier.String(), ts.queue.len())
	s.dispatchLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		s.metrics.ObserveAdmissionWait(tier.String(), time.Since(start))
		return &Slot{s: s}, nil
	case <-ctx.Done():
	}

	// Cancelled. Either we are still queued (remove, no slot consumed) or
	// dispatch admitted us in the race window (give the slot straight back).
	s.mu.Lock()
	if w.admitted {
		s.mu.Unlock()
		(&Slot{s: s}).Release()
		return nil, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeTimeout, "cancelled after admission")
	}
	ts.queue.remove(w)
	s.metrics.SetQueueDepth(tier.String(), ts.queue.len())
	s.mu.Unlock()
	return nil, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeTimeout, "cancelled while awaiting admission")
}

// Utilization reports the fraction of slots in use, 0-1. The batch throttle
// and the classifier both read saturation from here.
func (s *Scheduler) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.inUse) / float64(s.cap)
}

// InFlight reports the number of occupied slots.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Depth reports the number of queued waiters for a tier.
func (s *Scheduler) Depth(tier domain.Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tierFor(tier).queue.len()
}

// Close rejects future Acquire calls. Waiters already queued stay queued so
// in-flight drains can finish admitting; callers abandoning them cancel their
// contexts.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse--
	s.metrics.SetSlotUtilization(float64(s.inUse) / float64(s.cap))
	s.dispatchLocked()
}

// dispatchLocked grants free slots to queued waiters in weighted round-robin
// order. Caller holds the mutex.
func (s *Scheduler) dispatchLocked() {
	for s.inUse < s.cap {
		w := s.nextWaiterLocked()
		if w == nil {
			break
		}
		s.inUse++
		w.admitted = true
		close(w.ready)
		s.metrics.SetQueueDepth(w.tier.String(), s.tierFor(w.tier).queue.len())
	}
	s.metrics.SetSlotUtilization(float64(s.inUse) / float64(s.cap))
}

// nextWaiterLocked picks the next waiter by rotating tier credits. An empty
// tier forfeits its remaining credit; advancing refills the next tier's.
func (s *Scheduler) nextWaiterLocked() *waiter {
	for range len(s.tiers) + 1 {
		ts := s.tiers[s.cursor]
		if ts.credit > 0 && ts.queue.peek() != nil {
			ts.credit--
			return ts.queue.pop()
		}
		s.cursor = (s.cursor + 1) % len(s.tiers)
		s.tiers[s.cursor].credit = s.tiers[s.cursor].quantum
	}
	return nil
}

func (s *Scheduler) tierFor(tier domain.Priority) *tierState {
	for _, ts := range s.tiers {
		if ts.tier == tier {
			return ts
		}
	}
	// Unreachable: Acquire validates the tier.
	return s.tiers[1]
}
