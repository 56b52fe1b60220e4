package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"eligibility-gateway/internal/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
)

func newScheduler(t *testing.T, cap int) *Scheduler {
	t.Helper()
	s, err := New(Config{ConcurrencyCap: cap})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsBadCap(t *testing.T) {
	_, err := New(Config{ConcurrencyCap: 0})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidInput))
}

func TestAcquire_ImmediateWhenSlotsFree(t *testing.T) {
	s := newScheduler(t, 2)
	ctx := context.Background()

	slot1, err := s.Acquire(ctx, domain.PriorityInteractive)
	require.NoError(t, err)
	slot2, err := s.Acquire(ctx, domain.PriorityBatch)
	require.NoError(t, err)

	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 1.0, s.Utilization())

	slot1.Release()
	slot2.Release()
	assert.Equal(t, 0, s.InFlight())
}

func TestAcquire_RejectsUnknownTier(t *testing.T) {
	s := newScheduler(t, 1)
	_, err := s.Acquire(context.Background(), domain.Priority("urgent"))
	require.Error(t, err)
}

func TestAcquire_BlocksAtCap(t *testing.T) {
	s := newScheduler(t, 1)
	ctx := context.Background()

	slot, err := s.Acquire(ctx, domain.PriorityStandard)
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		second, err := s.Acquire(ctx, domain.PriorityStandard)
		if err == nil {
			second.Release()
		}
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second acquire must block while the cap is reached")
	case <-time.After(50 * time.Millisecond):
	}

	slot.Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("release must admit the queued waiter")
	}
}

func TestAcquire_CancelledWaiterConsumesNoSlot(t *testing.T) {
	s := newScheduler(t, 1)
	ctx := context.Background()

	slot, err := s.Acquire(ctx, domain.PriorityInteractive)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(cancelCtx, domain.PriorityInteractive)
		errCh <- err
	}()

	// Wait until the waiter is queued, then cancel it.
	require.Eventually(t, func() bool {
		return s.Depth(domain.PriorityInteractive) == 1
	}, time.Second, time.Millisecond)
	cancel()

	err = <-errCh
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeTimeout))
	assert.Equal(t, 0, s.Depth(domain.PriorityInteractive), "cancelled waiter is removed from the queue")

	slot.Release()
	assert.Equal(t, 0, s.InFlight(), "cancelled waiter must not hold a slot")
}

func TestRelease_IsIdempotent(t *testing.T) {
	s := newScheduler(t, 3)
	slot, err := s.Acquire(context.Background(), domain.PriorityStandard)
	require.NoError(t, err)

	slot.Release()
	slot.Release()
	slot.Release()
	assert.Equal(t, 0, s.InFlight())
}

func TestClose_RejectsNewAcquires(t *testing.T) {
	s := newScheduler(t, 1)
	s.Close()

	_, err := s.Acquire(context.Background(), domain.PriorityInteractive)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnavailable))
}

// TestFairness_InteractiveNotStarvedByBatchFlood floods the batch tier and
// checks interactive requests still drain within a bounded number of
// admissions. With quanta 8/4/1, at most 1 batch admission happens per 8
// interactive ones, so every interactive waiter is admitted long before the
// flood drains.
func TestFairness_InteractiveNotStarvedByBatchFlood(t *testing.T) {
	s, err := New(Config{ConcurrencyCap: 2, InteractiveQuantum: 8, StandardQuantum: 4, BatchQuantum: 1})
	require.NoError(t, err)
	ctx := context.Background()

	const batchWaiters = 200
	const interactiveWaiters = 20

	var admittedBatch atomic.Int32

	// Occupy both slots so everything below queues in order.
	gate1, err := s.Acquire(ctx, domain.PriorityInteractive)
	require.NoError(t, err)
	gate2, err := s.Acquire(ctx, domain.PriorityInteractive)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range batchWaiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.Acquire(ctx, domain.PriorityBatch)
			if err != nil {
				return
			}
			admittedBatch.Add(1)
			slot.Release()
		}()
	}
	require.Eventually(t, func() bool {
		return s.Depth(domain.PriorityBatch) == batchWaiters
	}, 2*time.Second, time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)
	for range interactiveWaiters {
		g.Go(func() error {
			slot, err := s.Acquire(gctx, domain.PriorityInteractive)
			if err != nil {
				return err
			}
			slot.Release()
			return nil
		})
	}
	require.Eventually(t, func() bool {
		return s.Depth(domain.PriorityInteractive) == interactiveWaiters
	}, 2*time.Second, time.Millisecond)

	// Open the gates and let the scheduler race both populations.
	gate1.Release()
	gate2.Release()

	require.NoError(t, g.Wait())
	batchAdmittedSoFar := int(admittedBatch.Load())

	// All interactive waiters finished while the vast majority of the batch
	// flood was still queued.
	assert.Less(t, batchAdmittedSoFar, batchWaiters/2,
		"interactive tier must drain well before a 10x batch flood")

	wg.Wait()
	assert.Equal(t, int32(batchWaiters), admittedBatch.Load(), "batch tier drains eventually, no starvation either way")
	assert.Equal(t, 0, s.InFlight())
}

// TestFIFOWithinTier verifies same-tier ordering.
func TestFIFOWithinTier(t *testing.T) {
	s := newScheduler(t, 1)
	ctx := context.Background()

	gate, err := s.Acquire(ctx, domain.PriorityStandard)
	require.NoError(t, err)

	const n = 10
	order := make(chan int, n)
	for i := range n {
		i := i
		go func() {
			slot, err := s.Acquire(ctx, domain.PriorityStandard)
			if err != nil {
				return
			}
			order <- i
			slot.Release()
		}()
		// Queue them one at a time so arrival order is deterministic.
		require.Eventually(t, func() bool {
			return s.Depth(domain.PriorityStandard) == i+1
		}, time.Second, time.Millisecond)
	}

	gate.Release()

	for want := range n {
		select {
		case got := <-order:
			assert.Equal(t, want, got, "same-tier admissions must be FIFO")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for admission")
		}
	}
}

func TestUtilization(t *testing.T) {
	s := newScheduler(t, 4)
	ctx := context.Background()

	assert.Equal(t, 0.0, s.Utilization())

	slots := make([]*Slot, 0, 3)
	for range 3 {
		slot, err := s.Acquire(ctx, domain.PriorityStandard)
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	assert.InDelta(t, 0.75, s.Utilization(), 1e-9)

	for _, slot := range slots {
		slot.Release()
	}
	assert.Equal(t, 0.0, s.Utilization())
}
