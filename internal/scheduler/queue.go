package scheduler

import "eligibility-gateway/internal/domain"

// waiter is one flow suspended on admission. ready is closed exactly once,
// by the dispatch loop, while the scheduler mutex is held.
type waiter struct {
	tier     domain.Priority
	ready    chan struct{}
	admitted bool
}

// fifo is a per-tier wait queue. All methods run under the scheduler mutex.
type fifo struct {
	waiters []*waiter
}

func (q *fifo) push(w *waiter) {
	q.waiters = append(q.waiters, w)
}

// pop removes and returns the head waiter, or nil when empty.
func (q *fifo) pop() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	return w
}

func (q *fifo) peek() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	return q.waiters[0]
}

// remove splices out a cancelled waiter. Returns false when the waiter is no
// longer queued (already admitted).
func (q *fifo) remove(target *waiter) bool {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo) len() int { return len(q.waiters) }
