package events

import (
	"context"
	"hash/fnv"
	"sync"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

const defaultPartitions = 12

// MemoryLog is an in-process Log with the same delivery contract as the
// Kafka-backed one: events partitioned by subject, independent offsets per
// consumer group, sequential delivery within a partition.
type MemoryLog struct {
	mu         sync.Mutex
	partitions []partition
	dead       []DeadLetterRecord
	subs       []chan struct{}
	closed     bool
}

type partition struct {
	events []domain.CompletionEvent
}

// DeadLetterRecord captures a dead-lettered event for inspection.
type DeadLetterRecord struct {
	Group string
	Event domain.CompletionEvent
	Cause string
}

// NewMemoryLog returns a log with the given partition count; n <= 0 uses a
// default of 12.
func NewMemoryLog(n int) *MemoryLog {
	if n <= 0 {
		n = defaultPartitions
	}
	return &MemoryLog{partitions: make([]partition, n)}
}

func (l *MemoryLog) partitionFor(subject id.SubjectID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32()) % len(l.partitions)
}

// Publish appends ev to the partition owned by its subject and wakes all
// subscribers.
func (l *MemoryLog) Publish(ctx context.Context, ev domain.CompletionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return pkgerrors.Wrap(sentinel.ErrClosed, pkgerrors.CodeUnavailable, "event log closed")
	}
	p := l.partitionFor(ev.SubjectID)
	l.partitions[p].events = append(l.partitions[p].events, ev)
	subs := make([]chan struct{}, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe runs handler over every partition for the named group, in a
// single goroutine per subscription: within a partition events are handled
// strictly in order, and a handler error stalls only until the runner above
// decides (retry or dead-letter then skip). Handler errors here do NOT
// advance the offset; the Runner wraps handlers so that by the time an error
// escapes to this level the event is already dead-lettered and may be
// skipped.
func (l *MemoryLog) Subscribe(ctx context.Context, group string, handler Handler) error {
	notify := make(chan struct{}, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return pkgerrors.Wrap(sentinel.ErrClosed, pkgerrors.CodeUnavailable, "event log closed")
	}
	l.subs = append(l.subs, notify)
	offsets := make([]int, len(l.partitions))
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		for i, ch := range l.subs {
			if ch == notify {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}()

	for {
		delivered := false
		for p := range offsets {
			for {
				l.mu.Lock()
				events := l.partitions[p].events
				if offsets[p] >= len(events) {
					l.mu.Unlock()
					break
				}
				ev := events[offsets[p]]
				l.mu.Unlock()

				if err := handler(ctx, ev); err != nil {
					// Offset stays put; retried on next wakeup.
					if ctx.Err() != nil {
						return ctx.Err()
					}
					break
				}
				offsets[p]++
				delivered = true
			}
		}
		if delivered {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// DeadLetter records the event on the in-memory dead-letter list.
func (l *MemoryLog) DeadLetter(_ context.Context, group string, ev domain.CompletionEvent, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	l.mu.Lock()
	l.dead = append(l.dead, DeadLetterRecord{Group: group, Event: ev, Cause: msg})
	l.mu.Unlock()
	return nil
}

// DeadLetters returns a copy of the dead-letter records, for tests and the
// single-binary admin surface.
func (l *MemoryLog) DeadLetters() []DeadLetterRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeadLetterRecord, len(l.dead))
	copy(out, l.dead)
	return out
}

// Close rejects further publishes and subscriptions. Existing subscribers
// keep draining until their contexts end.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
