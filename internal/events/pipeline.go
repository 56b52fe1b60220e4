// Package events is the completion event pipeline: durable, at-least-once
// publication of terminal outcomes to a partitioned log, consumed by
// independent consumer groups.
//
// The partition key is subject_id, so all events for one subject reach each
// consumer in emission order. Cross-subject ordering is not promised.
package events

import (
	"context"

	"eligibility-gateway/internal/domain"
)

// Handler processes one event for a consumer group. Returning an error
// triggers the runner's bounded retry, then dead-lettering. Handlers must be
// idempotent keyed by event_id: crash-restart redelivers.
type Handler func(ctx context.Context, ev domain.CompletionEvent) error

// Log is the partitioned event log. Implementations: KafkaLog (production)
// and MemoryLog (tests, single-binary runs).
type Log interface {
	// Publish appends the event, keyed by its subject. Returns only after
	// the log has durably accepted it.
	Publish(ctx context.Context, ev domain.CompletionEvent) error

	// Subscribe delivers events to handler for the named consumer group,
	// blocking until ctx is cancelled. Each group owns its offsets; two
	// groups never share progress. Per subject, handler invocations follow
	// emission order.
	Subscribe(ctx context.Context, group string, handler Handler) error

	// DeadLetter routes an event a consumer could not process to the
	// dead-letter channel. Never drops.
	DeadLetter(ctx context.Context, group string, ev domain.CompletionEvent, cause error) error
}
