package domain

import (
	"time"

	id "eligibility-gateway/pkg/domain"
)

// EventType is the wire-level event class. It mirrors OutcomeKind with one
// addition: cached, for answers served from the cache layer without a
// downstream call.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimeout   EventType = "timeout"
	EventCached    EventType = "cached"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventCompleted, EventFailed, EventTimeout, EventCached:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

// CompletionEvent is the immutable fact describing the terminal outcome of
// one eligibility request. It is never mutated after emission; consumers key
// idempotent side effects by EventID.
//
// JSON field names are the stable wire schema.
type CompletionEvent struct {
	EventID            id.EventID     `json:"event_id"`
	Type               EventType      `json:"type"`
	Fingerprint        id.Fingerprint `json:"fingerprint"`
	SubjectID          id.SubjectID   `json:"subject_id"`
	Outcome            Outcome        `json:"result"`
	WasCached          bool           `json:"was_cached,omitempty"`
	ProcessingDuration time.Duration  `json:"processing_duration"`
	OccurredAt         time.Time      `json:"occurred_at"`
	CausingJobID       *id.JobID      `json:"causing_job_id,omitempty"`
}

// NewCompletionEvent builds an event for a fresh terminal outcome.
func NewCompletionEvent(req EligibilityRequest, outcome Outcome, took time.Duration) CompletionEvent {
	return CompletionEvent{
		EventID:            id.NewEventID(),
		Type:               EventType(outcome.Kind),
		Fingerprint:        req.Fingerprint,
		SubjectID:          req.SubjectID,
		Outcome:            outcome,
		ProcessingDuration: took,
		OccurredAt:         time.Now(),
		CausingJobID:       req.CausingJobID,
	}
}

// NewCachedEvent builds an event for an answer served from cache. Only
// emitted when the request runs in a job context, so job progress can count
// cache hits; interactive cache hits return synchronously without an event.
func NewCachedEvent(req EligibilityRequest, outcome Outcome) CompletionEvent {
	return CompletionEvent{
		EventID:      id.NewEventID(),
		Type:         EventCached,
		Fingerprint:  req.Fingerprint,
		SubjectID:    req.SubjectID,
		Outcome:      outcome,
		WasCached:    true,
		OccurredAt:   time.Now(),
		CausingJobID: req.CausingJobID,
	}
}
