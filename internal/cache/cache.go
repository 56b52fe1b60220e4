// Package cache is the fingerprint-keyed result cache. It is a leaf
// dependency: every request path reads it, and only the completion event
// pipeline writes it.
package cache

import (
	"context"
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// staleRetention is how long entries remain readable past their TTL for the
// prefer-cached and stale-while-revalidate modes. Beyond it, entries are
// evicted outright.
const staleRetention = 72 * time.Hour

// Entry is one cached terminal result.
type Entry struct {
	Fingerprint id.Fingerprint `json:"fingerprint"`
	SubjectID   id.SubjectID   `json:"subject_id"`
	Outcome     domain.Outcome `json:"outcome"`
	StoredAt    time.Time      `json:"stored_at"`
	TTL         time.Duration  `json:"ttl"`
}

// ExpiresAt is the instant the entry stops being fresh.
func (e Entry) ExpiresAt() time.Time { return e.StoredAt.Add(e.TTL) }

// IsStale reports whether the entry is past its TTL at now. Stale entries are
// still served under permissive cache-control modes.
func (e Entry) IsStale(now time.Time) bool { return now.After(e.ExpiresAt()) }

// Store is the cache persistence interface. Get returns entries even when
// stale; staleness decisions belong to the classifier. A missing (or fully
// evicted) entry returns an error wrapping sentinel.ErrNotFound.
type Store interface {
	Get(ctx context.Context, fp id.Fingerprint) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, fp id.Fingerprint) error
}

// TTLPolicy resolves the TTL for an outcome class: long for successes, short
// for failures so negative results are retried soon.
type TTLPolicy struct {
	Success time.Duration
	Error   time.Duration
}

// For returns the TTL the outcome should be stored with.
func (p TTLPolicy) For(o domain.Outcome) time.Duration {
	if o.IsSuccess() {
		return p.Success
	}
	return p.Error
}

// EntryFromEvent derives the cache entry a completion event produces, or
// false when the event must not touch the cache (cached-type events would
// otherwise refresh their own TTL forever).
func EntryFromEvent(ev domain.CompletionEvent, policy TTLPolicy) (Entry, bool) {
	if ev.Type == domain.EventCached {
		return Entry{}, false
	}
	return Entry{
		Fingerprint: ev.Fingerprint,
		SubjectID:   ev.SubjectID,
		Outcome:     ev.Outcome,
		StoredAt:    ev.OccurredAt,
		TTL:         policy.For(ev.Outcome),
	}, true
}
