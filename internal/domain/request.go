// Package domain holds the core data model for eligibility verification:
// requests, outcomes, completion events, and scheduled jobs.
package domain

import (
	"time"

	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
)

// Priority is the urgency tier of one eligibility check. It decides which
// scheduler queue the request waits in.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityStandard    Priority = "standard"
	PriorityBatch       Priority = "batch"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityInteractive, PriorityStandard, PriorityBatch:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

// ParsePriority validates a wire priority, defaulting empty to standard.
func ParsePriority(raw string) (Priority, error) {
	if raw == "" {
		return PriorityStandard, nil
	}
	p := Priority(raw)
	if !p.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "priority must be interactive, standard, or batch")
	}
	return p, nil
}

// CacheControl selects the caller's staleness tolerance.
type CacheControl string

const (
	CacheDefault              CacheControl = "default"
	CacheOnly                 CacheControl = "cache-only"
	CachePreferCached         CacheControl = "prefer-cached"
	CacheBypass               CacheControl = "bypass-cache"
	CacheStaleWhileRevalidate CacheControl = "stale-while-revalidate"
)

func (c CacheControl) IsValid() bool {
	switch c {
	case CacheDefault, CacheOnly, CachePreferCached, CacheBypass, CacheStaleWhileRevalidate:
		return true
	}
	return false
}

func (c CacheControl) String() string { return string(c) }

// ParseCacheControl validates a wire cache-control mode, defaulting empty to
// default.
func ParseCacheControl(raw string) (CacheControl, error) {
	if raw == "" {
		return CacheDefault, nil
	}
	c := CacheControl(raw)
	if !c.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "unknown cache_control mode")
	}
	return c, nil
}

// EligibilityRequest is one logical need for a verification result.
type EligibilityRequest struct {
	RequestID    id.RequestID
	SubjectID    id.SubjectID
	Fingerprint  id.Fingerprint
	Priority     Priority
	CacheControl CacheControl
	SubmittedAt  time.Time

	// CausingJobID links requests spawned by a batch job to that job's
	// progress accounting. Nil for direct submissions.
	CausingJobID *id.JobID
}
