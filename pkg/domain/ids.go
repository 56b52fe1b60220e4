// Package domain holds the identifier types shared across the gateway.
//
// IDs are distinct named types so the compiler rejects cross-assignment
// (a JobID can never be passed where a SubjectID is expected).
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	pkgerrors "eligibility-gateway/pkg/errors"
)

// SubjectID identifies a member/account whose eligibility is being checked.
// Subject IDs come from upstream systems and are opaque strings, not UUIDs.
type SubjectID string

func (s SubjectID) String() string { return string(s) }
func (s SubjectID) IsEmpty() bool  { return s == "" }

// ParseSubjectID validates a subject identifier at trust boundaries.
func ParseSubjectID(raw string) (SubjectID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "subject_id is required")
	}
	return SubjectID(trimmed), nil
}

// RequestID is the caller-supplied idempotency key for one submission.
type RequestID uuid.UUID

func NewRequestID() RequestID       { return RequestID(uuid.New()) }
func (r RequestID) String() string  { return uuid.UUID(r).String() }
func (r RequestID) IsNil() bool     { return uuid.UUID(r) == uuid.Nil }

// MarshalText renders the canonical UUID string; defined types do not
// inherit it from uuid.UUID.
func (r RequestID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RequestID) UnmarshalText(b []byte) error {
	parsed, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*r = RequestID(parsed)
	return nil
}

// ParseRequestID accepts an existing ID or mints one when raw is empty, since
// request_id is optional on the wire.
func ParseRequestID(raw string) (RequestID, error) {
	if strings.TrimSpace(raw) == "" {
		return NewRequestID(), nil
	}
	parsed, err := parseUUID(raw, "request_id")
	if err != nil {
		return RequestID{}, err
	}
	return RequestID(parsed), nil
}

// JobID identifies one scheduled batch job.
type JobID uuid.UUID

func NewJobID() JobID          { return JobID(uuid.New()) }
func (j JobID) String() string { return uuid.UUID(j).String() }
func (j JobID) IsNil() bool    { return uuid.UUID(j) == uuid.Nil }

func (j JobID) MarshalText() ([]byte, error) { return []byte(j.String()), nil }

func (j *JobID) UnmarshalText(b []byte) error {
	parsed, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*j = JobID(parsed)
	return nil
}

func ParseJobID(raw string) (JobID, error) {
	parsed, err := parseUUID(raw, "job_id")
	if err != nil {
		return JobID{}, err
	}
	return JobID(parsed), nil
}

// EventID identifies one completion event. Consumers key idempotent side
// effects by this value.
type EventID uuid.UUID

func NewEventID() EventID        { return EventID(uuid.New()) }
func (e EventID) String() string { return uuid.UUID(e).String() }
func (e EventID) IsNil() bool    { return uuid.UUID(e) == uuid.Nil }

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *EventID) UnmarshalText(b []byte) error {
	parsed, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*e = EventID(parsed)
	return nil
}

// DerivedEventID builds a name-based event ID from a job run coordinate.
// A crash between publish and checkpoint write makes the engine re-publish
// a chunk's outcomes on resume; deriving the ID from the coordinate means
// the replay carries the same event_id and idempotent consumers drop it.
func DerivedEventID(job JobID, chunk int, subject SubjectID) EventID {
	name := strconv.Itoa(chunk) + "/" + string(subject)
	return EventID(uuid.NewSHA1(uuid.UUID(job), []byte(name)))
}

func ParseEventID(raw string) (EventID, error) {
	parsed, err := parseUUID(raw, "event_id")
	if err != nil {
		return EventID{}, err
	}
	return EventID(parsed), nil
}

// Fingerprint is the deterministic cache/dedup key for a semantically unique
// eligibility query.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }
func (f Fingerprint) IsEmpty() bool  { return f == "" }

// ComputeFingerprint derives the fingerprint from the subject and the query
// parameters. Parameters are key-sorted before hashing so two maps with the
// same entries always produce the same fingerprint.
func ComputeFingerprint(subject SubjectID, params map[string]string) Fingerprint {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(subject))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(params[k]))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// ParseFingerprint validates a caller-supplied fingerprint (64 hex chars).
func ParseFingerprint(raw string) (Fingerprint, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) != sha256.Size*2 {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "fingerprint must be a 64-character hex digest")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "fingerprint must be hex encoded")
	}
	return Fingerprint(trimmed), nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeInvalidInput, field+" is required")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidInput, field+" must be a valid UUID")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeInvalidInput, field+" must not be the nil UUID")
	}
	return parsed, nil
}
