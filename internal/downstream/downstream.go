// Package downstream defines the external collaborators the gateway calls:
// the eligibility verification service (direct and batch paths), the member
// directory, the engagement predictor, and the per-event authorizer. The
// protocols behind these interfaces are opaque to the core.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// Error is a classified downstream failure. Transport and 5xx-class problems
// are retryable; validation-class rejections are not.
type Error struct {
	Code      string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("downstream %s: %v", e.Code, e.cause)
	}
	return "downstream " + e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified downstream error.
func NewError(code string, retryable bool, cause error) *Error {
	return &Error{Code: code, Retryable: retryable, cause: cause}
}

// Classify maps any error from a downstream call to a failure code and
// retryability. Unclassified errors are treated as retryable transport
// faults: the safe default for an opaque dependency.
func Classify(err error) (code string, retryable bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, de.Retryable
	}
	return "transport_error", true
}

// Verifier is the direct, single-subject verification call. Latency is
// highly variable (P95 over 10s); callers bound it with a context deadline.
type Verifier interface {
	Verify(ctx context.Context, subject id.SubjectID, fp id.Fingerprint) (json.RawMessage, error)
}

// Member is one directory record: the subject plus the IANA timezone its
// scheduling windows anchor to.
type Member struct {
	SubjectID id.SubjectID
	Timezone  string
}

// Directory resolves member selectors against the external member store.
// Query is cursor-paginated; an empty next cursor ends the listing.
type Directory interface {
	ResolveIDs(ctx context.Context, ids []id.SubjectID) ([]Member, error)
	Query(ctx context.Context, filter domain.MemberFilter, cursor string, limit int) (members []Member, next string, err error)
}

// SubjectResult is one subject's outcome inside a batch submission.
type SubjectResult struct {
	SubjectID   id.SubjectID
	Payload     json.RawMessage
	FailureCode string
	Retryable   bool
}

// Succeeded reports whether the subject resolved with a payload.
func (r SubjectResult) Succeeded() bool { return r.FailureCode == "" }

// BatchPoll is one poll observation of an in-flight batch submission.
type BatchPoll struct {
	Done    bool
	Results []SubjectResult
}

// BatchSubmitter is the batch-capable verification path. Submit returns an
// opaque submission ID; Poll reports progress until Done.
type BatchSubmitter interface {
	Submit(ctx context.Context, subjects []id.SubjectID) (submissionID string, err error)
	Poll(ctx context.Context, submissionID string) (*BatchPoll, error)
}

// Predictor estimates when a member is most likely to engage. Confidence is
// 0-1; callers fall back to fixed windows below their threshold.
type Predictor interface {
	BestEngagementTime(ctx context.Context, subject id.SubjectID) (at time.Time, confidence float64, err error)
}

// Authorizer decides whether a connected principal may see a subject's
// events. Called per event/connection pair by the delivery gateway.
type Authorizer interface {
	CanView(ctx context.Context, principal string, subject id.SubjectID) (bool, error)
}
