package httptransport

import (
	"eligibility-gateway/internal/dispatch"
	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// CheckResponse is the wire answer to a direct check. Deferred answers carry
// no result; the request ID and fingerprint let the caller correlate the
// completion event that eventually arrives.
type CheckResponse struct {
	RequestID   id.RequestID    `json:"request_id"`
	Fingerprint id.Fingerprint  `json:"fingerprint"`
	Status      string          `json:"status"`
	Result      *domain.Outcome `json:"result,omitempty"`
	Cached      bool            `json:"cached,omitempty"`
	Stale       bool            `json:"stale,omitempty"`
}

// FromDispatchResult flattens the dispatch answer for the wire.
func FromDispatchResult(req domain.EligibilityRequest, res *dispatch.Result) CheckResponse {
	resp := CheckResponse{
		RequestID:   req.RequestID,
		Fingerprint: req.Fingerprint,
	}
	if res.Deferred {
		resp.Status = "deferred"
		return resp
	}
	resp.Status = res.Outcome.Kind.String()
	resp.Result = res.Outcome
	resp.Cached = res.Cached
	resp.Stale = res.Stale
	return resp
}

// JobListResponse wraps the job listing. ScheduledJob already carries stable
// JSON tags, so jobs serialize directly.
type JobListResponse struct {
	Jobs []*domain.ScheduledJob `json:"jobs"`
}
