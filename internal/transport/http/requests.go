package httptransport

import (
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// CheckRequest is the wire form of one direct eligibility check.
type CheckRequest struct {
	SubjectID    string            `json:"subject_id" validate:"required,max=128"`
	Params       map[string]string `json:"params,omitempty" validate:"max=32"`
	Priority     string            `json:"priority,omitempty"`
	CacheControl string            `json:"cache_control,omitempty"`
}

// ToDomain builds the domain request, assigning a fresh request ID and the
// canonical fingerprint over subject and params.
func (r CheckRequest) ToDomain() (domain.EligibilityRequest, error) {
	priority, err := domain.ParsePriority(r.Priority)
	if err != nil {
		return domain.EligibilityRequest{}, err
	}
	cacheControl, err := domain.ParseCacheControl(r.CacheControl)
	if err != nil {
		return domain.EligibilityRequest{}, err
	}
	subject := id.SubjectID(r.SubjectID)
	return domain.EligibilityRequest{
		RequestID:    id.NewRequestID(),
		SubjectID:    subject,
		Fingerprint:  id.ComputeFingerprint(subject, r.Params),
		Priority:     priority,
		CacheControl: cacheControl,
		SubmittedAt:  time.Now(),
	}, nil
}

// JobRequest is the wire form of one population-scale job submission.
type JobRequest struct {
	MemberSelector   MemberSelectorRequest   `json:"member_selector" validate:"required"`
	ExecutionOptions ExecutionOptionsRequest `json:"execution_options"`
}

// MemberSelectorRequest mirrors domain.MemberSelector. The exactly-one-of
// invariant is enforced by the domain type, not by tags.
type MemberSelectorRequest struct {
	SubjectIDs []string             `json:"subject_ids,omitempty" validate:"max=1000000,dive,max=128"`
	Filter     *MemberFilterRequest `json:"filter,omitempty"`
}

type MemberFilterRequest struct {
	Coverage             string   `json:"coverage,omitempty" validate:"max=64"`
	MinAge               int      `json:"min_age,omitempty" validate:"gte=0,lte=150"`
	MaxAge               int      `json:"max_age,omitempty" validate:"gte=0,lte=150"`
	EngagementLevel      string   `json:"engagement_level,omitempty" validate:"max=64"`
	RecentEventTypes     []string `json:"recent_event_types,omitempty" validate:"max=16,dive,max=64"`
	MinPredictedActivity float64  `json:"min_predicted_activity,omitempty" validate:"gte=0,lte=1"`
}

type ExecutionOptionsRequest struct {
	Priority         string `json:"priority,omitempty"`
	SchedulingWindow string `json:"scheduling_window,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty" validate:"gte=0,lte=10"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty" validate:"gte=0,lte=86400"`
	BypassCache      bool   `json:"bypass_cache,omitempty"`
}

// ToDomain converts the wire job into the domain selector and options.
func (r JobRequest) ToDomain() (domain.MemberSelector, domain.ExecutionOptions, error) {
	priority, err := domain.ParsePriority(r.ExecutionOptions.Priority)
	if err != nil {
		return domain.MemberSelector{}, domain.ExecutionOptions{}, err
	}
	window, err := domain.ParseSchedulingWindow(r.ExecutionOptions.SchedulingWindow)
	if err != nil {
		return domain.MemberSelector{}, domain.ExecutionOptions{}, err
	}

	selector := domain.MemberSelector{}
	for _, raw := range r.MemberSelector.SubjectIDs {
		selector.SubjectIDs = append(selector.SubjectIDs, id.SubjectID(raw))
	}
	if f := r.MemberSelector.Filter; f != nil {
		selector.Filter = &domain.MemberFilter{
			Coverage:             f.Coverage,
			MinAge:               f.MinAge,
			MaxAge:               f.MaxAge,
			EngagementLevel:      f.EngagementLevel,
			RecentEventTypes:     f.RecentEventTypes,
			MinPredictedActivity: f.MinPredictedActivity,
		}
	}
	if err := selector.Validate(); err != nil {
		return domain.MemberSelector{}, domain.ExecutionOptions{}, err
	}

	opts := domain.ExecutionOptions{
		Priority:    priority,
		Window:      window,
		MaxRetries:  r.ExecutionOptions.MaxRetries,
		Timeout:     time.Duration(r.ExecutionOptions.TimeoutSeconds) * time.Second,
		BypassCache: r.ExecutionOptions.BypassCache,
	}
	return selector, opts, nil
}
