package domain

import (
	"time"

	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// JobStatus is the lifecycle state of a scheduled job. Transitions are
// monotonic: pending → running → one terminal state, exactly once.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobFailed             JobStatus = "failed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobCancelled          JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartiallyCompleted, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled || next == JobFailed
	case JobRunning:
		return next.IsTerminal()
	}
	return false
}

// SchedulingWindow names when a job's chunks may be submitted.
type SchedulingWindow string

const (
	WindowAny               SchedulingWindow = "ANY"
	WindowBusinessHours     SchedulingWindow = "BUSINESS_HOURS"
	WindowMorning           SchedulingWindow = "MORNING"
	WindowEvening           SchedulingWindow = "EVENING"
	WindowLowUtilization    SchedulingWindow = "LOW_UTILIZATION"
	WindowOptimalEngagement SchedulingWindow = "OPTIMAL_ENGAGEMENT"
)

func (w SchedulingWindow) IsValid() bool {
	switch w {
	case WindowAny, WindowBusinessHours, WindowMorning, WindowEvening,
		WindowLowUtilization, WindowOptimalEngagement:
		return true
	}
	return false
}

func (w SchedulingWindow) String() string { return string(w) }

// ParseSchedulingWindow validates a wire window name, defaulting empty to ANY.
func ParseSchedulingWindow(raw string) (SchedulingWindow, error) {
	if raw == "" {
		return WindowAny, nil
	}
	w := SchedulingWindow(raw)
	if !w.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeInvalidInput, "unknown scheduling_window")
	}
	return w, nil
}

// MemberFilter is a declarative selector over member attributes. Zero fields
// mean "no constraint"; resolution happens through the external member
// directory, which treats this as an opaque query.
type MemberFilter struct {
	Coverage             string   `json:"coverage,omitempty"`
	MinAge               int      `json:"min_age,omitempty"`
	MaxAge               int      `json:"max_age,omitempty"`
	EngagementLevel      string   `json:"engagement_level,omitempty"`
	RecentEventTypes     []string `json:"recent_event_types,omitempty"`
	MinPredictedActivity float64  `json:"min_predicted_activity,omitempty"`
}

// IsZero reports whether the filter carries no constraints.
func (f MemberFilter) IsZero() bool {
	return f.Coverage == "" && f.MinAge == 0 && f.MaxAge == 0 &&
		f.EngagementLevel == "" && len(f.RecentEventTypes) == 0 &&
		f.MinPredictedActivity == 0
}

// MemberSelector names the population a job covers: either an explicit ID
// list or a declarative filter, never both.
type MemberSelector struct {
	SubjectIDs []id.SubjectID `json:"subject_ids,omitempty"`
	Filter     *MemberFilter  `json:"filter,omitempty"`
}

// Validate enforces the exactly-one-of invariant.
func (s MemberSelector) Validate() error {
	hasIDs := len(s.SubjectIDs) > 0
	hasFilter := s.Filter != nil && !s.Filter.IsZero()
	if hasIDs == hasFilter {
		return pkgerrors.New(pkgerrors.CodeInvalidInput, "member_selector needs exactly one of subject_ids or filter")
	}
	return nil
}

// ExecutionOptions tunes how a job runs.
type ExecutionOptions struct {
	Priority    Priority         `json:"priority"`
	Window      SchedulingWindow `json:"scheduling_window"`
	MaxRetries  int              `json:"max_retries,omitempty"`
	Timeout     time.Duration    `json:"timeout,omitempty"`
	BypassCache bool             `json:"bypass_cache,omitempty"`
}

// Progress is the running tally of a job's subjects.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	CacheHits int `json:"cache_hits"`
}

// SubjectError records one subject's failure inside a job.
type SubjectError struct {
	SubjectID id.SubjectID `json:"subject_id"`
	Code      string       `json:"code"`
	Retryable bool         `json:"retryable"`
}

// ScheduledJob is one population-scale unit of work.
type ScheduledJob struct {
	JobID               id.JobID         `json:"job_id"`
	Selector            MemberSelector   `json:"member_selector"`
	Options             ExecutionOptions `json:"execution_options"`
	Status              JobStatus        `json:"status"`
	Progress            Progress         `json:"progress"`
	Errors              []SubjectError   `json:"errors,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	EstimatedCompletion time.Time        `json:"estimated_completion,omitempty"`
}

// NewScheduledJob creates a pending job.
func NewScheduledJob(selector MemberSelector, opts ExecutionOptions) *ScheduledJob {
	now := time.Now()
	return &ScheduledJob{
		JobID:     id.NewJobID(),
		Selector:  selector,
		Options:   opts,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the job to next, enforcing monotonicity. A rejected
// transition returns sentinel.ErrInvalidState wrapped with both states.
func (j *ScheduledJob) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return pkgerrors.Wrap(sentinel.ErrInvalidState, pkgerrors.CodeConflict,
			"job "+j.JobID.String()+" cannot move "+j.Status.String()+" -> "+next.String())
	}
	j.Status = next
	j.UpdatedAt = time.Now()
	return nil
}
