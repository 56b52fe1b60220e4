// Package httptransport is the thin HTTP layer. Handlers decode, validate,
// delegate to the domain services, and translate errors; no business logic
// lives here.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eligibility-gateway/internal/dispatch"
	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/httputil"
)

const defaultJobListLimit = 50

// Dispatcher is the direct check path.
type Dispatcher interface {
	Submit(ctx context.Context, req domain.EligibilityRequest) (*dispatch.Result, error)
}

// JobService is the slice of the batch engine the job endpoints need.
type JobService interface {
	SubmitJob(ctx context.Context, selector domain.MemberSelector, opts domain.ExecutionOptions) (*domain.ScheduledJob, error)
	GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error)
	ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error)
	Cancel(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error)
}

// Subscriber upgrades a request into a completion-event subscription.
type Subscriber interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request) error
}

// Handler wires the public endpoints to the domain services.
type Handler struct {
	dispatcher Dispatcher
	jobs       JobService
	subscriber Subscriber
	logger     *slog.Logger
}

// New constructs the handler. subscriber may be nil when the push gateway is
// disabled; the subscribe endpoint then answers 503.
func New(dispatcher Dispatcher, jobs JobService, subscriber Subscriber, logger *slog.Logger) (*Handler, error) {
	if dispatcher == nil || jobs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "handler requires dispatcher and job service")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		dispatcher: dispatcher,
		jobs:       jobs,
		subscriber: subscriber,
		logger:     logger,
	}, nil
}

// HandleSubmitCheck handles POST /v1/checks.
func (h *Handler) HandleSubmitCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	req, ok := httputil.Decode[CheckRequest](w, r)
	if !ok {
		return
	}
	domainReq, err := req.ToDomain()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.dispatcher.Submit(ctx, domainReq)
	if err != nil {
		h.logger.ErrorContext(ctx, "check failed",
			"request_id", middleware.GetReqID(ctx),
			"subject_id", domainReq.SubjectID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "check answered",
		"request_id", middleware.GetReqID(ctx),
		"subject_id", domainReq.SubjectID,
		"cached", result.Cached,
		"deferred", result.Deferred,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	status := http.StatusOK
	if result.Deferred {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, FromDispatchResult(domainReq, result))
}

// HandleSubmitJob handles POST /v1/jobs.
func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.Decode[JobRequest](w, r)
	if !ok {
		return
	}
	selector, opts, err := req.ToDomain()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	job, err := h.jobs.SubmitJob(ctx, selector, opts)
	if err != nil {
		h.logger.ErrorContext(ctx, "job submission failed",
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "job accepted",
		"request_id", middleware.GetReqID(ctx),
		"job_id", job.JobID,
		"window", job.Options.Window,
	)
	httputil.WriteJSON(w, http.StatusAccepted, job)
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

// HandleListJobs handles GET /v1/jobs?status=running&status=pending&limit=20.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.JobStatus
	for _, raw := range r.URL.Query()["status"] {
		status := domain.JobStatus(raw)
		switch status {
		case domain.JobPending, domain.JobRunning, domain.JobCompleted,
			domain.JobFailed, domain.JobPartiallyCompleted, domain.JobCancelled:
			statuses = append(statuses, status)
		default:
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeInvalidInput, "unknown job status "+strconv.Quote(raw)))
			return
		}
	}

	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListJobs(r.Context(), statuses, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

// HandleCancelJob handles POST /v1/jobs/{job_id}/cancel.
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := parseJobID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	job, err := h.jobs.Cancel(ctx, jobID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "job cancelled",
		"request_id", middleware.GetReqID(ctx),
		"job_id", job.JobID,
	)
	httputil.WriteJSON(w, http.StatusOK, job)
}

// HandleSubscribe handles GET /v1/subscribe websocket upgrades.
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		httputil.WriteError(w, pkgerrors.New(pkgerrors.CodeUnavailable, "push delivery is disabled"))
		return
	}
	if err := h.subscriber.HandleUpgrade(w, r); err != nil {
		httputil.WriteError(w, err)
	}
}

func parseJobID(r *http.Request) (id.JobID, error) {
	raw := chi.URLParam(r, "job_id")
	var jobID id.JobID
	if err := jobID.UnmarshalText([]byte(raw)); err != nil {
		return id.JobID{}, pkgerrors.New(pkgerrors.CodeInvalidInput, "job_id must be a UUID")
	}
	return jobID, nil
}
