package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/events"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/platform/metrics"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	xstrings "eligibility-gateway/pkg/platform/strings"
)

// maxRecordedErrors caps the per-subject error list carried on a job so a
// population-scale failure does not balloon the job record; the full story
// is in the event stream.
const maxRecordedErrors = 100

// directoryPageSize is the page size used when resolving filter selectors.
const directoryPageSize = 500

// utilizationPollInterval is how often the throttle re-reads saturation
// while paused.
const utilizationPollInterval = 2 * time.Second

// Engine executes scheduled jobs: resolve the member selector, plan
// timezone-aware chunks, submit them through the batch downstream path, and
// fold poll results into durable checkpoints and per-subject completion
// events.
type Engine struct {
	store     Store
	directory downstream.Directory
	submitter downstream.BatchSubmitter
	planner   *Planner
	log       events.Log
	cache     cache.Store
	util      func() float64
	cfg       config.Batch

	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancels map[id.JobID]context.CancelFunc
	root    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds the engine. util is the saturation feed the adaptive throttle
// reads (use the scheduler's Utilization method); cacheStore may be nil to
// disable the cache prescan entirely.
func New(store Store, directory downstream.Directory, submitter downstream.BatchSubmitter, planner *Planner, log events.Log, cacheStore cache.Store, util func() float64, cfg config.Batch, opts ...Option) (*Engine, error) {
	if store == nil || directory == nil || submitter == nil || planner == nil || log == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "batch engine requires store, directory, submitter, planner and event log")
	}
	if util == nil {
		util = func() float64 { return 0 }
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.PollInitialInterval <= 0 {
		cfg.PollInitialInterval = 15 * time.Second
	}
	if cfg.PollMaxInterval < cfg.PollInitialInterval {
		cfg.PollMaxInterval = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 6 * time.Hour
	}

	root, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		directory: directory,
		submitter: submitter,
		planner:   planner,
		log:       log,
		cache:     cacheStore,
		util:      util,
		cfg:       cfg,
		tracer:    otel.Tracer("eligibility-gateway/internal/batch"),
		logger:    slog.New(slog.DiscardHandler),
		cancels:   make(map[id.JobID]context.CancelFunc),
		root:      root,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubmitJob validates and persists a new job, then starts executing it in
// the background. The returned job is the pending record; callers track it
// through GetJob and the event stream.
func (e *Engine) SubmitJob(ctx context.Context, selector domain.MemberSelector, opts domain.ExecutionOptions) (*domain.ScheduledJob, error) {
	if err := selector.Validate(); err != nil {
		return nil, err
	}
	if opts.Window == "" {
		opts.Window = domain.WindowAny
	}
	if !opts.Window.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidInput, "unknown scheduling_window")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityBatch
	}

	job := domain.NewScheduledJob(selector, opts)
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.IncrementJobStatus(job.Status.String())
	e.logger.Info("job accepted", "job_id", job.JobID, "window", opts.Window, "priority", opts.Priority)

	e.launch(job.JobID)
	out := *job
	return &out, nil
}

// GetJob returns the stored job record.
func (e *Engine) GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns stored jobs filtered by status, newest first.
func (e *Engine) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error) {
	return e.store.ListJobs(ctx, statuses, limit)
}

// Cancel stops a job. A running job stops submitting new chunks; the chunk
// in flight downstream is abandoned, not awaited. Cancelling a terminal job
// is a conflict.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "job already "+job.Status.String())
	}

	e.mu.Lock()
	cancel, running := e.cancels[jobID]
	e.mu.Unlock()
	if running {
		cancel()
		// The job goroutine writes the terminal state; report the current
		// record and let the caller observe the transition through GetJob.
		return job, nil
	}

	// No executor owns it (e.g. found pending after a restart with no
	// resume yet); finalize directly.
	if err := job.Transition(domain.JobCancelled); err != nil {
		return nil, err
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.IncrementJobStatus(job.Status.String())
	return job, nil
}

// Resume restarts execution of every non-terminal job found in the store.
// Called once at startup; jobs continue from their checkpoints, so chunks
// already submitted are polled rather than re-submitted and finished chunks
// are not double-counted.
func (e *Engine) Resume(ctx context.Context) error {
	jobs, err := e.store.ListJobs(ctx, []domain.JobStatus{domain.JobPending, domain.JobRunning}, 0)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		e.logger.Info("resuming job", "job_id", job.JobID, "status", job.Status)
		e.launch(job.JobID)
	}
	return nil
}

// Close stops all job goroutines and waits for them to park their state.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) launch(jobID id.JobID) {
	jobCtx, cancel := context.WithCancel(e.root)
	e.mu.Lock()
	if _, already := e.cancels[jobID]; already {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancels[jobID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, jobID)
			e.mu.Unlock()
		}()
		e.run(jobCtx, jobID)
	}()
}

// run drives one job to a terminal state. Store writes use the engine root
// context so a cancelled job can still persist its final record.
func (e *Engine) run(ctx context.Context, jobID id.JobID) {
	ctx, span := e.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("job_id", jobID.String()),
	))
	defer span.End()

	job, err := e.store.GetJob(e.root, jobID)
	if err != nil {
		e.logger.Error("job vanished before execution", "job_id", jobID, "error", err)
		return
	}
	if job.Status == domain.JobPending {
		if err := job.Transition(domain.JobRunning); err != nil {
			return
		}
		if err := e.store.UpdateJob(e.root, job); err != nil {
			e.logger.Error("job start write failed", "job_id", jobID, "error", err)
			return
		}
		e.metrics.IncrementJobStatus(job.Status.String())
	}

	cp, err := e.loadOrPlan(ctx, job)
	if err != nil {
		e.finalize(job, cp, err)
		return
	}
	job.Progress = cp.Progress()
	job.EstimatedCompletion = e.estimateCompletion(job, *cp)
	_ = e.store.UpdateJob(e.root, job)

	deadline := job.CreatedAt.Add(e.jobTimeout(job))
	err = e.executeChunks(ctx, job, cp, deadline)
	e.finalize(job, cp, err)
}

func (e *Engine) jobTimeout(job *domain.ScheduledJob) time.Duration {
	if job.Options.Timeout > 0 {
		return job.Options.Timeout
	}
	return e.cfg.JobTimeout
}

// loadOrPlan returns the job's checkpoint, building and persisting it on
// first run: selector resolution, cache prescan, timezone grouping,
// chunking, and window anchoring.
func (e *Engine) loadOrPlan(ctx context.Context, job *domain.ScheduledJob) (*Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(e.root, job.JobID)
	if err == nil {
		return cp, nil
	}
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		return nil, err
	}

	members, err := e.resolveSelector(ctx, job.Selector)
	if err != nil {
		return nil, err
	}

	misses, cacheHits := e.prescan(ctx, job, members)
	now := time.Now()
	cp = &Checkpoint{
		JobID:     job.JobID,
		Total:     len(members),
		CacheHits: cacheHits,
		Chunks:    e.planChunks(ctx, job, misses, now),
		PlannedAt: now,
	}
	if err := e.store.SaveCheckpoint(e.root, *cp); err != nil {
		return nil, err
	}
	e.logger.Info("job planned",
		"job_id", job.JobID, "population", cp.Total, "cache_hits", cacheHits, "chunks", len(cp.Chunks))
	return cp, nil
}

// resolveSelector turns the selector into concrete members: explicit ID
// lists go through directory resolution after dedupe, filters page through
// the directory query.
func (e *Engine) resolveSelector(ctx context.Context, selector domain.MemberSelector) ([]downstream.Member, error) {
	if len(selector.SubjectIDs) > 0 {
		raw := make([]string, len(selector.SubjectIDs))
		for i, s := range selector.SubjectIDs {
			raw[i] = s.String()
		}
		deduped := xstrings.DedupeAndTrim(raw)
		ids := make([]id.SubjectID, len(deduped))
		for i, s := range deduped {
			ids[i] = id.SubjectID(s)
		}
		members, err := e.directory.ResolveIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve subject ids: %w", err)
		}
		return members, nil
	}

	var members []downstream.Member
	cursor := ""
	for {
		page, next, err := e.directory.Query(ctx, *selector.Filter, cursor, directoryPageSize)
		if err != nil {
			return nil, fmt.Errorf("query member directory: %w", err)
		}
		members = append(members, page...)
		if next == "" {
			return members, nil
		}
		cursor = next
	}
}

// prescan answers already-cached members from the cache layer, emitting
// cached-type events so progress counts them, and returns the members that
// still need a downstream call. Jobs with bypass_cache skip it.
func (e *Engine) prescan(ctx context.Context, job *domain.ScheduledJob, members []downstream.Member) (misses []downstream.Member, hits int) {
	if e.cache == nil || job.Options.BypassCache {
		return members, 0
	}

	misses = make([]downstream.Member, 0, len(members))
	for _, m := range members {
		entry, err := e.cache.Get(ctx, id.ComputeFingerprint(m.SubjectID, nil))
		if err != nil || entry.IsStale(time.Now()) {
			misses = append(misses, m)
			continue
		}
		ev := domain.NewCachedEvent(e.jobRequest(job, m.SubjectID), entry.Outcome)
		if err := e.log.Publish(ctx, ev); err != nil {
			// Treat an unpublishable hit as a miss; the downstream call
			// will produce a publishable completion instead.
			misses = append(misses, m)
			continue
		}
		e.metrics.IncrementPublished(domain.EventCached.String())
		hits++
	}
	return misses, hits
}

// planChunks groups members by timezone, slices each group by the chunk
// size, and anchors every chunk to its scheduling window opening.
func (e *Engine) planChunks(ctx context.Context, job *domain.ScheduledJob, members []downstream.Member, now time.Time) []ChunkState {
	byTZ := make(map[string][]id.SubjectID)
	for _, m := range members {
		byTZ[m.Timezone] = append(byTZ[m.Timezone], m.SubjectID)
	}
	zones := make([]string, 0, len(byTZ))
	for tz := range byTZ {
		zones = append(zones, tz)
	}
	sort.Strings(zones)

	var chunks []ChunkState
	for _, tz := range zones {
		subjects := byTZ[tz]
		for start := 0; start < len(subjects); start += e.cfg.ChunkSize {
			end := min(start+e.cfg.ChunkSize, len(subjects))
			chunk := ChunkState{
				Index:    len(chunks),
				Subjects: subjects[start:end],
				Timezone: tz,
			}
			chunk.NotBefore = e.planner.ChunkOpening(ctx, job.Options.Window, chunk, now)
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// executeChunks drives every unfinished chunk: wait for its window, pace
// against downstream saturation, submit once, poll to completion, ingest.
func (e *Engine) executeChunks(ctx context.Context, job *domain.ScheduledJob, cp *Checkpoint, deadline time.Time) error {
	for i := range cp.Chunks {
		chunk := &cp.Chunks[i]
		if chunk.Done {
			continue
		}
		if err := e.waitUntil(ctx, chunk.NotBefore); err != nil {
			return err
		}
		if err := e.pace(ctx); err != nil {
			return err
		}

		if !chunk.Submitted() {
			submissionID, err := e.submitter.Submit(ctx, chunk.Subjects)
			if err != nil {
				return fmt.Errorf("submit chunk %d: %w", chunk.Index, err)
			}
			chunk.SubmissionID = submissionID
			e.metrics.IncrementChunks()
			// Persist before the first poll so a crash never re-submits.
			if err := e.store.SaveCheckpoint(e.root, *cp); err != nil {
				return err
			}
			e.logger.Info("chunk submitted",
				"job_id", job.JobID, "chunk", chunk.Index, "size", len(chunk.Subjects), "submission_id", submissionID)
		}

		poll, err := e.pollUntilDone(ctx, chunk.SubmissionID, deadline)
		if err != nil {
			return err
		}
		e.ingest(job, chunk, poll.Results)
		if err := e.store.SaveCheckpoint(e.root, *cp); err != nil {
			return err
		}
		job.Progress = cp.Progress()
		job.EstimatedCompletion = e.estimateCompletion(job, *cp)
		if err := e.store.UpdateJob(e.root, job); err != nil {
			return err
		}
	}
	return nil
}

// errJobDeadline marks a job that ran out of its execution budget.
var errJobDeadline = pkgerrors.New(pkgerrors.CodeTimeout, "job execution budget exceeded")

// pollUntilDone polls one submission with doubling intervals until the
// downstream reports completion or the job deadline passes.
func (e *Engine) pollUntilDone(ctx context.Context, submissionID string, deadline time.Time) (*downstream.BatchPoll, error) {
	interval := e.cfg.PollInitialInterval
	for {
		if time.Now().After(deadline) {
			return nil, errJobDeadline
		}
		poll, err := e.submitter.Poll(ctx, submissionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("submission poll failed", "submission_id", submissionID, "error", err)
		} else if poll.Done {
			return poll, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, e.cfg.PollMaxInterval)
	}
}

// ingest folds one completed chunk's results into the chunk tallies, the
// job's error list, and the completion event stream. Tallies are overwritten
// rather than incremented, so re-ingesting after a crash cannot
// double-count.
func (e *Engine) ingest(job *domain.ScheduledJob, chunk *ChunkState, results []downstream.SubjectResult) {
	chunk.Completed = 0
	chunk.Failed = 0
	for _, r := range results {
		req := e.jobRequest(job, r.SubjectID)
		var outcome domain.Outcome
		if r.Succeeded() {
			chunk.Completed++
			outcome = domain.Success(r.Payload)
		} else {
			chunk.Failed++
			outcome = domain.Failure(r.FailureCode, r.Retryable)
			if len(job.Errors) < maxRecordedErrors {
				job.Errors = append(job.Errors, domain.SubjectError{
					SubjectID: r.SubjectID, Code: r.FailureCode, Retryable: r.Retryable,
				})
			}
		}

		ev := domain.NewCompletionEvent(req, outcome, time.Since(chunk.NotBefore))
		ev.EventID = id.DerivedEventID(job.JobID, chunk.Index, r.SubjectID)
		if err := e.log.Publish(e.root, ev); err != nil {
			e.logger.Error("completion event publish failed",
				"job_id", job.JobID, "subject_id", r.SubjectID, "error", err)
			continue
		}
		e.metrics.IncrementPublished(ev.Type.String())
	}
	chunk.Done = true
}

// finalize writes the job's terminal state. Cancellation and deadline
// overruns with partial results land on their dedicated statuses; chunk
// tallies decide between completed, partially_completed and failed.
func (e *Engine) finalize(job *domain.ScheduledJob, cp *Checkpoint, runErr error) {
	if cp != nil {
		job.Progress = cp.Progress()
	}

	var terminal domain.JobStatus
	switch {
	case runErr == nil:
		p := job.Progress
		switch {
		case p.Failed == 0:
			terminal = domain.JobCompleted
		case p.Completed+p.CacheHits > 0:
			terminal = domain.JobPartiallyCompleted
		default:
			terminal = domain.JobFailed
		}
	case context.Cause(e.root) == nil && (errors.Is(runErr, context.Canceled) || pkgerrors.HasCode(runErr, pkgerrors.CodeTimeout)):
		// Job-level cancel or deadline with the engine still running.
		if errors.Is(runErr, context.Canceled) {
			terminal = domain.JobCancelled
		} else {
			e.failUnresolved(job, cp)
			if job.Progress.Completed+job.Progress.CacheHits > 0 {
				terminal = domain.JobPartiallyCompleted
			} else {
				terminal = domain.JobFailed
			}
		}
	default:
		if context.Cause(e.root) != nil {
			// Engine shutdown: leave the job running for resume.
			_ = e.store.UpdateJob(context.WithoutCancel(e.root), job)
			return
		}
		terminal = domain.JobFailed
	}

	if err := job.Transition(terminal); err != nil {
		e.logger.Error("terminal transition rejected", "job_id", job.JobID, "error", err)
		return
	}
	if err := e.store.UpdateJob(context.WithoutCancel(e.root), job); err != nil {
		e.logger.Error("terminal job write failed", "job_id", job.JobID, "error", err)
		return
	}
	e.metrics.IncrementJobStatus(terminal.String())
	if runErr != nil && terminal == domain.JobFailed {
		e.logger.Error("job failed", "job_id", job.JobID, "error", runErr)
	} else {
		e.logger.Info("job finished", "job_id", job.JobID, "status", terminal,
			"completed", job.Progress.Completed, "failed", job.Progress.Failed, "cache_hits", job.Progress.CacheHits)
	}
}

// jobDeadlineCode marks a subject whose downstream answer never arrived
// before the job's execution budget ran out.
const jobDeadlineCode = "job_deadline_exceeded"

// failUnresolved publishes a failure completion for every subject whose
// chunk had not finished when the budget expired, so the event log carries
// a terminal outcome for the whole population even on overrun.
func (e *Engine) failUnresolved(job *domain.ScheduledJob, cp *Checkpoint) {
	if cp == nil {
		return
	}
	ctx := context.WithoutCancel(e.root)
	for _, chunk := range cp.Chunks {
		if chunk.Done {
			continue
		}
		for _, subject := range chunk.Subjects {
			ev := domain.NewCompletionEvent(e.jobRequest(job, subject), domain.Failure(jobDeadlineCode, true), 0)
			ev.EventID = id.DerivedEventID(job.JobID, chunk.Index, subject)
			if err := e.log.Publish(ctx, ev); err != nil {
				e.logger.Error("deadline failure event publish failed",
					"job_id", job.JobID, "subject_id", subject, "error", err)
				continue
			}
			e.metrics.IncrementPublished(ev.Type.String())
		}
	}
}

// jobRequest builds the request context a job-driven event carries.
func (e *Engine) jobRequest(job *domain.ScheduledJob, subject id.SubjectID) domain.EligibilityRequest {
	jobID := job.JobID
	return domain.EligibilityRequest{
		RequestID:    id.NewRequestID(),
		SubjectID:    subject,
		Fingerprint:  id.ComputeFingerprint(subject, nil),
		Priority:     job.Options.Priority,
		SubmittedAt:  time.Now(),
		CausingJobID: &jobID,
	}
}

// estimateCompletion projects when the job should finish from the latest
// chunk opening plus one full poll cycle per outstanding chunk.
func (e *Engine) estimateCompletion(job *domain.ScheduledJob, cp Checkpoint) time.Time {
	latest := time.Now()
	outstanding := 0
	for _, c := range cp.Chunks {
		if c.Done {
			continue
		}
		outstanding++
		if c.NotBefore.After(latest) {
			latest = c.NotBefore
		}
	}
	if outstanding == 0 {
		return time.Now()
	}
	return latest.Add(time.Duration(outstanding) * e.cfg.PollMaxInterval)
}

// waitUntil sleeps until at, returning early only on cancellation.
func (e *Engine) waitUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	e.logger.Debug("chunk waiting for window", "opens_in", d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// pace holds chunk work while the downstream is saturated: a hard pause at
// the pause watermark, a fixed slow-down above the high watermark.
func (e *Engine) pace(ctx context.Context) error {
	for {
		u := e.util()
		if u >= e.cfg.ThrottlePauseWatermark && e.cfg.ThrottlePauseWatermark > 0 {
			e.logger.Debug("batch paused on saturation", "utilization", u)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(utilizationPollInterval):
			}
			continue
		}
		if u >= e.cfg.ThrottleHighWatermark && e.cfg.ThrottleHighWatermark > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(utilizationPollInterval):
			}
		}
		return nil
	}
}
