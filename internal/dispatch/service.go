// Package dispatch runs the direct execution path for eligibility checks:
// classify, collapse duplicates, admit through the fair scheduler, call the
// verification service, and publish the terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"eligibility-gateway/internal/classify"
	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/events"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/platform/metrics"
	"eligibility-gateway/internal/scheduler"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
)

// Result is the answer to a submitted check.
type Result struct {
	// Outcome is set for answered and executed requests.
	Outcome *domain.Outcome
	// Cached reports the outcome was served from the cache layer.
	Cached bool
	// Stale reports a cached outcome was past its TTL when served.
	Stale bool
	// Deferred means the request was routed to the batch path and no
	// synchronous outcome exists; the caller follows up through the job API.
	Deferred bool
}

// Service is the direct dispatch path. Identical in-flight requests are
// collapsed per fingerprint: one downstream call, one completion event, one
// shared answer.
type Service struct {
	classifier *classify.Classifier
	sched      *scheduler.Scheduler
	verifier   downstream.Verifier
	log        events.Log
	cfg        config.Scheduler

	group   singleflight.Group
	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds the dispatch service.
func New(classifier *classify.Classifier, sched *scheduler.Scheduler, verifier downstream.Verifier, log events.Log, cfg config.Scheduler, opts ...Option) (*Service, error) {
	if classifier == nil || sched == nil || verifier == nil || log == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dispatch requires classifier, scheduler, verifier and event log")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	s := &Service{
		classifier: classifier,
		sched:      sched,
		verifier:   verifier,
		log:        log,
		cfg:        cfg,
		tracer:     otel.Tracer("eligibility-gateway/internal/dispatch"),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit resolves one eligibility check. Cache answers return immediately;
// admitted requests block until the downstream call reaches a terminal
// outcome; deferred requests return with Deferred set and no outcome.
//
// A stale-while-revalidate answer additionally kicks off a background
// re-verification whose result flows through the completion pipeline.
func (s *Service) Submit(ctx context.Context, req domain.EligibilityRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.String("subject_id", string(req.SubjectID)),
		attribute.String("priority", req.Priority.String()),
		attribute.String("cache_control", req.CacheControl.String()),
	))
	defer span.End()

	decision, err := s.classifier.Classify(ctx, req, 1)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	switch decision.Action {
	case classify.ActionAnswer:
		span.SetAttributes(attribute.String("dispatch.action", "answer"))
		stale := decision.Entry.IsStale(time.Now())
		if decision.Refresh {
			s.refreshAsync(req)
		}
		if req.CausingJobID != nil {
			// Job-context cache hits still produce an event so job progress
			// can count them; the cache updater ignores cached-type events.
			if err := s.log.Publish(ctx, domain.NewCachedEvent(req, decision.Entry.Outcome)); err != nil {
				span.RecordError(err)
				return nil, err
			}
			s.metrics.IncrementPublished(domain.EventCached.String())
		}
		outcome := decision.Entry.Outcome
		return &Result{Outcome: &outcome, Cached: true, Stale: stale}, nil

	case classify.ActionDefer:
		span.SetAttributes(attribute.String("dispatch.action", "defer"))
		return &Result{Deferred: true}, nil
	}

	span.SetAttributes(attribute.String("dispatch.action", "admit"))
	outcome, err := s.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Result{Outcome: &outcome}, nil
}

// execute collapses concurrent identical requests and runs the downstream
// call once. Every caller waiting on the flight gets the shared outcome.
func (s *Service) execute(ctx context.Context, req domain.EligibilityRequest) (domain.Outcome, error) {
	v, err, shared := s.group.Do(string(req.Fingerprint), func() (any, error) {
		return s.verifyAndPublish(ctx, req)
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	if shared {
		s.metrics.IncrementCacheResult("collapsed")
	}
	return v.(domain.Outcome), nil
}

// verifyAndPublish admits the request, performs the bounded downstream call
// with retries, and publishes the terminal outcome. The outcome is returned
// even when it is a failure or timeout: those are answers, not errors. An
// error return means the request never reached a terminal state (cancelled
// in queue, scheduler shut down, event log unavailable).
func (s *Service) verifyAndPublish(ctx context.Context, req domain.EligibilityRequest) (domain.Outcome, error) {
	start := time.Now()
	outcome, err := s.verifyWithRetry(ctx, req)
	if err != nil {
		return domain.Outcome{}, err
	}

	took := time.Since(start)
	s.metrics.ObserveDownstream(outcome.Kind.String(), took)

	ev := domain.NewCompletionEvent(req, outcome, took)
	if err := s.log.Publish(ctx, ev); err != nil {
		// An unpublishable outcome is lost to every async consumer; surface
		// it rather than hand back an answer the pipeline never saw.
		return domain.Outcome{}, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "publish completion event")
	}
	s.metrics.IncrementPublished(ev.Type.String())
	return outcome, nil
}

// verifyWithRetry runs attempts until a terminal outcome. Each attempt holds
// its own scheduler slot for exactly the duration of the call, so a request
// backing off between retries does not starve the downstream capacity.
//
// A deadline overrun is terminal immediately: the downstream state is
// unknown and retrying a possibly-succeeded call from here would double
// work. Retries apply only to errors the downstream classified retryable.
func (s *Service) verifyWithRetry(ctx context.Context, req domain.EligibilityRequest) (domain.Outcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBaseDelay
	bo.MaxInterval = s.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0

	var lastCode string
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Outcome{}, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeTimeout, "cancelled between attempts")
			case <-time.After(bo.NextBackOff()):
			}
		}

		payload, err := s.verifyOnce(ctx, req)
		if err == nil {
			return domain.Success(payload), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("verification timed out",
				"request_id", req.RequestID, "subject_id", req.SubjectID, "timeout", s.cfg.CallTimeout)
			return domain.Timeout(), nil
		}
		if ctx.Err() != nil {
			return domain.Outcome{}, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeTimeout, "cancelled during verification")
		}
		if pkgerrors.HasCode(err, pkgerrors.CodeUnavailable) || pkgerrors.HasCode(err, pkgerrors.CodeTimeout) {
			// Admission-level failure (scheduler closed or queue cancel),
			// not a downstream answer.
			return domain.Outcome{}, err
		}

		code, retryable := downstream.Classify(err)
		lastCode = code
		if !retryable {
			return domain.Failure(code, false), nil
		}
		s.logger.Warn("verification attempt failed",
			"request_id", req.RequestID, "subject_id", req.SubjectID, "attempt", attempt+1, "code", code)
	}
	return domain.Failure(lastCode, true), nil
}

// verifyOnce acquires a slot and makes one bounded downstream call.
func (s *Service) verifyOnce(ctx context.Context, req domain.EligibilityRequest) (payload []byte, err error) {
	slot, err := s.sched.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.verifier.Verify(callCtx, req.SubjectID, req.Fingerprint)
}

// refreshAsync re-verifies a stale entry in the background. The refreshed
// result enters the cache through the completion pipeline like any other;
// the requester that triggered it already has its stale answer.
func (s *Service) refreshAsync(req domain.EligibilityRequest) {
	refreshReq := req
	refreshReq.RequestID = id.NewRequestID()
	refreshReq.CacheControl = domain.CacheBypass
	refreshReq.SubmittedAt = time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout+time.Minute)
		defer cancel()
		if _, err := s.execute(ctx, refreshReq); err != nil {
			s.logger.Warn("stale refresh failed",
				"fingerprint", refreshReq.Fingerprint, "subject_id", refreshReq.SubjectID, "error", err)
		}
	}()
}
