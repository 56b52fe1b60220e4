package events

import (
	"context"
	"log/slog"
	"time"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/platform/metrics"
)

// Runner drives a consumer group against the log. It wraps the group's
// handler with bounded retries; an event that still fails is dead-lettered
// and the group moves on, so one poison event cannot stall a partition.
type Runner struct {
	log     Log
	group   string
	handler Handler
	cfg     config.Events
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerMetrics sets the metrics sink.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a runner for one consumer group.
func NewRunner(log Log, group string, handler Handler, cfg config.Events, opts ...RunnerOption) *Runner {
	r := &Runner{
		log:     log,
		group:   group,
		handler: handler,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return r.log.Subscribe(ctx, r.group, r.handle)
}

func (r *Runner) handle(ctx context.Context, ev domain.CompletionEvent) error {
	attempts := r.cfg.ConsumerMaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = r.handler(ctx, ev); lastErr == nil {
			r.metrics.IncrementConsumed(r.group, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.metrics.IncrementConsumed(r.group, "retried")
		r.logger.Warn("event handler failed",
			"group", r.group, "event_id", ev.EventID, "attempt", i+1, "error", lastErr)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.ConsumerRetryDelay):
			}
		}
	}

	r.logger.Error("event exhausted retries, dead-lettering",
		"group", r.group, "event_id", ev.EventID, "subject_id", ev.SubjectID, "error", lastErr)
	if err := r.log.DeadLetter(ctx, r.group, ev, lastErr); err != nil {
		// Dead-lettering itself failed; keep the offset parked so the event
		// is redelivered rather than lost.
		return err
	}
	r.metrics.IncrementDeadLetter(r.group)
	return nil
}
