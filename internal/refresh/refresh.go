// Package refresh runs the periodic population re-verification. On every
// cron tick it submits one filter-selected batch job that bypasses the cache,
// so stale answers get replaced before their TTL spillover matters.
package refresh

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/config"
	pkgerrors "eligibility-gateway/pkg/errors"
)

// Submitter is the slice of the batch engine the trigger needs.
type Submitter interface {
	SubmitJob(ctx context.Context, selector domain.MemberSelector, opts domain.ExecutionOptions) (*domain.ScheduledJob, error)
}

// Trigger owns the cron schedule. A zero CronSpec builds a disabled trigger
// whose Start and Stop are no-ops.
type Trigger struct {
	cfg       config.Refresh
	submitter Submitter
	logger    *slog.Logger
	cron      *cron.Cron
	window    domain.SchedulingWindow
}

type Option func(*Trigger)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) { t.logger = logger }
}

// New validates the schedule up front so a bad spec fails at boot, not at
// the first tick.
func New(cfg config.Refresh, submitter Submitter, opts ...Option) (*Trigger, error) {
	t := &Trigger{
		cfg:       cfg,
		submitter: submitter,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.CronSpec == "" {
		return t, nil
	}
	if submitter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refresh trigger requires a job submitter")
	}

	window, err := domain.ParseSchedulingWindow(cfg.Window)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidInput, "refresh window")
	}
	t.window = window

	c := cron.New()
	if _, err := c.AddFunc(cfg.CronSpec, t.tick); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidInput, "refresh cron spec")
	}
	t.cron = c
	return t, nil
}

// Start begins firing ticks in the background.
func (t *Trigger) Start() {
	if t.cron == nil {
		return
	}
	t.cron.Start()
	t.logger.Info("refresh schedule started", "spec", t.cfg.CronSpec, "coverage", t.cfg.Coverage)
}

// Stop halts the schedule and waits for an in-flight tick to finish
// submitting. Jobs already accepted keep running on the engine.
func (t *Trigger) Stop() {
	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
}

func (t *Trigger) tick() {
	job, err := t.submitter.SubmitJob(context.Background(),
		domain.MemberSelector{Filter: &domain.MemberFilter{Coverage: t.cfg.Coverage}},
		domain.ExecutionOptions{
			Priority:    domain.PriorityBatch,
			Window:      t.window,
			BypassCache: true,
		})
	if err != nil {
		t.logger.Error("refresh job submission failed", "error", err)
		return
	}
	t.logger.Info("refresh job submitted", "job_id", job.JobID, "coverage", t.cfg.Coverage)
}
