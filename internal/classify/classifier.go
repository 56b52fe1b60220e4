// Package classify decides how an eligibility request executes: answered
// from cache, admitted for a direct downstream call, or deferred to the
// batch engine.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/metrics"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// Action is the selected execution strategy.
type Action string

const (
	// ActionAnswer serves the attached cache entry without a downstream call.
	ActionAnswer Action = "answer"
	// ActionAdmit routes the request through the fair scheduler for a direct
	// call.
	ActionAdmit Action = "admit"
	// ActionDefer hands the population to the batch execution engine.
	ActionDefer Action = "defer"
)

// Decision is the classifier verdict. Entry is set for ActionAnswer; Refresh
// marks stale-while-revalidate answers that need an async re-verification.
type Decision struct {
	Action  Action
	Entry   *cache.Entry
	Refresh bool
}

// Config is the direct-vs-batch decision matrix.
type Config struct {
	// BatchPopulationThreshold is the population size above which requests
	// always go to the batch path.
	BatchPopulationThreshold int
	// SaturationDeferThreshold is the downstream utilization above which
	// mid-size populations are deferred regardless of size.
	SaturationDeferThreshold float64
}

// Classifier consults the cache layer and current saturation. Saturation is
// read through a function so the scheduler stays the single source of truth.
type Classifier struct {
	store      cache.Store
	saturation func() float64
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Classifier.
type Option func(*Classifier)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// New builds a classifier. saturation must be non-nil (use the scheduler's
// Utilization method).
func New(store cache.Store, saturation func() float64, cfg Config, opts ...Option) (*Classifier, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cache store is required")
	}
	if saturation == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "saturation source is required")
	}
	if cfg.BatchPopulationThreshold <= 0 {
		cfg.BatchPopulationThreshold = 1000
	}
	if cfg.SaturationDeferThreshold <= 0 {
		cfg.SaturationDeferThreshold = 0.8
	}

	c := &Classifier{
		store:      store,
		saturation: saturation,
		cfg:        cfg,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify resolves the execution strategy for one request. population is the
// number of subjects the enclosing submission covers (1 for direct submits).
//
// A cache-only miss returns CodeCacheMiss and never reaches downstream.
func (c *Classifier) Classify(ctx context.Context, req domain.EligibilityRequest, population int) (Decision, error) {
	entry, err := c.lookup(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	switch req.CacheControl {
	case domain.CacheOnly:
		if entry == nil {
			c.metrics.IncrementCacheResult("miss")
			return Decision{}, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeCacheMiss, "cache-only request with no cached entry")
		}
		c.observeHit(entry)
		return Decision{Action: ActionAnswer, Entry: entry}, nil

	case domain.CachePreferCached:
		if entry != nil {
			c.observeHit(entry)
			return Decision{Action: ActionAnswer, Entry: entry}, nil
		}

	case domain.CacheStaleWhileRevalidate:
		if entry != nil {
			c.observeHit(entry)
			return Decision{Action: ActionAnswer, Entry: entry, Refresh: entry.IsStale(time.Now())}, nil
		}

	case domain.CacheBypass:
		// Fresh call regardless of cache state; the result still lands in
		// the cache via the completion event.

	default: // domain.CacheDefault
		if entry != nil && !entry.IsStale(time.Now()) {
			c.observeHit(entry)
			return Decision{Action: ActionAnswer, Entry: entry}, nil
		}
	}

	c.metrics.IncrementCacheResult("miss")
	return Decision{Action: c.route(req.Priority, population)}, nil
}

// route applies the decision matrix for requests that need a downstream call.
func (c *Classifier) route(priority domain.Priority, population int) Action {
	if priority == domain.PriorityBatch {
		return ActionDefer
	}
	if population > c.cfg.BatchPopulationThreshold {
		return ActionDefer
	}
	if population <= 1 && priority == domain.PriorityInteractive {
		return ActionAdmit
	}
	if c.saturation() >= c.cfg.SaturationDeferThreshold {
		return ActionDefer
	}
	return ActionAdmit
}

// lookup reads the cache, translating a miss to nil. Bypass skips the read
// entirely; the mode never serves cached state.
func (c *Classifier) lookup(ctx context.Context, req domain.EligibilityRequest) (*cache.Entry, error) {
	if req.CacheControl == domain.CacheBypass {
		return nil, nil
	}
	entry, err := c.store.Get(ctx, req.Fingerprint)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeCacheMiss) || errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		// A broken cache backend must not take request processing down.
		c.logger.Warn("cache read failed, treating as miss", "fingerprint", req.Fingerprint, "error", err)
		return nil, nil
	}
	return entry, nil
}

func (c *Classifier) observeHit(entry *cache.Entry) {
	if entry.IsStale(time.Now()) {
		c.metrics.IncrementCacheResult("stale_hit")
	} else {
		c.metrics.IncrementCacheResult("hit")
	}
}
