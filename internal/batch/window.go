package batch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/platform/config"
)

// minPredictionConfidence is the floor under which an engagement prediction
// is ignored and the morning band is used instead.
const minPredictionConfidence = 0.5

// engagementLeadMin is the shortest head start before a predicted
// engagement time; the actual lead is randomized in [1x, 2x) of it.
const engagementLeadMin = time.Hour

// Planner turns a job's scheduling window into a concrete not-before instant
// per chunk, anchored to the chunk's member timezone.
type Planner struct {
	cfg       config.Batch
	predictor downstream.Predictor
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner builds a planner. predictor may be nil when no engagement
// service is configured; OPTIMAL_ENGAGEMENT then degrades to the morning
// band.
func NewPlanner(cfg config.Batch, predictor downstream.Predictor, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{
		cfg:       cfg,
		predictor: predictor,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ChunkOpening resolves when the chunk may be submitted. ANY-window chunks
// open immediately. Band windows open at the next band occurrence in the
// chunk's timezone, with a random offset inside the first half of the band
// so simultaneous jobs do not submit in lockstep.
func (p *Planner) ChunkOpening(ctx context.Context, window domain.SchedulingWindow, chunk ChunkState, now time.Time) time.Time {
	if window == domain.WindowAny {
		return now
	}

	loc := p.location(chunk.Timezone)

	if window == domain.WindowOptimalEngagement {
		if at, ok := p.predictOpening(ctx, chunk, now); ok {
			// Open ahead of the prediction so the result is warm in the
			// cache by the time the member is active.
			opening := at.Add(-p.engagementLead())
			if opening.Before(now) {
				return now
			}
			return opening
		}
		window = domain.WindowMorning
	}

	band, ok := p.bandFor(window)
	if !ok {
		return now
	}
	opening := nextBandOpening(band, loc, now)
	if opening.Equal(now) {
		// Band already open; submit immediately rather than jittering past
		// its end.
		return now
	}
	return p.jitter(opening, band)
}

func (p *Planner) bandFor(window domain.SchedulingWindow) (config.TimeBand, bool) {
	switch window {
	case domain.WindowBusinessHours:
		return p.cfg.BusinessHoursBand, true
	case domain.WindowMorning:
		return p.cfg.MorningBand, true
	case domain.WindowEvening:
		return p.cfg.EveningBand, true
	case domain.WindowLowUtilization:
		return p.cfg.LowUtilizationBand, true
	}
	return config.TimeBand{}, false
}

// predictOpening asks the engagement predictor using the chunk's first
// subject as the cohort representative. Low confidence, errors, or past
// predictions all decline.
func (p *Planner) predictOpening(ctx context.Context, chunk ChunkState, now time.Time) (time.Time, bool) {
	if p.predictor == nil || len(chunk.Subjects) == 0 {
		return time.Time{}, false
	}
	at, confidence, err := p.predictor.BestEngagementTime(ctx, chunk.Subjects[0])
	if err != nil {
		p.logger.Warn("engagement prediction failed, using morning band",
			"subject_id", chunk.Subjects[0], "error", err)
		return time.Time{}, false
	}
	if confidence < minPredictionConfidence || at.Before(now) {
		return time.Time{}, false
	}
	return at, true
}

func (p *Planner) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.logger.Warn("unknown member timezone, using UTC", "timezone", tz)
		return time.UTC
	}
	return loc
}

func (p *Planner) jitter(opening time.Time, band config.TimeBand) time.Time {
	span := band.Span()
	if span <= 0 {
		return opening
	}
	p.mu.Lock()
	offset := time.Duration(p.rng.Int63n(int64(span / 2)))
	p.mu.Unlock()
	return opening.Add(offset)
}

// engagementLead randomizes how far ahead of the predicted engagement time
// a chunk opens, between one and two hours.
func (p *Planner) engagementLead() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return engagementLeadMin + time.Duration(p.rng.Int63n(int64(engagementLeadMin)))
}

// nextBandOpening returns now when the band is currently open in loc, else
// the band's next start.
func nextBandOpening(band config.TimeBand, loc *time.Location, now time.Time) time.Time {
	local := now.In(loc)
	if band.Contains(local) {
		return now
	}
	start := time.Date(local.Year(), local.Month(), local.Day(),
		band.StartHour, band.StartMinute, 0, 0, loc)
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}
