package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/platform/config"
	id "eligibility-gateway/pkg/domain"
)

func bandConfig() config.Batch {
	return config.Batch{
		BusinessHoursBand:  config.TimeBand{StartHour: 9, EndHour: 17},
		MorningBand:        config.TimeBand{StartHour: 6, EndHour: 10},
		EveningBand:        config.TimeBand{StartHour: 18, EndHour: 22},
		LowUtilizationBand: config.TimeBand{StartHour: 1, EndHour: 5},
	}
}

func chunkIn(tz string) ChunkState {
	return ChunkState{Subjects: []id.SubjectID{"member-1"}, Timezone: tz}
}

func TestChunkOpening_AnyWindowIsImmediate(t *testing.T) {
	p := NewPlanner(bandConfig(), nil, nil)
	now := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, now, p.ChunkOpening(context.Background(), domain.WindowAny, chunkIn("UTC"), now))
}

func TestChunkOpening_OpenBandSubmitsNow(t *testing.T) {
	p := NewPlanner(bandConfig(), nil, nil)
	now := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	got := p.ChunkOpening(context.Background(), domain.WindowBusinessHours, chunkIn("UTC"), now)
	assert.Equal(t, now, got)
}

func TestChunkOpening_ClosedBandWaitsForNextStart(t *testing.T) {
	p := NewPlanner(bandConfig(), nil, nil)
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	got := p.ChunkOpening(context.Background(), domain.WindowBusinessHours, chunkIn("UTC"), now)
	nextStart := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	assert.False(t, got.Before(nextStart), "opens no earlier than tomorrow 09:00")
	assert.True(t, got.Before(nextStart.Add(4*time.Hour)), "jitter stays inside the first half of the band")
}

func TestChunkOpening_AnchorsToMemberTimezone(t *testing.T) {
	p := NewPlanner(bandConfig(), nil, nil)
	// 12:00 UTC is 07:00 in New York: business hours have not started
	// there, so the chunk waits even though UTC is mid-band.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	utc := p.ChunkOpening(context.Background(), domain.WindowBusinessHours, chunkIn("UTC"), now)
	assert.Equal(t, now, utc)

	ny := p.ChunkOpening(context.Background(), domain.WindowBusinessHours, chunkIn("America/New_York"), now)
	assert.True(t, ny.After(now))
}

func TestChunkOpening_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	p := NewPlanner(bandConfig(), nil, nil)
	now := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	got := p.ChunkOpening(context.Background(), domain.WindowBusinessHours, chunkIn("Not/AZone"), now)
	assert.Equal(t, now, got)
}

func TestChunkOpening_OptimalEngagementOpensAheadOfPrediction(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	predicted := now.Add(5 * time.Hour)
	stub := downstream.NewStub()
	stub.PredictFn = func(context.Context, id.SubjectID) (time.Time, float64, error) {
		return predicted, 0.9, nil
	}

	p := NewPlanner(bandConfig(), stub, nil)
	got := p.ChunkOpening(context.Background(), domain.WindowOptimalEngagement, chunkIn("UTC"), now)
	require.True(t, got.Before(predicted), "opens before the member is active")
	assert.False(t, got.Before(predicted.Add(-2*time.Hour)), "lead is at most two hours")
	assert.False(t, got.After(predicted.Add(-time.Hour)), "lead is at least one hour")
}

func TestChunkOpening_OptimalEngagementNearPredictionOpensNow(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	stub := downstream.NewStub()
	stub.PredictFn = func(context.Context, id.SubjectID) (time.Time, float64, error) {
		return now.Add(30 * time.Minute), 0.9, nil
	}

	p := NewPlanner(bandConfig(), stub, nil)
	got := p.ChunkOpening(context.Background(), domain.WindowOptimalEngagement, chunkIn("UTC"), now)
	assert.Equal(t, now, got, "lead past now clamps to an immediate opening")
}

func TestChunkOpening_OptimalEngagementFallsBackToMorning(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	morningStart := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		fn   func(context.Context, id.SubjectID) (time.Time, float64, error)
	}{
		{"low confidence", func(context.Context, id.SubjectID) (time.Time, float64, error) {
			return now.Add(time.Hour), 0.2, nil
		}},
		{"prediction error", func(context.Context, id.SubjectID) (time.Time, float64, error) {
			return time.Time{}, 0, errors.New("model offline")
		}},
		{"prediction in the past", func(context.Context, id.SubjectID) (time.Time, float64, error) {
			return now.Add(-time.Hour), 0.9, nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := downstream.NewStub()
			stub.PredictFn = tc.fn
			p := NewPlanner(bandConfig(), stub, nil)

			got := p.ChunkOpening(context.Background(), domain.WindowOptimalEngagement, chunkIn("UTC"), now)
			require.False(t, got.Before(morningStart))
			assert.True(t, got.Before(morningStart.Add(2*time.Hour)))
		})
	}
}

func TestCheckpointProgress(t *testing.T) {
	cp := Checkpoint{
		Total:     100,
		CacheHits: 20,
		Chunks: []ChunkState{
			{Done: true, Completed: 30, Failed: 5},
			{Done: false, Completed: 10},
			{},
		},
	}
	p := cp.Progress()
	assert.Equal(t, 100, p.Total)
	assert.Equal(t, 40, p.Completed)
	assert.Equal(t, 5, p.Failed)
	assert.Equal(t, 20, p.CacheHits)
	assert.Equal(t, 35, p.Pending)
	assert.False(t, cp.Complete())
}
