package events

import (
	"context"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/metrics"
)

// NewMetricsObserver returns the handler for the pipeline's metrics consumer
// group. It never fails, so it can never stall its group or dead-letter.
func NewMetricsObserver(m *metrics.Metrics) Handler {
	return func(_ context.Context, ev domain.CompletionEvent) error {
		m.IncrementObserved(ev.Type.String())
		return nil
	}
}
