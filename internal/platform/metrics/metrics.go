// Package metrics registers the gateway's Prometheus metrics. All observation
// helpers are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the gateway exposes.
type Metrics struct {
	// Fair scheduler
	AdmissionWait   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	SlotUtilization prometheus.Gauge

	// Cache layer
	CacheResults *prometheus.CounterVec

	// Downstream verifier
	DownstreamLatency  *prometheus.HistogramVec
	DownstreamOutcomes *prometheus.CounterVec

	// Completion event pipeline
	EventsPublished  *prometheus.CounterVec
	EventsObserved   *prometheus.CounterVec
	EventsConsumed   *prometheus.CounterVec
	EventsDeadLetter *prometheus.CounterVec

	// Batch engine
	ChunksSubmitted prometheus.Counter
	JobsByStatus    *prometheus.CounterVec

	// Delivery gateway
	ConnectionsActive prometheus.Gauge
	PushFailures      prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		AdmissionWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eligibility_scheduler_admission_wait_seconds",
			Help:    "Time spent waiting for a downstream concurrency slot, by tier",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"tier"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eligibility_scheduler_queue_depth",
			Help: "Number of requests waiting for admission, by tier",
		}, []string{"tier"}),
		SlotUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "eligibility_scheduler_slot_utilization",
			Help: "Fraction of downstream concurrency slots in use (0-1)",
		}),
		CacheResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_cache_results_total",
			Help: "Cache lookups by result (hit, stale_hit, miss)",
		}, []string{"result"}),
		DownstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eligibility_downstream_duration_seconds",
			Help:    "Downstream verification call latency by outcome",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		DownstreamOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_downstream_outcomes_total",
			Help: "Terminal downstream outcomes (completed, failed, timeout)",
		}, []string{"outcome"}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_events_published_total",
			Help: "Completion events published, by event type",
		}, []string{"type"}),
		EventsObserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_pipeline_events_total",
			Help: "Completion events observed on the pipeline, by event type",
		}, []string{"type"}),
		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_events_consumed_total",
			Help: "Completion events processed, by consumer group and result",
		}, []string{"group", "result"}),
		EventsDeadLetter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_events_dead_letter_total",
			Help: "Events routed to the dead-letter channel, by consumer group",
		}, []string{"group"}),
		ChunksSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eligibility_batch_chunks_submitted_total",
			Help: "Batch chunks submitted to the downstream batch path",
		}),
		JobsByStatus: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_batch_jobs_total",
			Help: "Batch jobs reaching a terminal status",
		}, []string{"status"}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "eligibility_gateway_connections_active",
			Help: "Currently open subscriber connections",
		}),
		PushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "eligibility_gateway_push_failures_total",
			Help: "Event pushes that failed or were dropped on a full queue",
		}),
	}
}

// ObserveAdmissionWait records time spent queued for a slot.
func (m *Metrics) ObserveAdmissionWait(tier string, d time.Duration) {
	if m != nil {
		m.AdmissionWait.WithLabelValues(tier).Observe(d.Seconds())
	}
}

// SetQueueDepth records the current per-tier queue depth.
func (m *Metrics) SetQueueDepth(tier string, depth int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(tier).Set(float64(depth))
	}
}

// SetSlotUtilization records the slot utilization fraction.
func (m *Metrics) SetSlotUtilization(u float64) {
	if m != nil {
		m.SlotUtilization.Set(u)
	}
}

// IncrementCacheResult records a cache lookup result.
func (m *Metrics) IncrementCacheResult(result string) {
	if m != nil {
		m.CacheResults.WithLabelValues(result).Inc()
	}
}

// ObserveDownstream records one downstream call.
func (m *Metrics) ObserveDownstream(outcome string, d time.Duration) {
	if m != nil {
		m.DownstreamLatency.WithLabelValues(outcome).Observe(d.Seconds())
		m.DownstreamOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementPublished records a published completion event.
func (m *Metrics) IncrementPublished(eventType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

// IncrementObserved records a pipeline event seen by the metrics observer.
func (m *Metrics) IncrementObserved(eventType string) {
	if m != nil {
		m.EventsObserved.WithLabelValues(eventType).Inc()
	}
}

// IncrementConsumed records a consumed event by group and result
// ("ok", "retried", "failed").
func (m *Metrics) IncrementConsumed(group, result string) {
	if m != nil {
		m.EventsConsumed.WithLabelValues(group, result).Inc()
	}
}

// IncrementDeadLetter records a dead-lettered event.
func (m *Metrics) IncrementDeadLetter(group string) {
	if m != nil {
		m.EventsDeadLetter.WithLabelValues(group).Inc()
	}
}

// IncrementChunks records a submitted batch chunk.
func (m *Metrics) IncrementChunks() {
	if m != nil {
		m.ChunksSubmitted.Inc()
	}
}

// IncrementJobStatus records a job reaching a terminal status.
func (m *Metrics) IncrementJobStatus(status string) {
	if m != nil {
		m.JobsByStatus.WithLabelValues(status).Inc()
	}
}

// AddConnections adjusts the active connection gauge.
func (m *Metrics) AddConnections(delta int) {
	if m != nil {
		m.ConnectionsActive.Add(float64(delta))
	}
}

// IncrementPushFailures records a failed or dropped push.
func (m *Metrics) IncrementPushFailures() {
	if m != nil {
		m.PushFailures.Inc()
	}
}
