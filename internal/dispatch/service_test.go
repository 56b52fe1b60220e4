package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/classify"
	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/events"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/scheduler"
	id "eligibility-gateway/pkg/domain"
)

type fixture struct {
	service *Service
	store   *cache.MemoryStore
	stub    *downstream.Stub
	log     *events.MemoryLog
	sched   *scheduler.Scheduler
}

func newFixture(t *testing.T, cfg config.Scheduler) *fixture {
	t.Helper()
	if cfg.ConcurrencyCap == 0 {
		cfg.ConcurrencyCap = 15
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}

	store := cache.NewMemoryStore()
	sched, err := scheduler.New(scheduler.Config{ConcurrencyCap: cfg.ConcurrencyCap})
	require.NoError(t, err)
	classifier, err := classify.New(store, sched.Utilization, classify.Config{})
	require.NoError(t, err)
	stub := downstream.NewStub()
	log := events.NewMemoryLog(4)

	service, err := New(classifier, sched, stub, log, cfg)
	require.NoError(t, err)
	return &fixture{service: service, store: store, stub: stub, log: log, sched: sched}
}

func newRequest(subject string, priority domain.Priority) domain.EligibilityRequest {
	return domain.EligibilityRequest{
		RequestID:   id.NewRequestID(),
		SubjectID:   id.SubjectID(subject),
		Fingerprint: id.ComputeFingerprint(id.SubjectID(subject), map[string]string{"plan": "gold"}),
		Priority:    priority,
		SubmittedAt: time.Now(),
	}
}

// publishedEvents drains the log from offset zero with a throwaway group.
func publishedEvents(t *testing.T, log *events.MemoryLog, want int) []domain.CompletionEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var out []domain.CompletionEvent
	done := make(chan struct{})
	go func() {
		_ = log.Subscribe(ctx, "test-drain", func(_ context.Context, ev domain.CompletionEvent) error {
			mu.Lock()
			out = append(out, ev)
			if len(out) == want {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for %d events", want)
	}
	mu.Lock()
	defer mu.Unlock()
	return out
}

func TestSubmit_DirectCallPublishesCompletion(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	req := newRequest("member-1", domain.PriorityInteractive)

	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.IsSuccess())
	assert.False(t, res.Cached)
	assert.False(t, res.Deferred)

	evs := publishedEvents(t, f.log, 1)
	assert.Equal(t, domain.EventCompleted, evs[0].Type)
	assert.Equal(t, req.Fingerprint, evs[0].Fingerprint)
	assert.Equal(t, 0, f.sched.InFlight(), "slot released")
}

func TestSubmit_CollapsesConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	f.stub.Latency = 50 * time.Millisecond

	req := newRequest("member-1", domain.PriorityInteractive)
	const callers = 10

	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := req
			r.RequestID = id.NewRequestID()
			results[i], errs[i] = f.service.Submit(context.Background(), r)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Outcome)
		assert.True(t, results[i].Outcome.IsSuccess())
	}
	assert.Equal(t, 1, f.stub.VerifyCalls(), "duplicates must share one downstream call")
	publishedEvents(t, f.log, 1)
}

func TestSubmit_CacheHitSkipsDownstream(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	req := newRequest("member-1", domain.PriorityStandard)

	require.NoError(t, f.store.Put(context.Background(), cache.Entry{
		Fingerprint: req.Fingerprint,
		SubjectID:   req.SubjectID,
		Outcome:     domain.Success([]byte(`{"eligible":true}`)),
		StoredAt:    time.Now(),
		TTL:         time.Hour,
	}))

	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Equal(t, 0, f.stub.VerifyCalls())
}

func TestSubmit_JobContextCacheHitEmitsCachedEvent(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	jobID := id.NewJobID()
	req := newRequest("member-1", domain.PriorityBatch)
	req.CausingJobID = &jobID

	require.NoError(t, f.store.Put(context.Background(), cache.Entry{
		Fingerprint: req.Fingerprint,
		SubjectID:   req.SubjectID,
		Outcome:     domain.Success([]byte(`{"eligible":true}`)),
		StoredAt:    time.Now(),
		TTL:         time.Hour,
	}))

	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	evs := publishedEvents(t, f.log, 1)
	assert.Equal(t, domain.EventCached, evs[0].Type)
	assert.True(t, evs[0].WasCached)
	require.NotNil(t, evs[0].CausingJobID)
	assert.Equal(t, jobID, *evs[0].CausingJobID)
}

func TestSubmit_TimeoutIsTerminalNotError(t *testing.T) {
	f := newFixture(t, config.Scheduler{CallTimeout: 30 * time.Millisecond, MaxRetries: 3})
	f.stub.Latency = time.Second

	req := newRequest("member-1", domain.PriorityInteractive)
	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err, "a timeout is an answer, not a dispatch error")
	require.NotNil(t, res.Outcome)
	assert.Equal(t, domain.OutcomeTimeout, res.Outcome.Kind)
	assert.True(t, res.Outcome.Retryable)
	assert.Equal(t, 1, f.stub.VerifyCalls(), "timeouts are never retried in place")

	evs := publishedEvents(t, f.log, 1)
	assert.Equal(t, domain.EventTimeout, evs[0].Type)
}

func TestSubmit_RetryableErrorExhaustsRetries(t *testing.T) {
	f := newFixture(t, config.Scheduler{MaxRetries: 2})
	f.stub.VerifyFn = func(context.Context, id.SubjectID, id.Fingerprint) (json.RawMessage, error) {
		return nil, downstream.NewError("upstream_503", true, errors.New("service unavailable"))
	}

	req := newRequest("member-1", domain.PriorityInteractive)
	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome.Kind)
	assert.Equal(t, "upstream_503", res.Outcome.FailureCode)
	assert.True(t, res.Outcome.Retryable)
	assert.Equal(t, 3, f.stub.VerifyCalls(), "initial attempt plus two retries")
}

func TestSubmit_NonRetryableErrorFailsFast(t *testing.T) {
	f := newFixture(t, config.Scheduler{MaxRetries: 3})
	f.stub.VerifyFn = func(context.Context, id.SubjectID, id.Fingerprint) (json.RawMessage, error) {
		return nil, downstream.NewError("rejected_422", false, errors.New("malformed subject"))
	}

	req := newRequest("member-1", domain.PriorityInteractive)
	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome.Kind)
	assert.False(t, res.Outcome.Retryable)
	assert.Equal(t, 1, f.stub.VerifyCalls())
}

func TestSubmit_BatchPriorityDefers(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	req := newRequest("member-1", domain.PriorityBatch)

	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, 0, f.stub.VerifyCalls())
}

func TestSubmit_StaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	req := newRequest("member-1", domain.PriorityStandard)
	req.CacheControl = domain.CacheStaleWhileRevalidate

	require.NoError(t, f.store.Put(context.Background(), cache.Entry{
		Fingerprint: req.Fingerprint,
		SubjectID:   req.SubjectID,
		Outcome:     domain.Success([]byte(`{"eligible":false}`)),
		StoredAt:    time.Now().Add(-2 * time.Hour),
		TTL:         time.Hour,
	}))

	res, err := f.service.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.True(t, res.Stale, "answer served past TTL")

	// The background refresh publishes a fresh completion event.
	evs := publishedEvents(t, f.log, 1)
	assert.Equal(t, domain.EventCompleted, evs[0].Type)
	assert.Equal(t, req.Fingerprint, evs[0].Fingerprint)
	assert.Equal(t, 1, f.stub.VerifyCalls())
}

func TestSubmit_CacheOnlyMiss(t *testing.T) {
	f := newFixture(t, config.Scheduler{})
	req := newRequest("member-1", domain.PriorityStandard)
	req.CacheControl = domain.CacheOnly

	_, err := f.service.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 0, f.stub.VerifyCalls())
}

func TestSubmit_ManySubjectsRespectConcurrencyCap(t *testing.T) {
	f := newFixture(t, config.Scheduler{ConcurrencyCap: 3})
	f.stub.Latency = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("member-%d", i), domain.PriorityInteractive)
			_, err := f.service.Submit(context.Background(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, f.sched.InFlight())
	assert.Equal(t, 12, f.stub.VerifyCalls())
}
