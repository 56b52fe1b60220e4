//go:build integration

package events_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/events"
	"eligibility-gateway/internal/platform/config"
	id "eligibility-gateway/pkg/domain"
	"eligibility-gateway/pkg/testutil/containers"
)

type KafkaLogSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
	log      *events.KafkaLog
}

func TestKafkaLogSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaLogSuite))
}

func (s *KafkaLogSuite) SetupSuite() {
	s.redpanda = containers.NewRedpandaContainer(s.T())

	cfg := config.Kafka{
		Brokers:           s.redpanda.Brokers,
		CompletionsTopic:  "eligibility.completions.test",
		DeadLetterTopic:   "eligibility.completions.test.dlq",
		Partitions:        3,
		ReplicationFactor: -1,
	}
	log, err := events.NewKafkaLog(context.Background(), cfg, config.Events{
		ConsumerMaxRetries: 2,
		ConsumerRetryDelay: 50 * time.Millisecond,
		PublishMaxRetries:  3,
	})
	s.Require().NoError(err)
	s.log = log
}

func (s *KafkaLogSuite) TearDownSuite() {
	if s.log != nil {
		s.log.Close()
	}
}

func (s *KafkaLogSuite) event(subject string, seq int) domain.CompletionEvent {
	req := domain.EligibilityRequest{
		RequestID:   id.NewRequestID(),
		SubjectID:   id.SubjectID(subject),
		Fingerprint: id.ComputeFingerprint(id.SubjectID(subject), map[string]string{"seq": fmt.Sprint(seq)}),
		Priority:    domain.PriorityStandard,
		SubmittedAt: time.Now(),
	}
	return domain.NewCompletionEvent(req, domain.Success([]byte(`{"eligible":true}`)), 25*time.Millisecond)
}

func (s *KafkaLogSuite) TestPublishSubscribePerSubjectOrder() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const perSubject = 10
	subjects := []string{"member-a", "member-b", "member-c"}
	published := make(map[string][]id.EventID)
	for i := 0; i < perSubject; i++ {
		for _, subj := range subjects {
			ev := s.event(subj, i)
			published[subj] = append(published[subj], ev.EventID)
			s.Require().NoError(s.log.Publish(ctx, ev))
		}
	}

	var mu sync.Mutex
	seen := make(map[id.SubjectID][]id.EventID)
	total := 0
	done := make(chan struct{})
	subCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		_ = s.log.Subscribe(subCtx, "order-check", func(_ context.Context, ev domain.CompletionEvent) error {
			mu.Lock()
			seen[ev.SubjectID] = append(seen[ev.SubjectID], ev.EventID)
			total++
			if total == perSubject*len(subjects) {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.FailNow("timed out waiting for events")
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	for _, subj := range subjects {
		s.Equal(published[subj], seen[id.SubjectID(subj)], "subject %s must arrive in publish order", subj)
	}
}

func (s *KafkaLogSuite) TestDeadLetterTopicReceivesEvent() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	poison := s.event("member-poison", 0)
	runner := events.NewRunner(s.log, "poison-check", func(context.Context, domain.CompletionEvent) error {
		return fmt.Errorf("cannot process")
	}, config.Events{ConsumerMaxRetries: 1, ConsumerRetryDelay: 10 * time.Millisecond})

	runCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	go func() { _ = runner.Run(runCtx) }()

	s.Require().NoError(s.log.Publish(ctx, poison))

	// The dead-letter topic is observed with a fresh consumer reading the
	// DLQ stream.
	dlqSeen := make(chan domain.CompletionEvent, 1)
	go func() {
		_ = s.log.SubscribeDeadLetters(ctx, "dlq-check", func(_ context.Context, ev domain.CompletionEvent) error {
			select {
			case dlqSeen <- ev:
			default:
			}
			return nil
		})
	}()

	select {
	case got := <-dlqSeen:
		s.Equal(poison.EventID, got.EventID)
	case <-time.After(45 * time.Second):
		s.FailNow("dead-lettered event never arrived")
	}
}
