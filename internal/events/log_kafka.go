package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/platform/config"
	platformkafka "eligibility-gateway/internal/platform/kafka"
)

// KafkaLog is the production Log. Records are keyed by subject_id so every
// subject maps to a fixed partition, which is what gives consumers in-order
// delivery per subject. Consumer offsets are committed only after the handler
// returns, so a crash redelivers rather than drops.
type KafkaLog struct {
	cfg      config.Kafka
	events   config.Events
	producer *kgo.Client
	logger   *slog.Logger
}

// KafkaLogOption configures a KafkaLog.
type KafkaLogOption func(*KafkaLog)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) KafkaLogOption {
	return func(k *KafkaLog) { k.logger = l }
}

// NewKafkaLog builds the producer client and ensures both topics exist.
func NewKafkaLog(ctx context.Context, cfg config.Kafka, events config.Events, opts ...KafkaLogOption) (*KafkaLog, error) {
	if err := platformkafka.EnsureTopics(ctx, cfg); err != nil {
		return nil, err
	}
	producer, err := platformkafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}
	k := &KafkaLog{
		cfg:      cfg,
		events:   events,
		producer: producer,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Publish produces ev to the completions topic with bounded retries. Failure
// after retries surfaces to the caller: the dispatch path treats an
// unpublishable event as a hard error rather than silently losing it.
func (k *KafkaLog) Publish(ctx context.Context, ev domain.CompletionEvent) error {
	return k.produce(ctx, k.cfg.CompletionsTopic, ev, nil)
}

// DeadLetter produces the event to the dead-letter topic, with the consumer
// group and cause carried in headers.
func (k *KafkaLog) DeadLetter(ctx context.Context, group string, ev domain.CompletionEvent, cause error) error {
	headers := []kgo.RecordHeader{
		{Key: "group", Value: []byte(group)},
	}
	if cause != nil {
		headers = append(headers, kgo.RecordHeader{Key: "cause", Value: []byte(cause.Error())})
	}
	return k.produce(ctx, k.cfg.DeadLetterTopic, ev, headers)
}

func (k *KafkaLog) produce(ctx context.Context, topic string, ev domain.CompletionEvent, headers []kgo.RecordHeader) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	rec := &kgo.Record{
		Topic:   topic,
		Key:     []byte(ev.SubjectID),
		Value:   payload,
		Headers: headers,
	}

	attempts := k.events.PublishMaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = k.producer.ProduceSync(ctx, rec).FirstErr(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k.logger.Warn("event produce failed, retrying",
			"topic", topic, "event_id", ev.EventID, "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.events.ConsumerRetryDelay):
		}
	}
	return fmt.Errorf("produce to %s after %d attempts: %w", topic, attempts, lastErr)
}

// Subscribe consumes the completions topic in the named group, invoking
// handler for each record and committing only afterwards. Records that fail
// to decode are committed past with a log line; they can never succeed.
func (k *KafkaLog) Subscribe(ctx context.Context, group string, handler Handler) error {
	return k.consume(ctx, k.cfg.CompletionsTopic, group, handler)
}

// SubscribeDeadLetters consumes the dead-letter topic, for requeue tooling
// and tests.
func (k *KafkaLog) SubscribeDeadLetters(ctx context.Context, group string, handler Handler) error {
	return k.consume(ctx, k.cfg.DeadLetterTopic, group, handler)
}

func (k *KafkaLog) consume(ctx context.Context, topic, group string, handler Handler) error {
	consumer, err := platformkafka.NewGroupConsumer(k.cfg, group, topic)
	if err != nil {
		return err
	}
	defer consumer.Close()

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var (
			failed    error
			failedRec *kgo.Record
		)
		fetches.EachRecord(func(rec *kgo.Record) {
			if failed != nil {
				return
			}
			var ev domain.CompletionEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				k.logger.Error("undecodable event record skipped",
					"group", group, "partition", rec.Partition, "offset", rec.Offset, "error", err)
				return
			}
			if err := handler(ctx, ev); err != nil {
				failed = err
				failedRec = rec
			}
		})
		if failed != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Rewind the partition to the failed record and skip the commit.
			// Without the rewind the client's consumed position has already
			// moved past the batch, and the next clean commit would drop the
			// failed record silently.
			consumer.SetOffsets(rewindPoint(failedRec))
			k.logger.Error("handler failed, rewinding to failed record",
				"group", group, "partition", failedRec.Partition, "offset", failedRec.Offset, "error", failed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(k.events.ConsumerRetryDelay):
			}
			continue
		}
		if err := consumer.CommitUncommittedOffsets(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("offset commit failed", "group", group, "error", err)
		}
	}
}

// rewindPoint maps a record to its own position, so SetOffsets makes the
// next poll deliver it again instead of resuming past it.
func rewindPoint(rec *kgo.Record) map[string]map[int32]kgo.EpochOffset {
	return map[string]map[int32]kgo.EpochOffset{
		rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
	}
}

// Close releases the producer.
func (k *KafkaLog) Close() {
	k.producer.Close()
}
