// Package kafka builds franz-go clients for the completion event log.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"eligibility-gateway/internal/platform/config"
)

// NewProducer returns a client configured for durable publication: acks from
// all replicas and idempotent produce, so broker retries cannot duplicate a
// record within a session. At-least-once across process restarts is handled
// by the consumers' event_id idempotency keys.
func NewProducer(cfg config.Kafka) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
}

// NewGroupConsumer returns a client consuming the given topics in a consumer
// group. Auto-commit is disabled: the consumer runner commits only after a
// record's handler (or its dead-letter fallback) has finished, which is what
// makes redelivery-on-crash possible.
func NewGroupConsumer(cfg config.Kafka, group string, topics ...string) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
}

// EnsureTopics creates the completions and dead-letter topics if they do not
// exist. Partition count fixes the subject_id ordering domain, so it is
// configuration, not a runtime decision. Replication follows
// cfg.ReplicationFactor; -1 defers to the broker default.
func EnsureTopics(ctx context.Context, cfg config.Kafka) error {
	cl, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("kafka admin client: %w", err)
	}
	defer cl.Close()

	replication := int16(cfg.ReplicationFactor)
	if replication == 0 {
		replication = -1
	}
	adm := kadm.NewClient(cl)
	resps, err := adm.CreateTopics(ctx, int32(cfg.Partitions), replication, nil,
		cfg.CompletionsTopic, cfg.DeadLetterTopic)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}
