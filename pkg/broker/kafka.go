package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cuemby/quorum/pkg/errdefs"
)

// Kafka adapts the queue contract onto a kafka cluster. Ordering and
// at-least-once delivery come from kafka itself; offsets are committed
// explicitly, never by the client.
type Kafka struct {
	seeds    []string
	producer *kgo.Client
}

// NewKafka connects a shared producer to the seed brokers.
func NewKafka(seeds []string) (*Kafka, error) {
	if len(seeds) == 0 {
		return nil, errdefs.Validation("no_brokers", "at least one seed broker is required")
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Kafka{seeds: seeds, producer: producer}, nil
}

// Publish produces synchronously so the caller learns about broker
// unavailability.
func (k *Kafka) Publish(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "broker_publish_failed", "failed to produce record")
	}
	return nil
}

// Subscribe joins a consumer group with auto-commit disabled.
func (k *Kafka) Subscribe(topic string, opts ConsumerOptions) (Consumer, error) {
	opts.defaults()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.seeds...),
		kgo.ConsumerGroup(opts.Group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMinBytes(int32(opts.FetchMinBytes)),
		kgo.FetchMaxWait(opts.FetchMaxWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return &kafkaConsumer{client: client, opts: opts}, nil
}

// Close closes the shared producer. Subscriptions close independently.
func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}

type kafkaConsumer struct {
	client *kgo.Client
	opts   ConsumerOptions
}

func (c *kafkaConsumer) Poll(ctx context.Context) ([]Batch, error) {
	fetches := c.client.PollRecords(ctx, c.opts.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, errdefs.Transient("consumer_closed", "kafka consumer closed")
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			return nil, errdefs.Wrap(fe.Err, errdefs.KindCancelled, "poll_cancelled", "poll interrupted")
		}
		return nil, errdefs.Wrap(fe.Err, errdefs.KindTransient, "broker_fetch_failed",
			fmt.Sprintf("fetch failed on %s/%d", fe.Topic, fe.Partition))
	}

	var batches []Batch
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		batch := Batch{
			Topic:     p.Topic,
			Partition: p.Partition,
			Records:   make([]Record, 0, len(p.Records)),
			raw:       p.Records,
		}
		for _, r := range p.Records {
			batch.Records = append(batch.Records, Record{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       string(r.Key),
				Value:     r.Value,
				Timestamp: r.Timestamp,
			})
		}
		batches = append(batches, batch)
	})
	return batches, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, batch Batch) error {
	records, ok := batch.raw.([]*kgo.Record)
	if !ok || len(records) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "broker_commit_failed", "failed to commit offsets")
	}
	return nil
}

func (c *kafkaConsumer) Close() error {
	c.client.Close()
	return nil
}
