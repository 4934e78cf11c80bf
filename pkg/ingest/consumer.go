// Package ingest is the control-plane side of the heartbeat pipeline: a
// batch consumer that pulls from the broker, applies records to the fleet
// projection, and commits offsets only after a batch either lands or is
// routed to the dead-letter topic. Batches from the same partition are
// processed sequentially, preserving per-service order.
package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/types"
)

// Handler applies one decoded batch. A returned error triggers the
// retry-then-DLQ path for the whole batch.
type Handler func(ctx context.Context, payloads []*types.HeartbeatPayload) error

// ConsumerGroup is the offset namespace of the control-plane ingest.
const ConsumerGroup = "quorum-ingest"

// retryBaseDelay anchors the exponential backoff between redeliveries.
var retryBaseDelay = time.Second

// Consumer runs the batch loop: one fetch goroutine feeding
// per-partition workers.
type Consumer struct {
	queue    broker.Broker
	topic    string
	dlqTopic string
	cfg      config.ConsumerConfig
	handler  Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer wires the consumer against a broker backend.
func NewConsumer(queue broker.Broker, kafka config.KafkaConfig, handler Handler) *Consumer {
	cfg := kafka.Consumer
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Consumer{
		queue:    queue,
		topic:    kafka.Topic,
		dlqTopic: kafka.DLQTopic,
		cfg:      cfg,
		handler:  handler,
	}
}

// Start subscribes and launches the workers. It returns once the loop is
// running.
func (c *Consumer) Start() error {
	sub, err := c.queue.Subscribe(c.topic, broker.ConsumerOptions{
		Group:          ConsumerGroup,
		MaxPollRecords: c.cfg.MaxPollRecords,
		FetchMinBytes:  c.cfg.FetchMinBytes,
		FetchMaxWait:   time.Duration(c.cfg.FetchMaxWaitMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// A batch travels to the worker owning its partition; each channel
	// is drained sequentially, so per-partition order holds.
	lanes := make([]chan broker.Batch, c.cfg.Concurrency)
	for i := range lanes {
		lanes[i] = make(chan broker.Batch, 1)
		c.wg.Add(1)
		go c.worker(ctx, sub, lanes[i])
	}

	c.wg.Add(1)
	go c.fetchLoop(ctx, sub, lanes)

	logger := log.WithComponent("ingest")
	logger.Info().
		Str("topic", c.topic).
		Int("concurrency", c.cfg.Concurrency).
		Msg("heartbeat consumer started")
	return nil
}

// Stop cancels in-flight work and waits for the workers to drain.
// Interrupted batches stay uncommitted and redeliver on restart.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	logger := log.WithComponent("ingest")
	logger.Info().Msg("heartbeat consumer stopped")
}

func (c *Consumer) fetchLoop(ctx context.Context, sub broker.Consumer, lanes []chan broker.Batch) {
	defer c.wg.Done()
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		batches, err := sub.Poll(ctx)
		if err != nil {
			if errdefs.IsCancelled(err) || ctx.Err() != nil {
				return
			}
			logger := log.WithComponent("ingest")
			logger.Warn().Err(err).Msg("poll failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, batch := range batches {
			lane := lanes[int(batch.Partition)%len(lanes)]
			select {
			case lane <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

// worker processes batches sequentially. The retry counter is stateful
// per partition: it survives across redeliveries of the same batch and
// resets on commit.
func (c *Consumer) worker(ctx context.Context, sub broker.Consumer, lane <-chan broker.Batch) {
	defer c.wg.Done()
	attempts := make(map[int32]int)

	for batch := range lane {
		c.processUntilCommitted(ctx, sub, batch, attempts)
	}
}

func (c *Consumer) processUntilCommitted(ctx context.Context, sub broker.Consumer, batch broker.Batch, attempts map[int32]int) {
	logger := log.WithComponent("ingest").With().
		Str("topic", batch.Topic).
		Int32("partition", batch.Partition).Logger()

	for {
		err := c.processBatch(ctx, batch)
		if err == nil {
			attempts[batch.Partition] = 0
			if cErr := sub.Commit(ctx, batch); cErr != nil {
				logger.Error().Err(cErr).Msg("failed to commit batch")
			}
			return
		}

		attempts[batch.Partition]++
		attempt := attempts[batch.Partition]
		if attempt > c.cfg.MaxRetries {
			c.routeToDLQ(ctx, batch)
			attempts[batch.Partition] = 0
			if cErr := sub.Commit(ctx, batch); cErr != nil {
				logger.Error().Err(cErr).Msg("failed to commit dead-lettered batch")
			}
			return
		}

		metrics.HeartbeatRetries.WithLabelValues(strconv.Itoa(int(batch.Partition))).Inc()
		delay := retryBaseDelay << (attempt - 1)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("batch processing failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Cancelled mid-backoff: leave the batch uncommitted.
			logger.Info().Msg("worker cancelled during backoff")
			return
		}
	}
}

// processBatch decodes and applies every record, or fails the batch as a
// whole.
func (c *Consumer) processBatch(ctx context.Context, batch broker.Batch) error {
	start := time.Now()
	payloads := make([]*types.HeartbeatPayload, 0, len(batch.Records))
	for _, record := range batch.Records {
		payload := new(types.HeartbeatPayload)
		if err := json.Unmarshal(record.Value, payload); err != nil {
			return errdefs.Poison("undecodable record at offset %d: %v", record.Offset, err)
		}
		if payload.ServiceName == "" || payload.InstanceID == "" {
			return errdefs.Poison("record at offset %d missing service or instance identity", record.Offset)
		}
		payloads = append(payloads, payload)
	}

	if err := c.handler(ctx, payloads); err != nil {
		return err
	}

	metrics.HeartbeatBatchSize.Observe(float64(len(batch.Records)))
	metrics.HeartbeatBatchLatency.Observe(time.Since(start).Seconds())
	metrics.HeartbeatIngested.Add(float64(len(payloads)))
	return nil
}

// routeToDLQ republishes each record individually with its partition key
// preserved. A failed publish is logged, never fatal.
func (c *Consumer) routeToDLQ(ctx context.Context, batch broker.Batch) {
	logger := log.WithComponent("ingest").With().
		Int32("partition", batch.Partition).Logger()

	for _, record := range batch.Records {
		if err := c.queue.Publish(ctx, c.dlqTopic, record.Key, record.Value); err != nil {
			logger.Error().Err(err).
				Int64("offset", record.Offset).
				Msg("failed to dead-letter record")
			continue
		}
		metrics.HeartbeatDLQRouted.Inc()
	}
	logger.Warn().Int("records", len(batch.Records)).Msg("batch routed to dead-letter topic")
}
