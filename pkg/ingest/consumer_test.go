package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/types"
)

func init() {
	retryBaseDelay = 10 * time.Millisecond
}

type capture struct {
	mu       sync.Mutex
	payloads []*types.HeartbeatPayload
	failures int
}

func (c *capture) handler(failTimes int) Handler {
	return func(_ context.Context, payloads []*types.HeartbeatPayload) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failures < failTimes {
			c.failures++
			return fmt.Errorf("projection store unavailable")
		}
		c.payloads = append(c.payloads, payloads...)
		return nil
	}
}

func (c *capture) seen() []*types.HeartbeatPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.HeartbeatPayload, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func testKafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		Topic:    "heartbeat-queue",
		DLQTopic: "heartbeat-queue-dlq",
		Consumer: config.ConsumerConfig{
			Concurrency:    4,
			MaxPollRecords: 100,
			FetchMinBytes:  1,
			FetchMaxWaitMs: 20,
			MaxRetries:     3,
		},
	}
}

func newQueue(t *testing.T) *broker.Embedded {
	t.Helper()
	queue, err := broker.NewEmbedded(filepath.Join(t.TempDir(), "broker.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })
	return queue
}

func publishHeartbeat(t *testing.T, queue broker.Broker, service, instance string) {
	t.Helper()
	body, err := json.Marshal(&types.HeartbeatPayload{
		ServiceName: service,
		InstanceID:  instance,
		ConfigHash:  "NA",
		ObservedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(context.Background(), "heartbeat-queue", service, body))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestConsumerAppliesBatches(t *testing.T) {
	queue := newQueue(t)
	cap := &capture{}

	consumer := NewConsumer(queue, testKafkaConfig(), cap.handler(0))
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	for i := 0; i < 5; i++ {
		publishHeartbeat(t, queue, "billing", fmt.Sprintf("billing-%d", i))
	}

	eventually(t, func() bool { return len(cap.seen()) == 5 }, "all heartbeats applied")
}

func TestConsumerPreservesPerServiceOrder(t *testing.T) {
	queue := newQueue(t)
	var mu sync.Mutex
	perService := map[string][]string{}

	consumer := NewConsumer(queue, testKafkaConfig(), func(_ context.Context, payloads []*types.HeartbeatPayload) error {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range payloads {
			perService[p.ServiceName] = append(perService[p.ServiceName], p.InstanceID)
		}
		return nil
	})
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	for i := 0; i < 20; i++ {
		publishHeartbeat(t, queue, "billing", fmt.Sprintf("seq-%02d", i))
		publishHeartbeat(t, queue, "checkout", fmt.Sprintf("seq-%02d", i))
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(perService["billing"]) == 20 && len(perService["checkout"]) == 20
	}, "both services fully consumed")

	mu.Lock()
	defer mu.Unlock()
	for _, service := range []string{"billing", "checkout"} {
		for i, id := range perService[service] {
			assert.Equal(t, fmt.Sprintf("seq-%02d", i), id, "order broken for %s", service)
		}
	}
}

func TestConsumerRetriesThenRecovers(t *testing.T) {
	queue := newQueue(t)
	cap := &capture{}

	consumer := NewConsumer(queue, testKafkaConfig(), cap.handler(2))
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	publishHeartbeat(t, queue, "billing", "billing-1")

	eventually(t, func() bool { return len(cap.seen()) == 1 }, "heartbeat lands after transient failures")
	assert.Equal(t, 2, cap.failures)
}

func TestConsumerRoutesPoisonToDLQ(t *testing.T) {
	queue := newQueue(t)
	cap := &capture{}

	consumer := NewConsumer(queue, testKafkaConfig(), cap.handler(0))
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	// Empty serviceName fails validation on every attempt.
	body, err := json.Marshal(&types.HeartbeatPayload{InstanceID: "ghost-1"})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(context.Background(), "heartbeat-queue", "ghost", body))

	dlq, err := queue.Subscribe("heartbeat-queue-dlq", broker.ConsumerOptions{
		Group: "dlq-audit", MaxPollRecords: 10, FetchMinBytes: 1, FetchMaxWait: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	var routed []broker.Record
	eventually(t, func() bool {
		batches, err := dlq.Poll(context.Background())
		if err != nil {
			return false
		}
		for _, b := range batches {
			routed = append(routed, b.Records...)
		}
		return len(routed) >= 1
	}, "poison record reaches the DLQ")

	require.Len(t, routed, 1, "a poison record is dead-lettered exactly once")
	assert.Equal(t, "ghost", routed[0].Key, "partition key preserved")
	assert.Equal(t, body, routed[0].Value, "original bytes preserved")
	assert.Empty(t, cap.seen(), "poison never reaches the projection")
}

func TestConsumerUndecodableRecordIsPoison(t *testing.T) {
	queue := newQueue(t)
	cap := &capture{}

	consumer := NewConsumer(queue, testKafkaConfig(), cap.handler(0))
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	require.NoError(t, queue.Publish(context.Background(), "heartbeat-queue", "junk", []byte("{not json")))

	dlq, err := queue.Subscribe("heartbeat-queue-dlq", broker.ConsumerOptions{
		Group: "dlq-audit", MaxPollRecords: 10, FetchMinBytes: 1, FetchMaxWait: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		batches, err := dlq.Poll(context.Background())
		if err != nil {
			return false
		}
		n := 0
		for _, b := range batches {
			n += len(b.Records)
		}
		return n == 1
	}, "undecodable record reaches the DLQ")
}

func TestConsumerStopInterruptsBackoff(t *testing.T) {
	queue := newQueue(t)

	consumer := NewConsumer(queue, testKafkaConfig(), func(context.Context, []*types.HeartbeatPayload) error {
		return fmt.Errorf("always failing")
	})
	require.NoError(t, consumer.Start())

	publishHeartbeat(t, queue, "billing", "billing-1")
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		consumer.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not interrupt the retry backoff")
	}
}
