// Package broker is the partitioned, ordered, durable heartbeat queue.
// Records carrying the same key land on the same partition and are
// delivered to a consumer in submission order; delivery is at-least-once
// and offsets advance only on explicit commit. Two backends implement the
// contract: an embedded bbolt-backed log and a kafka adapter.
package broker

import (
	"context"
	"time"
)

// Record is one message on a topic partition.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Batch is a contiguous run of records from a single partition. Committing
// a batch acknowledges every record up to and including its last offset.
type Batch struct {
	Topic     string
	Partition int32
	Records   []Record

	// raw carries backend-native record handles for commit.
	raw interface{}
}

// LastOffset returns the offset of the final record in the batch.
func (b Batch) LastOffset() int64 {
	if len(b.Records) == 0 {
		return -1
	}
	return b.Records[len(b.Records)-1].Offset
}

// Bytes returns the total value size of the batch.
func (b Batch) Bytes() int {
	n := 0
	for _, r := range b.Records {
		n += len(r.Value)
	}
	return n
}

// ConsumerOptions tune a subscription.
type ConsumerOptions struct {
	Group          string
	MaxPollRecords int
	FetchMinBytes  int
	FetchMaxWait   time.Duration
}

func (o *ConsumerOptions) defaults() {
	if o.Group == "" {
		o.Group = "default"
	}
	if o.MaxPollRecords <= 0 {
		o.MaxPollRecords = 100
	}
	if o.FetchMinBytes <= 0 {
		o.FetchMinBytes = 1024
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = 500 * time.Millisecond
	}
}

// Consumer pulls batches from a topic. Poll blocks up to FetchMaxWait for
// FetchMinBytes of data and returns whatever is available by then; an
// empty result is not an error. Uncommitted records are delivered again
// by a later consumer of the same group. Poll must be called from a
// single goroutine; Commit is safe for concurrent use.
type Consumer interface {
	Poll(ctx context.Context) ([]Batch, error)
	Commit(ctx context.Context, batch Batch) error
	Close() error
}

// Broker is the queue backend.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Subscribe(topic string, opts ConsumerOptions) (Consumer, error)
	Close() error
}
