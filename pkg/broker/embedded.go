package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/errdefs"
)

const defaultPartitions = 16

// Embedded is the bbolt-backed log: one bucket per topic partition, offset
// keys in big-endian order, consumer-group offsets in a separate bucket.
// Records survive restart; a consumer resumes from its last committed
// offset.
type Embedded struct {
	db         *bolt.DB
	partitions int32

	mu      sync.Mutex
	signals map[string]chan struct{}
}

// NewEmbedded opens (or creates) the log at path. partitions fixes the
// partition count for all topics; it must not change once the log holds
// data.
func NewEmbedded(path string, partitions int) (*Embedded, error) {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open broker log: %w", err)
	}
	return &Embedded{
		db:         db,
		partitions: int32(partitions),
		signals:    make(map[string]chan struct{}),
	}, nil
}

type logEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"ts"`
}

func (e *Embedded) partition(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32() % uint32(e.partitions))
}

func logBucket(topic string, partition int32) []byte {
	return []byte(fmt.Sprintf("log/%s/%d", topic, partition))
}

func offsetKey(group, topic string, partition int32) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", group, topic, partition))
}

var offsetsBucket = []byte("offsets")

func offsetBytes(offset int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(offset))
	return b[:]
}

// Publish appends a record to the partition owned by key.
func (e *Embedded) Publish(_ context.Context, topic, key string, value []byte) error {
	entry, err := json.Marshal(logEntry{Key: key, Value: value, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	partition := e.partition(key)
	err = e.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(logBucket(topic, partition))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(offsetBytes(int64(seq)), entry)
	})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "broker_publish_failed", "failed to append record")
	}

	e.broadcast(topic)
	return nil
}

// broadcast wakes every consumer blocked on topic.
func (e *Embedded) broadcast(topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.signals[topic]; ok {
		close(ch)
	}
	e.signals[topic] = make(chan struct{})
}

func (e *Embedded) signal(topic string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.signals[topic]
	if !ok {
		ch = make(chan struct{})
		e.signals[topic] = ch
	}
	return ch
}

// Subscribe attaches a consumer group to topic. One consumer per group per
// process; Poll must stay on a single goroutine, Commit may run
// concurrently with it.
func (e *Embedded) Subscribe(topic string, opts ConsumerOptions) (Consumer, error) {
	opts.defaults()
	return &embeddedConsumer{
		log:   e,
		topic: topic,
		opts:  opts,
		pos:   make(map[int32]int64),
	}, nil
}

// Close closes the underlying log.
func (e *Embedded) Close() error {
	return e.db.Close()
}

type embeddedConsumer struct {
	log   *Embedded
	topic string
	opts  ConsumerOptions

	// pos holds the next offset to fetch per partition, seeded from the
	// group's committed offset on first touch.
	pos map[int32]int64
}

func (c *embeddedConsumer) Poll(ctx context.Context) ([]Batch, error) {
	deadline := time.Now().Add(c.opts.FetchMaxWait)
	for {
		batches, size, err := c.fetch()
		if err != nil {
			return nil, err
		}

		expired := !time.Now().Before(deadline)
		if len(batches) > 0 && (size >= c.opts.FetchMinBytes || expired) {
			c.advance(batches)
			return batches, nil
		}
		if expired {
			c.advance(batches)
			return batches, nil
		}

		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(ctx.Err(), errdefs.KindCancelled, "poll_cancelled", "poll interrupted")
		case <-c.log.signal(c.topic):
		case <-time.After(time.Until(deadline)):
		}
	}
}

// fetch reads pending records without moving the fetch positions.
func (c *embeddedConsumer) fetch() ([]Batch, int, error) {
	var batches []Batch
	size := 0

	err := c.log.db.View(func(tx *bolt.Tx) error {
		for partition := int32(0); partition < c.log.partitions; partition++ {
			bucket := tx.Bucket(logBucket(c.topic, partition))
			if bucket == nil {
				continue
			}

			from, ok := c.pos[partition]
			if !ok {
				from = c.committed(tx, partition) + 1
			}

			batch := Batch{Topic: c.topic, Partition: partition}
			cursor := bucket.Cursor()
			for k, v := cursor.Seek(offsetBytes(from)); k != nil; k, v = cursor.Next() {
				var entry logEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					return fmt.Errorf("corrupt record at %s/%d: %w", c.topic, partition, err)
				}
				batch.Records = append(batch.Records, Record{
					Topic:     c.topic,
					Partition: partition,
					Offset:    int64(binary.BigEndian.Uint64(k)),
					Key:       entry.Key,
					Value:     entry.Value,
					Timestamp: entry.Timestamp,
				})
				size += len(entry.Value)
				if len(batch.Records) >= c.opts.MaxPollRecords {
					break
				}
			}
			if len(batch.Records) > 0 {
				batches = append(batches, batch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, errdefs.Wrap(err, errdefs.KindTransient, "broker_fetch_failed", "failed to fetch records")
	}
	return batches, size, nil
}

func (c *embeddedConsumer) committed(tx *bolt.Tx, partition int32) int64 {
	bucket := tx.Bucket(offsetsBucket)
	if bucket == nil {
		return 0
	}
	v := bucket.Get(offsetKey(c.opts.Group, c.topic, partition))
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func (c *embeddedConsumer) advance(batches []Batch) {
	for _, b := range batches {
		c.pos[b.Partition] = b.LastOffset() + 1
	}
}

// Commit acknowledges the batch: the group's offset for the partition
// moves past its last record.
func (c *embeddedConsumer) Commit(_ context.Context, batch Batch) error {
	last := batch.LastOffset()
	if last < 0 {
		return nil
	}
	err := c.log.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(offsetsBucket)
		if err != nil {
			return err
		}
		return bucket.Put(offsetKey(c.opts.Group, batch.Topic, batch.Partition), offsetBytes(last))
	})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "broker_commit_failed", "failed to commit offset")
	}
	return nil
}

func (c *embeddedConsumer) Close() error {
	return nil
}
