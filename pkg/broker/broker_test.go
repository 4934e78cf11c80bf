package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Embedded {
	t.Helper()
	log, err := NewEmbedded(filepath.Join(t.TempDir(), "broker.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func testOptions() ConsumerOptions {
	return ConsumerOptions{
		Group:          "test",
		MaxPollRecords: 100,
		FetchMinBytes:  1,
		FetchMaxWait:   50 * time.Millisecond,
	}
}

func pollAll(t *testing.T, c Consumer) []Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batches, err := c.Poll(ctx)
	require.NoError(t, err)
	return batches
}

func TestEmbeddedPreservesPerKeyOrder(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte(fmt.Sprintf("a-%d", i))))
		require.NoError(t, log.Publish(ctx, "hb", "svc-b", []byte(fmt.Sprintf("b-%d", i))))
	}

	consumer, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)

	var perKey = map[string][]string{}
	for _, batch := range pollAll(t, consumer) {
		for _, r := range batch.Records {
			perKey[r.Key] = append(perKey[r.Key], string(r.Value))
		}
	}

	require.Len(t, perKey["svc-a"], 10)
	require.Len(t, perKey["svc-b"], 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("a-%d", i), perKey["svc-a"][i])
		assert.Equal(t, fmt.Sprintf("b-%d", i), perKey["svc-b"][i])
	}
}

func TestEmbeddedSameKeySamePartition(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v")))
	}

	consumer, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)

	batches := pollAll(t, consumer)
	require.Len(t, batches, 1, "one key must land on one partition")
	assert.Len(t, batches[0].Records, 5)
}

func TestEmbeddedUncommittedRecordsRedeliver(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v1")))

	first, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)
	batches := pollAll(t, first)
	require.Len(t, batches, 1)
	// No commit: a fresh consumer of the same group sees the record again.

	second, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)
	redelivered := pollAll(t, second)
	require.Len(t, redelivered, 1)
	assert.Equal(t, []byte("v1"), redelivered[0].Records[0].Value)
}

func TestEmbeddedCommitAdvancesGroupOffset(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v1")))

	consumer, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)
	batches := pollAll(t, consumer)
	require.Len(t, batches, 1)
	require.NoError(t, consumer.Commit(ctx, batches[0]))

	// Same group restarts past the committed record.
	restarted, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)
	assert.Empty(t, pollAll(t, restarted))

	// A different group starts from the beginning.
	opts := testOptions()
	opts.Group = "other"
	other, err := log.Subscribe("hb", opts)
	require.NoError(t, err)
	assert.Len(t, pollAll(t, other), 1)
}

func TestEmbeddedOffsetsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.db")
	ctx := context.Background()

	log, err := NewEmbedded(path, 4)
	require.NoError(t, err)
	require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v1")))
	require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v2")))

	consumer, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)
	batches := pollAll(t, consumer)
	require.Len(t, batches, 1)
	require.NoError(t, consumer.Commit(ctx, batches[0]))
	require.NoError(t, log.Close())

	reopened, err := NewEmbedded(path, 4)
	require.NoError(t, err)
	defer reopened.Close()

	consumer, err = reopened.Subscribe("hb", testOptions())
	require.NoError(t, err)
	assert.Empty(t, pollAll(t, consumer), "committed records must not redeliver after restart")
}

func TestEmbeddedRespectsMaxPollRecords(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Publish(ctx, "hb", "svc-a", []byte("v")))
	}

	opts := testOptions()
	opts.MaxPollRecords = 3
	consumer, err := log.Subscribe("hb", opts)
	require.NoError(t, err)

	batches := pollAll(t, consumer)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 3)
}

func TestEmbeddedEmptyPollReturnsAfterWait(t *testing.T) {
	log := newTestLog(t)

	consumer, err := log.Subscribe("hb", testOptions())
	require.NoError(t, err)

	start := time.Now()
	batches := pollAll(t, consumer)
	assert.Empty(t, batches)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEmbeddedPollWakesOnPublish(t *testing.T) {
	log := newTestLog(t)
	opts := testOptions()
	opts.FetchMaxWait = 2 * time.Second
	consumer, err := log.Subscribe("hb", opts)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = log.Publish(context.Background(), "hb", "svc-a", []byte("v"))
	}()

	start := time.Now()
	batches := pollAll(t, consumer)
	require.Len(t, batches, 1)
	assert.Less(t, time.Since(start), time.Second, "publish should wake a blocked poll")
}
