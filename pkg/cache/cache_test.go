package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/config"
)

func TestCodecSmallValuesStayUncompressed(t *testing.T) {
	codec := Codec{Threshold: 1024}
	value := []byte("small payload")

	encoded := codec.Encode(value)

	assert.Equal(t, value, encoded)
	assert.False(t, IsCompressed(encoded))
}

func TestCodecCompressesAtThreshold(t *testing.T) {
	codec := Codec{Threshold: 64}
	value := bytes.Repeat([]byte("abcdefgh"), 32)

	encoded := codec.Encode(value)
	require.True(t, IsCompressed(encoded))
	assert.Less(t, len(encoded), len(value))

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestCodecDisabledByZeroThreshold(t *testing.T) {
	codec := Codec{Threshold: 0}
	value := bytes.Repeat([]byte("x"), 4096)

	assert.Equal(t, value, codec.Encode(value))
}

func TestCodecDecodePassesThroughPlainValues(t *testing.T) {
	codec := Codec{Threshold: 1024}

	decoded, err := codec.Decode([]byte("plain"))

	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), decoded)
}

func TestLocalGetSetDelete(t *testing.T) {
	store := NewLocal(16, time.Minute)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found)
}

func TestLocalEvictsBeyondCapacity(t *testing.T) {
	store := NewLocal(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), time.Minute))

	_, found, _ := store.Get(ctx, "a")
	assert.False(t, found, "oldest entry should be evicted")
	_, found, _ = store.Get(ctx, "c")
	assert.True(t, found)
}

func newTestRedis(t *testing.T) *Distributed {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewDistributedFromClient(client)
}

func TestDistributedRoundTrip(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found)
}

func TestTieredPromotesL2HitsIntoL1(t *testing.T) {
	l1 := NewLocal(16, time.Minute)
	l2 := newTestRedis(t)
	store := NewTiered(l1, l2, nil, time.Minute)
	ctx := context.Background()

	// Seed L2 only.
	require.NoError(t, l2.Set(ctx, "k", []byte("v"), time.Minute))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	_, found, _ = l1.Get(ctx, "k")
	assert.True(t, found, "L2 hit should be promoted to L1")
}

func TestTieredSurvivesL2Outage(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l1 := NewLocal(16, time.Minute)
	store := NewTiered(l1, NewDistributedFromClient(client), nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	srv.Close()

	// L1 still serves the value; writes still land in L1.
	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Set(ctx, "k2", []byte("v2"), time.Minute))
	value, found, _ = l1.Get(ctx, "k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func testEngineConfig() config.CacheConfig {
	return config.CacheConfig{
		Provider:    "LOCAL",
		Compression: config.CompressionConfig{Threshold: 64},
		Local: config.LocalCacheConfig{
			MaxEntries: 64,
			DefaultTTL: time.Minute,
		},
	}
}

func TestEngineRoundTripsCompressedValues(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	large := []byte(strings.Repeat("fleet-entry ", 100))
	require.NoError(t, engine.Set(ctx, "k", large, time.Minute))

	value, found, err := engine.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, large, value)
}

func TestEngineSwapChangesProvider(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	assert.Equal(t, ProviderLocal, engine.Status().Provider)

	require.NoError(t, engine.Swap("noop"))
	assert.Equal(t, ProviderNoop, engine.Status().Provider)

	// Noop misses every read.
	require.NoError(t, engine.Set(context.Background(), "k", []byte("v"), time.Minute))
	_, found, err := engine.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineSwapRejectsUnknownProvider(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()

	assert.Error(t, engine.Swap("MEMCACHE"))
	assert.Equal(t, ProviderLocal, engine.Status().Provider)
}

func TestEngineUnknownProviderAtBuild(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Provider = "bogus"

	_, err := NewEngine(cfg, nil, nil)
	assert.Error(t, err)
}

func TestCorrelationRegisterThenComplete(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	table := NewCorrelation(engine, time.Minute)
	ch, err := table.Register(ctx, "req-1")
	require.NoError(t, err)

	require.NoError(t, table.Complete(ctx, "req-1", []byte("pong")))
	value, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), value)

	_, open := <-ch
	assert.False(t, open, "channel closes after delivery")
}

func TestCorrelationCompleteBeforeRegister(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	table := NewCorrelation(engine, time.Minute)
	require.NoError(t, table.Complete(ctx, "req-2", []byte("early")))

	ch, err := table.Register(ctx, "req-2")
	require.NoError(t, err)
	value, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, []byte("early"), value, "cached reply survives the race")
}

func TestCorrelationDuplicateRegistration(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	table := NewCorrelation(engine, time.Minute)
	_, err = table.Register(ctx, "req-3")
	require.NoError(t, err)
	_, err = table.Register(ctx, "req-3")
	assert.Error(t, err)
}

func TestCorrelationSweepExpiresWaiters(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	require.NoError(t, err)
	defer engine.Close()
	ctx := context.Background()

	table := NewCorrelation(engine, 10*time.Millisecond)
	ch, err := table.Register(ctx, "req-4")
	require.NoError(t, err)

	expired := table.Sweep(time.Now().UTC().Add(time.Second))
	assert.Equal(t, 1, expired)

	_, open := <-ch
	assert.False(t, open, "expired registration closes without a value")
}
