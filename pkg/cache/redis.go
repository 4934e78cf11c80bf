package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/metrics"
)

// Distributed is the L2 store backed by redis.
type Distributed struct {
	client *redis.Client
}

// NewDistributed creates a redis-backed store.
func NewDistributed(addr, password string, db int) *Distributed {
	return &Distributed{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewDistributedFromClient wraps an existing client; tests use this with
// miniredis.
func NewDistributedFromClient(client *redis.Client) *Distributed {
	return &Distributed{client: client}
}

func (d *Distributed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := d.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("l2").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errdefs.Wrap(err, errdefs.KindTransient, "l2_unavailable", "distributed cache read failed")
	}
	metrics.CacheHits.WithLabelValues("l2").Inc()
	return value, true, nil
}

func (d *Distributed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := d.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "l2_unavailable", "distributed cache write failed")
	}
	return nil
}

func (d *Distributed) Delete(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "l2_unavailable", "distributed cache delete failed")
	}
	return nil
}

func (d *Distributed) Provider() Provider {
	return ProviderDistributed
}

func (d *Distributed) Close() error {
	return d.client.Close()
}
