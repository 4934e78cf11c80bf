package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/resilience"
)

// Tiered reads through L1 to L2, promoting L2 hits into L1. L2 lookups on
// the same key are deduplicated to a single backend call; L2 failures
// degrade gracefully to an L1-only cache.
type Tiered struct {
	l1         *Local
	l2         Store
	fabric     *resilience.Fabric
	promoteTTL time.Duration
	group      singleflight.Group
}

// NewTiered composes the tiers. The fabric, when non-nil, guards every L2
// lookup.
func NewTiered(l1 *Local, l2 Store, fabric *resilience.Fabric, promoteTTL time.Duration) *Tiered {
	return &Tiered{
		l1:         l1,
		l2:         l2,
		fabric:     fabric,
		promoteTTL: promoteTTL,
	}
}

type tieredHit struct {
	value []byte
	found bool
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, _ := t.l1.Get(ctx, key); ok {
		return value, true, nil
	}

	// Concurrent misses on the same key share one L2 call.
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		value, found, err := t.lookupL2(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			_ = t.l1.Set(ctx, key, value, t.promoteTTL)
		}
		return tieredHit{value: value, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}

	hit := v.(tieredHit)
	return hit.value, hit.found, nil
}

func (t *Tiered) lookupL2(ctx context.Context, key string) ([]byte, bool, error) {
	if t.fabric == nil {
		return t.l2.Get(ctx, key)
	}

	v, err := t.fabric.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		value, found, err := t.l2.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return tieredHit{value: value, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	hit := v.(tieredHit)
	return hit.value, hit.found, nil
}

// Set writes both tiers. An L2 failure is logged and absorbed so the
// caller keeps its L1 write.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		lg1 := log.WithComponent("cache")
		lg1.Warn().Err(err).Str("key", key).Msg("l2 write failed, value cached locally only")
	}
	return nil
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	if err := t.l1.Delete(ctx, key); err != nil {
		return err
	}
	if err := t.l2.Delete(ctx, key); err != nil {
		lg2 := log.WithComponent("cache")
		lg2.Warn().Err(err).Str("key", key).Msg("l2 delete failed")
	}
	return nil
}

func (t *Tiered) Provider() Provider {
	return ProviderTiered
}

func (t *Tiered) Close() error {
	return t.l2.Close()
}
