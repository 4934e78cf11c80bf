package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cuemby/quorum/pkg/metrics"
)

// Local is the in-process L1: a bounded LRU with TTL expiry.
type Local struct {
	entries *lru.LRU[string, []byte]
}

// NewLocal creates a local store holding at most maxEntries values, each
// expiring after defaultTTL.
func NewLocal(maxEntries int, defaultTTL time.Duration) *Local {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Local{
		entries: lru.NewLRU[string, []byte](maxEntries, nil, defaultTTL),
	}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := l.entries.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues("l1").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("l1").Inc()
	}
	return value, ok, nil
}

// Set stores value. The per-entry TTL of the underlying LRU is fixed at
// construction; the ttl argument is accepted for interface symmetry and
// enforced exactly by the distributed tier.
func (l *Local) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	l.entries.Add(key, value)
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.entries.Remove(key)
	return nil
}

func (l *Local) Provider() Provider {
	return ProviderLocal
}

func (l *Local) Close() error {
	return nil
}
