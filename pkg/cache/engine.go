package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/resilience"
)

// Engine fronts the active cache store, applies the compression codec on
// the value boundary, and supports runtime provider hot-swap.
type Engine struct {
	cfg    config.CacheConfig
	codec  Codec
	fabric *resilience.Fabric
	broker *events.Broker

	mu        sync.RWMutex
	store     Store
	swappedAt time.Time
}

// NewEngine builds the configured provider. fabric guards L2 lookups of
// the tiered provider; broker, when non-nil, observes provider swaps.
func NewEngine(cfg config.CacheConfig, fabric *resilience.Fabric, broker *events.Broker) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		codec:  Codec{Threshold: cfg.Compression.Threshold},
		fabric: fabric,
		broker: broker,
	}

	store, err := e.build(Provider(strings.ToUpper(cfg.Provider)))
	if err != nil {
		return nil, err
	}
	e.store = store
	e.swappedAt = time.Now()
	return e, nil
}

func (e *Engine) build(p Provider) (Store, error) {
	switch p {
	case ProviderLocal:
		return NewLocal(e.cfg.Local.MaxEntries, e.cfg.Local.DefaultTTL), nil
	case ProviderDistributed:
		return NewDistributed(e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB), nil
	case ProviderTiered:
		l1 := NewLocal(e.cfg.Local.MaxEntries, e.cfg.Local.DefaultTTL)
		l2 := NewDistributed(e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
		return NewTiered(l1, l2, e.fabric, e.cfg.Local.DefaultTTL), nil
	case ProviderNoop:
		return NewNoop(), nil
	default:
		return nil, errdefs.Validation("unknown_provider", "unknown cache provider %q", p)
	}
}

// Get returns the decoded value for key.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()

	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	value, err := e.codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set encodes and stores value.
func (e *Engine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	return store.Set(ctx, key, e.codec.Encode(value), ttl)
}

// Delete removes key.
func (e *Engine) Delete(ctx context.Context, key string) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	return store.Delete(ctx, key)
}

// Swap replaces the active provider at runtime. The old store is closed
// after the swap; in-flight calls on it complete normally.
func (e *Engine) Swap(p Provider) error {
	p = Provider(strings.ToUpper(string(p)))
	next, err := e.build(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.store
	e.store = next
	e.swappedAt = time.Now()
	e.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			lg1 := log.WithComponent("cache")
			lg1.Warn().Err(err).Msg("failed to close previous cache provider")
		}
	}

	lg2 := log.WithComponent("cache")
	lg2.Info().Str("provider", string(p)).Msg("cache provider swapped")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventCacheSwapped,
			Message: "cache provider swapped",
			Metadata: map[string]string{
				"provider": string(p),
			},
		})
	}
	return nil
}

// Status describes the active provider for the status endpoint.
type Status struct {
	Provider             Provider  `json:"provider"`
	SwappedAt            time.Time `json:"swappedAt"`
	CompressionThreshold int       `json:"compressionThreshold"`
}

// Status reports the active provider.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Provider:             e.store.Provider(),
		SwappedAt:            e.swappedAt,
		CompressionThreshold: e.codec.Threshold,
	}
}

// Fallback implements resilience.FallbackSource over the engine so read
// fabrics can serve stale values.
func (e *Engine) Fallback(ctx context.Context, key string) (interface{}, bool) {
	value, found, err := e.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	return value, true
}

// Close closes the active store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Close()
}
