package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
)

const correlationPrefix = "corr/"

// Correlation is a pending-reply table. A caller registers a correlation
// id and receives the reply on a channel; completions are also written
// through the cache engine, so a reply that races or precedes the
// registration is not lost. Idle registrations expire after the TTL.
type Correlation struct {
	engine *Engine
	ttl    time.Duration

	mu      sync.Mutex
	waiters map[string]chan []byte
	expiry  map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCorrelation wires the table over a cache engine.
func NewCorrelation(engine *Engine, ttl time.Duration) *Correlation {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Correlation{
		engine:  engine,
		ttl:     ttl,
		waiters: make(map[string]chan []byte),
		expiry:  make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Register declares interest in a reply. The returned channel yields the
// value once, or closes without a value when the registration expires.
func (c *Correlation) Register(ctx context.Context, id string) (<-chan []byte, error) {
	if id == "" {
		return nil, errdefs.Validation("missing_correlation_id", "a correlation id is required")
	}

	ch := make(chan []byte, 1)

	// The reply may already be cached if the responder won the race.
	if value, ok, err := c.engine.Get(ctx, correlationPrefix+id); err == nil && ok {
		ch <- value
		close(ch)
		return ch, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waiters[id]; exists {
		return nil, errdefs.Conflict("duplicate_correlation_id", "correlation id %q already registered", id)
	}
	c.waiters[id] = ch
	c.expiry[id] = time.Now().UTC().Add(c.ttl)
	return ch, nil
}

// Complete delivers a reply. The value is cached under the correlation
// key regardless of whether a waiter is present.
func (c *Correlation) Complete(ctx context.Context, id string, value []byte) error {
	if err := c.engine.Set(ctx, correlationPrefix+id, value, c.ttl); err != nil {
		lg1 := log.WithComponent("cache")
		lg1.Warn().Err(err).Str("id", id).Msg("failed to cache correlated reply")
	}

	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
		delete(c.expiry, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- value
		close(ch)
	}
	return nil
}

// Cancel drops a registration without delivering a value.
func (c *Correlation) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[id]; ok {
		delete(c.waiters, id)
		delete(c.expiry, id)
		close(ch)
	}
}

// Sweep closes every registration past its deadline.
func (c *Correlation) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for id, deadline := range c.expiry {
		if now.Before(deadline) {
			continue
		}
		close(c.waiters[id])
		delete(c.waiters, id)
		delete(c.expiry, id)
		expired++
	}
	return expired
}

// Start runs the expiry sweep until Stop.
func (c *Correlation) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := c.Sweep(time.Now().UTC()); n > 0 {
					lg2 := log.WithComponent("cache")
					lg2.Debug().Int("expired", n).Msg("correlation entries expired")
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and cancels every pending registration.
func (c *Correlation) Stop() {
	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
		delete(c.expiry, id)
	}
}
