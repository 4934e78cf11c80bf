// Package cache is the two-tier cache engine: a bounded in-process L1 and
// an optional distributed L2, selectable per provider and hot-swappable at
// runtime. Values at or above the compression threshold are stored
// GZIP-compressed; reads detect the magic bytes transparently.
package cache

import (
	"context"
	"time"
)

// Provider names a cache backend configuration.
type Provider string

const (
	ProviderLocal       Provider = "LOCAL"
	ProviderDistributed Provider = "DISTRIBUTED"
	ProviderTiered      Provider = "TIERED"
	ProviderNoop        Provider = "NOOP"
)

// Store is one cache backend. Implementations are safe for concurrent
// use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Provider() Provider
	Close() error
}

// Noop discards writes and misses every read.
type Noop struct{}

// NewNoop creates the no-op store.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (n *Noop) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (n *Noop) Delete(context.Context, string) error {
	return nil
}

func (n *Noop) Provider() Provider {
	return ProviderNoop
}

func (n *Noop) Close() error {
	return nil
}
