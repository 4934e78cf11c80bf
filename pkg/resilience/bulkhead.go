package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/metrics"
)

// Bulkhead caps concurrent calls with a semaphore. Waiters block up to
// MaxWaitDuration; exhaustion is terminal. Cancellation while queued never
// leaks a permit.
type Bulkhead struct {
	name    string
	permits chan struct{}
	maxWait time.Duration
}

// NewBulkhead creates a bulkhead admitting maxConcurrentCalls at once.
func NewBulkhead(name string, maxConcurrentCalls int, maxWait time.Duration) *Bulkhead {
	if maxConcurrentCalls < 1 {
		maxConcurrentCalls = 1
	}
	return &Bulkhead{
		name:    name,
		permits: make(chan struct{}, maxConcurrentCalls),
		maxWait: maxWait,
	}
}

// Execute acquires a permit, runs fn, and releases the permit.
func (b *Bulkhead) Execute(ctx context.Context, fn Operation) (interface{}, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-b.permits }()
	return fn(ctx)
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.permits <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	select {
	case b.permits <- struct{}{}:
		return nil
	case <-timer.C:
		metrics.BulkheadRejected.WithLabelValues(b.name).Inc()
		return errdefs.BulkheadFull(b.name)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errdefs.DeadlineExceeded()
		}
		return errdefs.Cancelled()
	}
}

// InFlight returns the number of held permits.
func (b *Bulkhead) InFlight() int {
	return len(b.permits)
}
