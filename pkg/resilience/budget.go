package resilience

import (
	"sync"
	"time"
)

// RetryBudget bounds retry amplification: over a sliding time window,
// retries are admitted only while retries/requests stays at or below the
// configured percentage. Requests are recorded by the RecordRequest layer
// of the fabric; retries consult the budget before each attempt.
type RetryBudget struct {
	maxPercentage float64
	window        time.Duration
	bucketWidth   time.Duration
	clock         func() time.Time

	mu      sync.Mutex
	buckets []budgetBucket
}

type budgetBucket struct {
	start    time.Time
	requests int64
	retries  int64
}

// NewRetryBudget creates a budget over a sliding window. A zero window
// defaults to 10s; percentage is clamped to [0, 100].
func NewRetryBudget(maxPercentage float64, window time.Duration) *RetryBudget {
	if window <= 0 {
		window = 10 * time.Second
	}
	if maxPercentage < 0 {
		maxPercentage = 0
	}
	if maxPercentage > 100 {
		maxPercentage = 100
	}
	const bucketCount = 10
	return &RetryBudget{
		maxPercentage: maxPercentage,
		window:        window,
		bucketWidth:   window / bucketCount,
		clock:         time.Now,
		buckets:       make([]budgetBucket, bucketCount),
	}
}

// RecordRequest counts one inbound request in the current bucket.
func (b *RetryBudget) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentLocked().requests++
}

// TryAcquire admits one retry if the budget allows it, recording the
// retry on success.
func (b *RetryBudget) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	requests, retries := b.totalsLocked()
	if requests == 0 {
		return false
	}
	if float64(retries+1)/float64(requests)*100 > b.maxPercentage {
		return false
	}
	b.currentLocked().retries++
	return true
}

// Totals reports the windowed request and retry counts.
func (b *RetryBudget) Totals() (requests, retries int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalsLocked()
}

func (b *RetryBudget) currentLocked() *budgetBucket {
	now := b.clock()
	start := now.Truncate(b.bucketWidth)
	idx := int(start.UnixNano()/int64(b.bucketWidth)) % len(b.buckets)
	bucket := &b.buckets[idx]
	if !bucket.start.Equal(start) {
		bucket.start = start
		bucket.requests = 0
		bucket.retries = 0
	}
	return bucket
}

func (b *RetryBudget) totalsLocked() (requests, retries int64) {
	cutoff := b.clock().Add(-b.window)
	for i := range b.buckets {
		if b.buckets[i].start.After(cutoff) {
			requests += b.buckets[i].requests
			retries += b.buckets[i].retries
		}
	}
	return requests, retries
}
