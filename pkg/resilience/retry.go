package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/metrics"
)

// RetryConfig tunes the bounded retry layer. Retries apply only to
// idempotent operations; non-idempotent callers set MaxAttempts to 1.
type RetryConfig struct {
	Name string

	// MaxAttempts counts the first call; 3 means up to 2 retries.
	MaxAttempts int

	// InitialDelay is the backoff base before the first retry.
	InitialDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// JitterFactor f in [0,1] spreads each delay uniformly over
	// [delay*(1-f), delay*(1+f)].
	JitterFactor float64

	// Budget, when set, is consulted before every retry; denial
	// surfaces the last error immediately.
	Budget *RetryBudget
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = 0.5
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// RetryableError reports whether err is worth retrying: classified
// transient errors, network timeouts, connection refused and other I/O
// errors. Everything else is terminal.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.Retryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Retry wraps fn with bounded, budgeted, jittered exponential backoff.
type Retry struct {
	cfg RetryConfig
}

// NewRetry creates a retry layer.
func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{cfg: cfg.withDefaults()}
}

// Execute runs fn, retrying retryable failures until attempts or budget
// run out. Backoff sleeps honor ctx cancellation.
func (r *Retry) Execute(ctx context.Context, fn Operation) (interface{}, error) {
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !RetryableError(err) || attempt == r.cfg.MaxAttempts {
			return nil, err
		}

		if r.cfg.Budget != nil && !r.cfg.Budget.TryAcquire() {
			metrics.RetryBudgetRejected.WithLabelValues(r.cfg.Name).Inc()
			return nil, err
		}

		if err := sleepContext(ctx, jitter(delay, r.cfg.JitterFactor)); err != nil {
			return nil, err
		}
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
	}

	return nil, lastErr
}

// jitter spreads d uniformly over [d*(1-f), d*(1+f)].
func jitter(d time.Duration, f float64) time.Duration {
	if f == 0 {
		return d
	}
	low := float64(d) * (1 - f)
	span := float64(d) * 2 * f
	return time.Duration(low + rand.Float64()*span)
}

// sleepContext waits for d, translating cancellation into the taxonomy:
// DeadlineExceeded when the ambient deadline expired, Cancelled otherwise.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errdefs.DeadlineExceeded()
		}
		return errdefs.Cancelled()
	}
}
