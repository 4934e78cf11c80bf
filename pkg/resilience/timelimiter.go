package resilience

import (
	"context"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
)

// TimeLimiter enforces a hard per-attempt deadline. Expiry cancels the
// in-flight call through its context (best-effort) and fails with Timeout.
type TimeLimiter struct {
	name    string
	timeout time.Duration
}

// NewTimeLimiter creates a time limiter.
func NewTimeLimiter(name string, timeout time.Duration) *TimeLimiter {
	return &TimeLimiter{name: name, timeout: timeout}
}

type limitedResult struct {
	v   interface{}
	err error
}

// Execute runs fn under the attempt deadline. The goroutine running fn is
// handed a cancelled context on expiry; its eventual result is discarded.
func (tl *TimeLimiter) Execute(ctx context.Context, fn Operation) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, tl.timeout)
	defer cancel()

	done := make(chan limitedResult, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- limitedResult{v: v, err: err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// The outer context expired or was cancelled, not the
			// per-attempt timer.
			if ctx.Err() == context.DeadlineExceeded {
				return nil, errdefs.DeadlineExceeded()
			}
			return nil, errdefs.Cancelled()
		}
		return nil, errdefs.Timeout(tl.name)
	}
}
