// Package resilience is the decorator stack wrapped around every outbound
// call: deadline check, request accounting, circuit breaker, budgeted
// retry, bulkhead and per-attempt time limiter, composed in that order
// from the outside in. Read paths may add a cached fallback on top.
package resilience

import (
	"context"
	"time"
)

// Operation is an outbound call guarded by the fabric.
type Operation func(ctx context.Context) (interface{}, error)

// FabricConfig assembles one named decorator stack.
type FabricConfig struct {
	Name string

	Breaker BreakerConfig
	Retry   RetryConfig

	// Idempotent enables the retry layer. Non-idempotent calls are
	// never retried.
	Idempotent bool

	MaxConcurrentCalls int
	MaxWaitDuration    time.Duration

	// AttemptTimeout is the per-attempt hard deadline; zero disables
	// the time limiter.
	AttemptTimeout time.Duration

	// Budget is shared across fabrics guarding the same dependency.
	Budget *RetryBudget
}

// Fabric applies the decorator stack to operations.
type Fabric struct {
	name    string
	breaker *CircuitBreaker
	retry   *Retry
	bulk    *Bulkhead
	limiter *TimeLimiter
	budget  *RetryBudget
}

// NewFabric builds the stack. The breaker is registered with reg when reg
// is non-nil.
func NewFabric(cfg FabricConfig, reg *HealthRegistry) *Fabric {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.Name
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = cfg.Name
	}
	if cfg.MaxConcurrentCalls == 0 {
		cfg.MaxConcurrentCalls = 25
	}
	if cfg.MaxWaitDuration == 0 {
		cfg.MaxWaitDuration = time.Second
	}
	cfg.Retry.Budget = cfg.Budget

	f := &Fabric{
		name:    cfg.Name,
		breaker: NewCircuitBreaker(cfg.Breaker),
		bulk:    NewBulkhead(cfg.Name, cfg.MaxConcurrentCalls, cfg.MaxWaitDuration),
		budget:  cfg.Budget,
	}
	if cfg.Idempotent {
		f.retry = NewRetry(cfg.Retry)
	}
	if cfg.AttemptTimeout > 0 {
		f.limiter = NewTimeLimiter(cfg.Name, cfg.AttemptTimeout)
	}
	if reg != nil {
		reg.Register(f.breaker)
	}
	return f
}

// Breaker exposes the stack's circuit breaker.
func (f *Fabric) Breaker() *CircuitBreaker {
	return f.breaker
}

// Execute runs fn through the stack, outermost layer first:
// DeadlineCheck -> RecordRequest -> CircuitBreaker -> Retry -> Bulkhead ->
// TimeLimiter.
func (f *Fabric) Execute(ctx context.Context, fn Operation) (interface{}, error) {
	if err := CheckDeadline(ctx); err != nil {
		return nil, err
	}
	if f.budget != nil {
		f.budget.RecordRequest()
	}

	inner := f.innermost(fn)

	if f.retry != nil {
		retried := inner
		inner = func(ctx context.Context) (interface{}, error) {
			return f.retry.Execute(ctx, retried)
		}
	}

	return f.breaker.Execute(ctx, inner)
}

func (f *Fabric) innermost(fn Operation) Operation {
	inner := fn
	if f.limiter != nil {
		limited := inner
		inner = func(ctx context.Context) (interface{}, error) {
			return f.limiter.Execute(ctx, limited)
		}
	}
	guarded := inner
	return func(ctx context.Context) (interface{}, error) {
		return f.bulk.Execute(ctx, guarded)
	}
}

// FallbackSource supplies stale values when a read's whole stack fails.
type FallbackSource interface {
	Fallback(ctx context.Context, key string) (interface{}, bool)
}

// FallbackResult tags a fabric read result with its staleness.
type FallbackResult struct {
	Value interface{}
	Stale bool
}

// ExecuteWithFallback runs a read through the stack; on any terminal error
// it consults the fallback source and, on a hit, returns the cached value
// tagged stale. Writes must use Execute — their errors always surface.
func (f *Fabric) ExecuteWithFallback(ctx context.Context, key string, src FallbackSource, fn Operation) (FallbackResult, error) {
	v, err := f.Execute(ctx, fn)
	if err == nil {
		return FallbackResult{Value: v}, nil
	}
	if src != nil {
		if cached, ok := src.Fallback(ctx, key); ok {
			return FallbackResult{Value: cached, Stale: true}, nil
		}
	}
	return FallbackResult{}, err
}
