package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	Name string

	// WindowSize is the number of recent calls tracked; minimum 5.
	WindowSize int

	// FailureRateThreshold opens the breaker when exceeded, in percent.
	FailureRateThreshold float64

	// SlowCallRateThreshold opens the breaker when exceeded, in percent.
	SlowCallRateThreshold float64

	// SlowCallDuration marks a call slow when it runs at least this long.
	SlowCallDuration time.Duration

	// PermittedCallsInHalfOpen is the number of probes allowed half-open.
	PermittedCallsInHalfOpen int

	// WaitDurationInOpenState is the open -> half-open cool down.
	WaitDurationInOpenState time.Duration

	// Critical marks this breaker as health-relevant: its OPEN state
	// propagates to process health as DOWN.
	Critical bool

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.WindowSize == 0 {
		c.WindowSize = 10
	}
	if c.WindowSize < 5 {
		c.WindowSize = 5
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = 50
	}
	if c.SlowCallRateThreshold == 0 {
		c.SlowCallRateThreshold = 80
	}
	if c.SlowCallDuration == 0 {
		c.SlowCallDuration = 5 * time.Second
	}
	if c.PermittedCallsInHalfOpen == 0 {
		c.PermittedCallsInHalfOpen = 3
	}
	if c.WaitDurationInOpenState == 0 {
		c.WaitDurationInOpenState = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type callOutcome struct {
	failure bool
	slow    bool
}

// CircuitBreaker is a count-based sliding window breaker. Transitions:
// CLOSED -> OPEN when failure or slow-call rate crosses its threshold over
// a full window; OPEN -> HALF_OPEN after the cool down; HALF_OPEN -> CLOSED
// after the permitted probes all succeed, or back to OPEN on any failure.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        State
	window       []callOutcome
	windowPos    int
	windowFilled int
	openedAt     time.Time
	halfOpenUsed int
	halfOpenOK   int
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{
		cfg:    cfg,
		state:  StateClosed,
		window: make([]callOutcome, cfg.WindowSize),
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(0)
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, applying the open -> half-open timer.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// Critical reports whether this breaker participates in process health.
func (cb *CircuitBreaker) Critical() bool {
	return cb.cfg.Critical
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Operation) (interface{}, error) {
	if err := cb.acquire(); err != nil {
		return nil, err
	}

	start := cb.cfg.Clock()
	v, err := fn(ctx)
	elapsed := cb.cfg.Clock().Sub(start)

	cb.record(err != nil, elapsed >= cb.cfg.SlowCallDuration)
	return v, err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refreshLocked()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenUsed >= cb.cfg.PermittedCallsInHalfOpen {
			return errdefs.CircuitOpen(cb.cfg.Name)
		}
		cb.halfOpenUsed++
		return nil
	default:
		return errdefs.CircuitOpen(cb.cfg.Name)
	}
}

func (cb *CircuitBreaker) record(failure, slow bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if failure {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.PermittedCallsInHalfOpen {
			cb.transitionLocked(StateClosed)
		}

	case StateClosed:
		cb.window[cb.windowPos] = callOutcome{failure: failure, slow: slow}
		cb.windowPos = (cb.windowPos + 1) % len(cb.window)
		if cb.windowFilled < len(cb.window) {
			cb.windowFilled++
		}
		if cb.windowFilled < len(cb.window) {
			return
		}

		failures, slows := 0, 0
		for _, o := range cb.window {
			if o.failure {
				failures++
			}
			if o.slow {
				slows++
			}
		}
		total := float64(len(cb.window))
		if float64(failures)/total*100 >= cb.cfg.FailureRateThreshold ||
			float64(slows)/total*100 >= cb.cfg.SlowCallRateThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// refreshLocked applies the automatic OPEN -> HALF_OPEN transition.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.WaitDurationInOpenState {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Clock()
	case StateHalfOpen:
		cb.halfOpenUsed = 0
		cb.halfOpenOK = 0
	case StateClosed:
		for i := range cb.window {
			cb.window[i] = callOutcome{}
		}
		cb.windowPos = 0
		cb.windowFilled = 0
	}

	metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(cb.cfg.Name, to.String()).Inc()
	logger := log.WithComponent("breaker")
	logger.Info().
		Str("name", cb.cfg.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
}

// HealthRegistry tracks the critical breaker set. Any critical breaker in
// the OPEN state marks the process DOWN.
type HealthRegistry struct {
	mu       sync.RWMutex
	breakers []*CircuitBreaker
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{}
}

// Register adds a breaker; only critical breakers affect health.
func (h *HealthRegistry) Register(cb *CircuitBreaker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breakers = append(h.breakers, cb)
}

// Healthy reports false while any critical breaker is open.
func (h *HealthRegistry) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cb := range h.breakers {
		if cb.Critical() && cb.State() == StateOpen {
			return false
		}
	}
	return true
}

// Down lists the names of open critical breakers.
func (h *HealthRegistry) Down() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var down []string
	for _, cb := range h.breakers {
		if cb.Critical() && cb.State() == StateOpen {
			down = append(down, cb.Name())
		}
	}
	return down
}
