// Package resilience implements the per-dependency CircuitBreaker and
// RetryPolicy that isolate failures in the settlement chain, HSM, and
// sharded store clients.
package resilience

import (
	"strings"
	"sync"
	"time"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// State is a circuit breaker's three-state machine position.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned when a call is rejected because the circuit is open.
var ErrOpen = &errors.Error{
	Domain:  "resilience",
	Kind:    errors.KindDependencyUnavailable,
	Code:    "CIRCUIT_OPEN",
	Message: "circuit breaker is open",
}

// IsFailure decides whether an error returned by the guarded call should
// count against the breaker's failure budget. DefaultIsFailure is used when
// none is configured.
type IsFailure func(err error) bool

// DefaultIsFailure covers network/timeout kinds, 5xx-equivalent upstream
// errors, rate-limit signals, and settlement-chain transient errors.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.KindOf(err).Retriable() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "rate limit", "too many requests", "blockhash not found", "block height exceeded", "simulation failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// CircuitBreaker isolates a single logical dependency, keyed by name.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	isFailure        IsFailure
	logger           *logging.Logger
	metrics          *metrics.Metrics

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	IsFailure        IsFailure
}

// NewCircuitBreaker creates a Closed circuit breaker for one dependency.
func NewCircuitBreaker(cfg BreakerConfig, logger *logging.Logger, m *metrics.Metrics) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		isFailure:        cfg.IsFailure,
		logger:           logger,
		metrics:          m,
	}
}

// Allow reports whether a call should proceed, transitioning Open->HalfOpen
// once ResetTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.transition(HalfOpen)
			return true
		}
		return false
	}
	return true
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Record reports the outcome of a guarded call to the state machine.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.isFailure(err)

	switch cb.state {
	case Closed:
		if failed {
			cb.consecutiveFail++
			if cb.consecutiveFail >= cb.failureThreshold {
				cb.transition(Open)
			}
		} else {
			cb.consecutiveFail = 0
		}
	case HalfOpen:
		if failed {
			cb.transition(Open)
		} else {
			cb.consecutiveOK++
			if cb.consecutiveOK >= cb.successThreshold {
				cb.transition(Closed)
			}
		}
	case Open:
		// calls should not reach here via Execute, but stay consistent.
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	switch to {
	case Open:
		cb.openedAt = time.Now()
		cb.consecutiveOK = 0
	case Closed:
		cb.consecutiveFail = 0
		cb.consecutiveOK = 0
	case HalfOpen:
		cb.consecutiveOK = 0
	}
	if cb.metrics != nil {
		cb.metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))
		if to == Open && from != Open {
			cb.metrics.CircuitBreakerTrips.WithLabelValues(cb.name).Inc()
		}
	}
	if cb.logger != nil {
		cb.logger.Info("circuit breaker transition", "dependency", cb.name, "from", from.String(), "to", to.String())
	}
}

// CurrentState returns the breaker's current state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Registry keeps one CircuitBreaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates a Registry that lazily creates breakers using cfg as a
// template (Name is overwritten per dependency).
func NewRegistry(cfg BreakerConfig, logger *logging.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(dependency string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[dependency]; ok {
		return cb
	}
	cfg := r.cfg
	cfg.Name = dependency
	cb := NewCircuitBreaker(cfg, r.logger, r.metrics)
	r.breakers[dependency] = cb
	return cb
}

// Snapshot returns the current state of every known breaker, for the
// readiness endpoint.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.CurrentState()
	}
	return out
}
