package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
	IsRetriable IsFailure
}

// RetryPolicy retries a function with exponential backoff bounded by Max,
// multiplicative jitter in [1-j, 1+j].
type RetryPolicy struct {
	cfg     RetryConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRetryPolicy creates a RetryPolicy, defaulting unset fields.
func NewRetryPolicy(cfg RetryConfig, logger *logging.Logger, m *metrics.Metrics) *RetryPolicy {
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.IsRetriable == nil {
		cfg.IsRetriable = DefaultIsFailure
	}
	return &RetryPolicy{cfg: cfg, logger: logger, metrics: m}
}

// Delay returns the backoff delay before attempt n (0-indexed), with jitter.
func (rp *RetryPolicy) Delay(n int) time.Duration {
	base := float64(rp.cfg.Initial) * math.Pow(rp.cfg.Factor, float64(n))
	if base > float64(rp.cfg.Max) {
		base = float64(rp.cfg.Max)
	}
	j := rp.cfg.Jitter
	mult := 1 - j + rand.Float64()*2*j
	return time.Duration(base * mult)
}

// Do runs fn, retrying on retriable errors up to MaxAttempts, sleeping
// Delay(n) between attempts (respecting ctx cancellation).
func (rp *RetryPolicy) Do(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < rp.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if rp.metrics != nil {
				rp.metrics.RetryAttempts.WithLabelValues(dependency).Inc()
			}
			select {
			case <-time.After(rp.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !rp.cfg.IsRetriable(err) {
			return err
		}
		if rp.logger != nil {
			rp.logger.Warn("retriable error, will retry", "dependency", dependency, "attempt", attempt, "error", err)
		}
	}
	return err
}

// DoWithBreaker composes a CircuitBreaker with this RetryPolicy: each attempt
// is gated by the breaker, and a breaker rejection is itself retriable so the
// caller waits out Open without busy-looping.
func (rp *RetryPolicy) DoWithBreaker(ctx context.Context, cb *CircuitBreaker, dependency string, fn func(ctx context.Context) error) error {
	return rp.Do(ctx, dependency, func(ctx context.Context) error {
		if !cb.Allow() {
			return ErrOpen
		}
		err := fn(ctx)
		cb.Record(err)
		return err
	})
}
