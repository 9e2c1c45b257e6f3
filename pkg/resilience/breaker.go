// Package resilience implements the circuit breaker and retry-with-backoff
// patterns the core wraps around every Endpoint call, ported from the
// platform's original asyncio breaker/retry helpers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/coremetrics"
)

// State is a circuit breaker state.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ExcludedPredicate reports whether an error should never count toward the
// breaker's failure threshold (e.g. client-side BadRequest errors that say
// nothing about the downstream service's health).
type ExcludedPredicate func(error) bool

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive non-excluded failures
	// before the breaker opens. Defaults to 5.
	FailureThreshold int
	// RecoveryTime is how long the breaker stays open before admitting a
	// half-open probe. Defaults to 30s.
	RecoveryTime time.Duration
	// HalfOpenMaxCalls bounds concurrent half-open probes. Defaults to 1.
	HalfOpenMaxCalls int
	// Excluded marks certain errors as never counting toward the
	// failure threshold or opening the circuit.
	Excluded ExcludedPredicate
	// Clock overrides the time source. Defaults to time.Now.
	Clock Clock
	// MetricsKey labels this breaker's metrics (e.g. the endpoint name).
	MetricsKey string
	Metrics    *coremetrics.Metrics
}

// Clock abstracts wall-clock reads for recovery-time comparisons.
type Clock func() time.Time

// CircuitBreaker gates calls by health state (closed/open/half-open). The
// state read and the transition decision happen under a single mutex, so
// two concurrent admissions can never both believe they are the probe that
// gets to try half-open.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTime     time.Duration
	halfOpenMaxCalls int
	excluded         ExcludedPredicate
	clock            Clock
	metricsKey       string
	metrics          *coremetrics.Metrics

	state             State
	consecutiveFails  int
	lastFailureTime   time.Time
	halfOpenInFlight  int
}

// NewBreaker constructs a CircuitBreaker, applying the documented defaults
// for any zero-valued field.
func NewBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		recoveryTime:     cfg.RecoveryTime,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		excluded:         cfg.Excluded,
		clock:            cfg.Clock,
		metricsKey:       cfg.MetricsKey,
		metrics:          cfg.Metrics,
		state:            StateClosed,
	}
}

// State returns the breaker's current state. Reading state does not itself
// perform the Open -> HalfOpen transition; that happens eagerly on the
// next Execute admission attempt, per spec.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides, under the lock, whether a call may proceed right now, and
// if so whether it is a half-open probe.
func (b *CircuitBreaker) admit() (allowed bool, isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false, nil

	case StateOpen:
		if b.clock().Sub(b.lastFailureTime) >= b.recoveryTime {
			b.state = StateHalfOpen
			b.halfOpenInFlight = 0
			b.metrics.IncBreakerTransition(b.metricsKey, StateHalfOpen.String())
			b.metrics.SetBreakerState(b.metricsKey, float64(StateHalfOpen))
		} else {
			b.metrics.IncBreakerRejection(b.metricsKey)
			return false, false, coreerrors.New(coreerrors.KindCircuitOpen, "circuit breaker is open")
		}
		fallthrough

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			b.metrics.IncBreakerRejection(b.metricsKey)
			return false, false, coreerrors.New(coreerrors.KindCircuitOpen, "circuit breaker is half-open and at capacity")
		}
		b.halfOpenInFlight++
		return true, true, nil
	}

	return true, false, nil
}

func (b *CircuitBreaker) recordSuccess(isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isProbe {
		b.halfOpenInFlight--
	}
	if b.state != StateClosed {
		b.metrics.IncBreakerTransition(b.metricsKey, StateClosed.String())
	}
	b.state = StateClosed
	b.consecutiveFails = 0
	b.metrics.SetBreakerState(b.metricsKey, float64(StateClosed))
}

func (b *CircuitBreaker) recordFailure(isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isProbe {
		b.halfOpenInFlight--
	}

	if b.excluded != nil && b.excluded(err) {
		return
	}

	b.consecutiveFails++
	b.lastFailureTime = b.clock()

	if b.consecutiveFails >= b.failureThreshold || b.state == StateHalfOpen {
		if b.state != StateOpen {
			b.metrics.IncBreakerTransition(b.metricsKey, StateOpen.String())
		}
		b.state = StateOpen
		b.metrics.SetBreakerState(b.metricsKey, float64(StateOpen))
	}
}

// Execute runs fn under circuit breaker protection. It returns
// CircuitOpen without invoking fn if the breaker is open or the half-open
// probe slots are exhausted.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, isProbe, err := b.admit()
	if !allowed {
		return err
	}

	runErr := fn(ctx)
	if runErr == nil {
		b.recordSuccess(isProbe)
		return nil
	}
	b.recordFailure(isProbe, runErr)
	return runErr
}
