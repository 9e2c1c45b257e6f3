package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/coremetrics"
)

// RetryPredicate reports whether an error should trigger another attempt.
type RetryPredicate func(error) bool

// Policy is a pure configuration value describing a retry-with-backoff
// strategy: max attempts, delay growth, jitter, and the predicates that
// decide whether a given failure is retried at all.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	JitterFactor  float64

	// Retry reports whether an error should be retried. Defaults to
	// coreerrors.IsTransient: coreerrors.Error values whose Kind is
	// Retryable(), plus context deadline and network timeout errors.
	Retry RetryPredicate
	// Exclude reports whether an error must never be retried,
	// regardless of Retry. Checked first.
	Exclude RetryPredicate

	MetricsKey string
	Metrics    *coremetrics.Metrics
}

// DefaultPolicy returns the documented configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		JitterFactor:  0.2,
	}
}

func (p Policy) retryable(err error) bool {
	if p.Exclude != nil && p.Exclude(err) {
		return false
	}
	if p.Retry != nil {
		return p.Retry(err)
	}
	return coreerrors.IsTransient(err)
}

// retryAfter extracts an explicit Retry-After hint from a classified
// RateLimit error, if present and within MaxDelay.
func (p Policy) retryAfter(err error) (time.Duration, bool) {
	var coreErr *coreerrors.Error
	if e, ok := err.(*coreerrors.Error); ok {
		coreErr = e
	}
	if coreErr == nil || coreErr.Kind != coreerrors.KindRateLimit || coreErr.RetryAfterSeconds <= 0 {
		return 0, false
	}
	hint := time.Duration(coreErr.RetryAfterSeconds * float64(time.Second))
	if p.MaxDelay > 0 && hint > p.MaxDelay {
		return 0, false
	}
	return hint, true
}

// Run executes fn, retrying on retryable errors per the policy. Sleeping
// between attempts honors ctx cancellation: a cancelled context aborts the
// retry loop without invoking fn again.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	backoff := p.BackoffFactor
	if backoff < 1 {
		backoff = 2.0
	}

	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if p.Exclude != nil && p.Exclude(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if !p.retryable(err) {
			return err
		}

		effective := p.effectiveDelay(delay, err)

		timer := time.NewTimer(effective)
		select {
		case <-ctx.Done():
			timer.Stop()
			return coreerrors.Wrap(coreerrors.KindCancelled, "retry sleep cancelled", ctx.Err())
		case <-timer.C:
		}

		attempt++
		p.Metrics.IncRetryAttempt(p.MetricsKey)
		delay = time.Duration(float64(delay) * backoff)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func (p Policy) effectiveDelay(delay time.Duration, err error) time.Duration {
	if hint, ok := p.retryAfter(err); ok {
		return hint
	}

	effective := delay
	if p.Jitter {
		factor := p.JitterFactor
		if factor <= 0 || factor > 1 {
			factor = 0.2
		}
		spread := 1 + (rand.Float64()*2-1)*factor
		effective = time.Duration(float64(delay) * spread)
	}
	if p.MaxDelay > 0 && effective > p.MaxDelay {
		effective = p.MaxDelay
	}
	if effective < 0 {
		effective = 0
	}
	return effective
}
