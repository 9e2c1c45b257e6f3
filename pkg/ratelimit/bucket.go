// Package ratelimit implements the token-bucket rate limiter and its
// endpoint-scoped and adaptive variants. The algorithm is ported from the
// platform's original async rate limiter (a per-instance token bucket
// refilled under a single lock); this port swaps the asyncio sleep/retry
// loop for a context-aware Go equivalent.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/coremetrics"
)

// Clock abstracts the monotonic time source so tests can drive refill
// behavior without sleeping. The default is time.Now, which on every
// supported platform returns a value backed by the monotonic clock
// reading Go attaches to time.Time internally.
type Clock func() time.Time

// TokenBucketLimiter grants or delays permission proportional to a
// requested token cost. Capacity defaults to the refill rate (one period's
// worth of burst); an explicit max may exceed the rate for sustained
// bursts.
type TokenBucketLimiter struct {
	mu sync.Mutex

	rate       float64 // tokens per period
	period     time.Duration
	maxTokens  float64
	clock      Clock
	metricsKey string
	metrics    *coremetrics.Metrics

	tokens     float64
	lastRefill time.Time
}

// Config configures a TokenBucketLimiter.
type Config struct {
	// Rate is the number of tokens granted per Period. Must be > 0.
	Rate float64
	// Period is the refill period. Must be > 0.
	Period time.Duration
	// MaxTokens is the bucket capacity. Defaults to Rate if zero.
	MaxTokens float64
	// Clock overrides the time source. Defaults to time.Now.
	Clock Clock
	// MetricsKey labels this limiter's metrics (e.g. the endpoint name).
	MetricsKey string
	// Metrics receives observability events. May be nil.
	Metrics *coremetrics.Metrics
}

// New constructs a TokenBucketLimiter. Invalid configuration (rate <= 0,
// period <= 0, or an explicit max below rate) fails immediately.
func New(cfg Config) (*TokenBucketLimiter, error) {
	if cfg.Rate <= 0 {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "rate must be > 0")
	}
	if cfg.Period <= 0 {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "period must be > 0")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = cfg.Rate
	}
	if maxTokens < cfg.Rate {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "max tokens must be >= rate")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &TokenBucketLimiter{
		rate:       cfg.Rate,
		period:     cfg.Period,
		maxTokens:  maxTokens,
		clock:      clock,
		metricsKey: cfg.MetricsKey,
		metrics:    cfg.Metrics,
		tokens:     maxTokens,
		lastRefill: clock(),
	}, nil
}

func (l *TokenBucketLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		// A non-monotonic or repeated clock reading must never go
		// backwards or award tokens twice for the same instant.
		return
	}
	added := elapsed.Seconds() * (l.rate / l.period.Seconds())
	if added <= 0 {
		return
	}
	l.tokens += added
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// Acquire refills the bucket then either debits n tokens and returns a
// zero wait, or leaves the bucket untouched and returns the exact wait
// duration the caller must sleep before retrying. n must be >= 1.
func (l *TokenBucketLimiter) Acquire(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	cost := float64(n)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(l.clock())

	if l.tokens >= cost {
		l.tokens -= cost
		l.metrics.SetLimiterTokens(l.metricsKey, l.tokens)
		return 0
	}

	deficit := cost - l.tokens
	wait := time.Duration(deficit * l.period.Seconds() / l.rate * float64(time.Second))
	return wait
}

// Execute acquires n tokens — sleeping and retrying as needed — then runs
// fn. Cancellation aborts the wait without debiting any tokens and without
// invoking fn.
func (l *TokenBucketLimiter) Execute(ctx context.Context, n int, fn func() error) error {
	start := l.clock()
	for {
		wait := l.Acquire(n)
		if wait <= 0 {
			if waited := l.clock().Sub(start); waited > 0 {
				l.metrics.ObserveLimiterWait(l.metricsKey, waited.Seconds())
			}
			return fn()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return coreerrors.Wrap(coreerrors.KindCancelled, "rate limiter wait cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

// Tokens returns the current token count without consuming any. Intended
// for observability and tests.
func (l *TokenBucketLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(l.clock())
	return l.tokens
}

// MaxTokens returns the bucket's configured capacity.
func (l *TokenBucketLimiter) MaxTokens() float64 {
	return l.maxTokens
}

// Rate returns the current refill rate in tokens per period.
func (l *TokenBucketLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Period returns the refill period.
func (l *TokenBucketLimiter) Period() time.Duration {
	return l.period
}

// SetRate atomically updates the refill rate, leaving any in-flight
// acquisitions on this limiter instance to resolve under the rate they
// observed at the time they read it (the mutex only serializes refill and
// the decrement decision, not the caller's subsequent sleep).
func (l *TokenBucketLimiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate <= 0 {
		return
	}
	l.refillLocked(l.clock())
	l.rate = rate
}
