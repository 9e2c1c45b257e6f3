package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/corectl/pkg/coremetrics"
)

// DefaultParams is the fallback bucket configuration EndpointLimiter uses
// when a key is requested for the first time without an explicit Update.
type DefaultParams struct {
	Rate      float64
	Period    time.Duration
	MaxTokens float64
	Clock     Clock
	Metrics   *coremetrics.Metrics
}

// EndpointLimiter is a keyed registry of TokenBucketLimiters, one per
// endpoint key, grounded on the platform gateway's sync.Map-keyed bucket
// registry: callers never share one bucket across unrelated endpoints, and
// reconfiguring one endpoint's limits never disturbs another's in-flight
// acquisitions.
type EndpointLimiter struct {
	defaults DefaultParams

	mu       sync.RWMutex
	limiters map[string]*TokenBucketLimiter
}

// NewEndpointLimiter constructs a registry that lazily creates limiters
// from defaults the first time a key is requested.
func NewEndpointLimiter(defaults DefaultParams) *EndpointLimiter {
	return &EndpointLimiter{
		defaults: defaults,
		limiters: make(map[string]*TokenBucketLimiter),
	}
}

// LimiterFor returns the TokenBucketLimiter for key, creating it from the
// registry's defaults if this is the first request for that key.
func (e *EndpointLimiter) LimiterFor(key string) (*TokenBucketLimiter, error) {
	e.mu.RLock()
	limiter, ok := e.limiters[key]
	e.mu.RUnlock()
	if ok {
		return limiter, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if limiter, ok := e.limiters[key]; ok {
		return limiter, nil
	}

	limiter, err := New(Config{
		Rate:       e.defaults.Rate,
		Period:     e.defaults.Period,
		MaxTokens:  e.defaults.MaxTokens,
		Clock:      e.defaults.Clock,
		MetricsKey: key,
		Metrics:    e.defaults.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.limiters[key] = limiter
	return limiter, nil
}

// Update atomically replaces the limiter for key with one using the new
// parameters. In-flight acquisitions against the old limiter instance are
// unaffected — they hold their own pointer and complete under the
// parameters they started with; only new LimiterFor/Execute calls observe
// the replacement.
func (e *EndpointLimiter) Update(key string, rate float64, period time.Duration, maxTokens float64) error {
	limiter, err := New(Config{
		Rate:       rate,
		Period:     period,
		MaxTokens:  maxTokens,
		Clock:      e.defaults.Clock,
		MetricsKey: key,
		Metrics:    e.defaults.Metrics,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiters[key] = limiter
	return nil
}

// Execute delegates to the keyed limiter's Execute, creating the limiter
// from defaults if needed.
func (e *EndpointLimiter) Execute(ctx context.Context, key string, n int, fn func() error) error {
	limiter, err := e.LimiterFor(key)
	if err != nil {
		return err
	}
	return limiter.Execute(ctx, n, fn)
}
