package ratelimit

import (
	"net/http"
	"strconv"
)

// AdaptiveLimiter wraps a single TokenBucketLimiter and adjusts its rate
// from response-header feedback, following the common
// "X-RateLimit-*"/"RateLimit-*" hint conventions. A credible hint scales
// the observed limit by a configured safety factor and clamps it against a
// configured minimum; absent or unparsable headers leave the rate
// untouched.
type AdaptiveLimiter struct {
	limiter *TokenBucketLimiter

	safetyFactor  float64
	minRate       float64
	originalMax   float64
	allowIncrease bool
}

// AdaptiveConfig configures an AdaptiveLimiter.
type AdaptiveConfig struct {
	// SafetyFactor multiplies the parsed limit before applying it, in
	// (0, 1]. Defaults to 1.0.
	SafetyFactor float64
	// MinRate floors the effective rate. Defaults to 1.
	MinRate float64
	// AllowIncrease permits the effective rate to exceed the limiter's
	// originally configured maximum. Defaults to false: once wrapped,
	// the limiter never asks for more than it was provisioned for, only
	// less.
	AllowIncrease bool
}

// NewAdaptive wraps limiter with adaptive header-driven rate adjustment.
func NewAdaptive(limiter *TokenBucketLimiter, cfg AdaptiveConfig) *AdaptiveLimiter {
	safety := cfg.SafetyFactor
	if safety <= 0 || safety > 1 {
		safety = 1.0
	}
	minRate := cfg.MinRate
	if minRate <= 0 {
		minRate = 1
	}
	return &AdaptiveLimiter{
		limiter:       limiter,
		safetyFactor:  safety,
		minRate:       minRate,
		originalMax:   limiter.MaxTokens(),
		allowIncrease: cfg.AllowIncrease,
	}
}

// Limiter returns the wrapped TokenBucketLimiter.
func (a *AdaptiveLimiter) Limiter() *TokenBucketLimiter { return a.limiter }

// UpdateFromHeaders inspects headers for a rate-limit hint and, if one is
// found, recomputes the wrapped limiter's rate. http.Header lookups are
// already case-insensitive, so both the "X-RateLimit-*" and "RateLimit-*"
// families are tried directly; the first family with a parsable Limit
// header wins.
func (a *AdaptiveLimiter) UpdateFromHeaders(headers http.Header) {
	limit, ok := firstFloat(headers, "X-RateLimit-Limit", "RateLimit-Limit")
	if !ok {
		return
	}

	effective := limit * a.safetyFactor
	if effective < a.minRate {
		effective = a.minRate
	}
	if !a.allowIncrease && effective > a.originalMax {
		effective = a.originalMax
	}

	a.limiter.SetRate(effective)
}

func firstFloat(headers http.Header, names ...string) (float64, bool) {
	for _, name := range names {
		v := headers.Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		return f, true
	}
	return 0, false
}
