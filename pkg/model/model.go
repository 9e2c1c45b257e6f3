// Package model composes an Endpoint with resilience (circuit breaker,
// retry-with-backoff) and a RateLimitedExecutor into the single object a
// caller actually sends calls through. Ported from the platform's iModel,
// which pairs an Endpoint with its executor and polls pending calls to
// completion rather than blocking the executor's worker loop on a
// caller's goroutine.
package model

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/corectl/pkg/apicall"
	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/endpoint"
	"github.com/zen-systems/corectl/pkg/executor"
	"github.com/zen-systems/corectl/pkg/ratelimit"
	"github.com/zen-systems/corectl/pkg/resilience"
)

// Config composes a Model's dependencies. Limiter, Breaker, and Retry are
// all optional: a nil Limiter skips rate limiting, a nil Breaker skips
// circuit breaker protection, and a zero-value Retry policy degrades to a
// single attempt.
type Config struct {
	Endpoint *endpoint.Endpoint
	Executor *executor.RateLimitedExecutor
	Limiter  *ratelimit.TokenBucketLimiter
	// Adaptive, if set, adjusts Limiter's rate from each response's
	// rate-limit headers. Its wrapped limiter should be the same instance
	// as Limiter.
	Adaptive *ratelimit.AdaptiveLimiter
	Breaker  *resilience.CircuitBreaker
	Retry    *resilience.Policy

	PollInterval time.Duration
}

// Model is the caller-facing handle bound to one Endpoint: Send submits a
// call through the configured executor, under retry and circuit breaker
// protection, and blocks until the call reaches a terminal state.
type Model struct {
	cfg Config

	mu       sync.Mutex
	lastUsed time.Time
}

// New constructs a Model.
func New(cfg Config) (*Model, error) {
	if cfg.Endpoint == nil {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "model requires an endpoint")
	}
	if cfg.Executor == nil {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "model requires an executor")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	return &Model{cfg: cfg}, nil
}

// LastUsed returns the time of the most recently submitted call.
func (m *Model) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

func (m *Model) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

// invoker builds the resilience-wrapped call used as the ApiCall's
// InvokeFunc. Layering runs outside in: the breaker is outermost so its
// state reflects one admission per logical Send rather than one per
// retry attempt, retry runs inside that single admission, and the rate
// limiter wraps the actual Endpoint.Call innermost.
func (m *Model) invoker(req endpoint.Request) apicall.InvokeFunc {
	return func(ctx context.Context) (*endpoint.Response, error) {
		var resp *endpoint.Response
		call := func(ctx context.Context) error {
			r, err := m.cfg.Endpoint.Call(ctx, req)
			resp = r
			if r != nil && m.cfg.Adaptive != nil {
				m.cfg.Adaptive.UpdateFromHeaders(r.Header)
			}
			return err
		}

		run := call
		if m.cfg.Limiter != nil {
			limited := run
			run = func(ctx context.Context) error {
				return m.cfg.Limiter.Execute(ctx, 1, func() error { return limited(ctx) })
			}
		}

		policy := resilience.DefaultPolicy()
		if m.cfg.Retry != nil {
			policy = *m.cfg.Retry
		} else {
			policy.MaxRetries = 0
		}
		retried := func(ctx context.Context) error {
			return policy.Run(ctx, run)
		}

		var err error
		if m.cfg.Breaker != nil {
			err = m.cfg.Breaker.Execute(ctx, retried)
		} else {
			err = retried(ctx)
		}
		if err != nil {
			return resp, err
		}
		return resp, nil
	}
}

// Send submits req as a new ApiCall through the executor and blocks until
// it reaches a terminal state or ctx is done.
func (m *Model) Send(ctx context.Context, req endpoint.Request, opts ...SendOption) (*endpoint.Response, error) {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	m.touch()

	call, err := apicall.New(apicall.Config{
		Endpoint:       m.cfg.Endpoint,
		Request:        req,
		RequiresTokens: cfg.requiresTokens,
		RequiredTokens: cfg.requiredTokens,
		Invoke:         m.invoker(req),
	})
	if err != nil {
		return nil, err
	}

	m.cfg.Executor.Append(call)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if call.Status().Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			return nil, coreerrors.Wrap(coreerrors.KindCancelled, "model send cancelled", ctx.Err())
		case <-ticker.C:
		}
	}

	if call.Status() == apicall.StatusFailed || call.Status() == apicall.StatusCancelled {
		return call.Response(), call.Err()
	}
	return call.Response(), nil
}

// SendOption customizes a single Send call.
type SendOption func(*sendConfig)

type sendConfig struct {
	requiresTokens bool
	requiredTokens int
}

// WithRequiredTokens declares the rate-limit token cost of this call, so
// a RateLimitedExecutor's token budget admits it accordingly.
func WithRequiredTokens(n int) SendOption {
	return func(c *sendConfig) {
		c.requiresTokens = true
		c.requiredTokens = n
	}
}
