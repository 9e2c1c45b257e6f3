package executor

import (
	"context"
	"sync"
	"time"
)

// TokenAware is implemented by events that consume a variable, declared
// number of rate-limited tokens (for example, an LLM call billed by
// estimated prompt+completion tokens). Events that don't implement it are
// treated as costing zero tokens.
type TokenAware interface {
	RequiredTokens() int
}

// RateLimitedConfig configures a RateLimitedExecutor.
type RateLimitedConfig struct {
	Executor Config

	// LimitRequests bounds admissions per Interval. Zero means unbounded.
	LimitRequests int
	// LimitTokens bounds total RequiredTokens() admitted per Interval.
	// Zero means unbounded.
	LimitTokens int
	// Interval is the replenishment period. Defaults to 60s.
	Interval time.Duration
}

// RateLimitedExecutor composes Executor with a periodically replenished
// request/token budget, grounded on the platform's RateLimitedExecutor:
// request_permission denies admission once either budget is exhausted for
// the current interval, and a background task refills both budgets on a
// fixed cadence rather than a rolling window.
type RateLimitedExecutor struct {
	*Executor

	mu                 sync.Mutex
	limitRequests      int
	limitTokens        int
	availableRequests  int
	availableTokens    int
	interval           time.Duration

	replenishCancel context.CancelFunc
	replenishWG     sync.WaitGroup
}

// NewRateLimited constructs a RateLimitedExecutor.
func NewRateLimited(cfg RateLimitedConfig) (*RateLimitedExecutor, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	rle := &RateLimitedExecutor{
		limitRequests:     cfg.LimitRequests,
		limitTokens:       cfg.LimitTokens,
		availableRequests: cfg.LimitRequests,
		availableTokens:   cfg.LimitTokens,
		interval:          interval,
	}

	execCfg := cfg.Executor
	execCfg.RequestPermission = rle.requestPermission
	inner, err := New(execCfg)
	if err != nil {
		return nil, err
	}
	rle.Executor = inner
	return rle, nil
}

func (rle *RateLimitedExecutor) requestPermission(ctx context.Context, event Event) bool {
	rle.mu.Lock()
	defer rle.mu.Unlock()

	if rle.limitRequests > 0 && rle.availableRequests <= 0 {
		return false
	}

	required := 0
	if aware, ok := event.(TokenAware); ok {
		required = aware.RequiredTokens()
	}
	if rle.limitTokens > 0 && rle.availableTokens < required {
		return false
	}

	if rle.limitRequests > 0 {
		rle.availableRequests--
	}
	if rle.limitTokens > 0 {
		rle.availableTokens -= required
	}
	return true
}

func (rle *RateLimitedExecutor) replenish() {
	rle.mu.Lock()
	defer rle.mu.Unlock()
	rle.availableRequests = rle.limitRequests
	rle.availableTokens = rle.limitTokens
}

// Start begins the inner Executor's forward/process loop and the
// replenishment task together. Exiting either the scoped Start/Stop pair
// via Stop tears down both.
func (rle *RateLimitedExecutor) Start(ctx context.Context) {
	rle.Executor.Start(ctx)

	replenishCtx, cancel := context.WithCancel(ctx)
	rle.replenishCancel = cancel

	rle.replenishWG.Add(1)
	go func() {
		defer rle.replenishWG.Done()
		ticker := time.NewTicker(rle.interval)
		defer ticker.Stop()
		for {
			select {
			case <-replenishCtx.Done():
				return
			case <-ticker.C:
				rle.replenish()
			}
		}
	}()
}

// Stop cancels the replenishment task, then delegates to the inner
// Executor's Stop.
func (rle *RateLimitedExecutor) Stop(timeout time.Duration) error {
	if rle.replenishCancel != nil {
		rle.replenishCancel()
	}
	rle.replenishWG.Wait()
	return rle.Executor.Stop(timeout)
}

// StartScoped starts the executor and returns a function that stops it;
// callers should defer the returned function.
func (rle *RateLimitedExecutor) StartScoped(ctx context.Context, stopTimeout time.Duration) func() error {
	rle.Start(ctx)
	return func() error { return rle.Stop(stopTimeout) }
}
