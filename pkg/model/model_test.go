package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/endpoint"
	"github.com/zen-systems/corectl/pkg/executor"
	"github.com/zen-systems/corectl/pkg/ratelimit"
	"github.com/zen-systems/corectl/pkg/resilience"
)

func newTestModel(t *testing.T, baseURL string, breaker *resilience.CircuitBreaker, retry *resilience.Policy) (*Model, *executor.RateLimitedExecutor) {
	t.Helper()
	ep, err := endpoint.New(endpoint.Config{Name: "test", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("endpoint.New: %v", err)
	}
	exec, err := executor.NewRateLimited(executor.RateLimitedConfig{
		Executor: executor.Config{QueueCapacity: 8},
	})
	if err != nil {
		t.Fatalf("NewRateLimited: %v", err)
	}
	exec.Start(context.Background())
	t.Cleanup(func() { exec.Stop(time.Second) })

	m, err := New(Config{
		Endpoint:     ep,
		Executor:     exec,
		Breaker:      breaker,
		Retry:        retry,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, exec
}

func TestSendReturnsResponseOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	m, _ := newTestModel(t, srv.URL, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := m.Send(ctx, endpoint.Request{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSendRetriesTransientFailureUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retry := resilience.Policy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, BackoffFactor: 2, Jitter: false}
	m, _ := newTestModel(t, srv.URL, nil, &retry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := m.Send(ctx, endpoint.Request{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestSendReturnsLastErrorAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	retry := resilience.Policy{MaxRetries: 1, BaseDelay: 5 * time.Millisecond, BackoffFactor: 2, Jitter: false}
	m, _ := newTestModel(t, srv.URL, nil, &retry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Send(ctx, endpoint.Request{})
	if !coreerrors.Is(err, coreerrors.KindServer) {
		t.Fatalf("expected Server error, got %v", err)
	}
}

func TestSendIsRejectedWhileBreakerIsOpen(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 1, RecoveryTime: time.Hour})
	retry := resilience.Policy{MaxRetries: 0}
	m, _ := newTestModel(t, srv.URL, breaker, &retry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// First call fails and opens the breaker.
	if _, err := m.Send(ctx, endpoint.Request{}); err == nil {
		t.Fatal("expected the first call to fail")
	}

	before := requests.Load()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err := m.Send(ctx2, endpoint.Request{})
	if !coreerrors.Is(err, coreerrors.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen while breaker is open, got %v", err)
	}
	if requests.Load() != before {
		t.Fatalf("breaker-rejected call must never reach the endpoint, requests went from %d to %d", before, requests.Load())
	}
}

func TestBreakerCountsOneFailurePerSendDespiteRetries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Threshold of 2: if retries inside one Send each counted as their own
	// breaker admission, 3 retries alone would trip it before Send ever
	// returns. The breaker must see exactly one failure for this Send.
	breaker := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 2, RecoveryTime: time.Hour})
	retry := resilience.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 2, Jitter: false}
	m, _ := newTestModel(t, srv.URL, breaker, &retry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := m.Send(ctx, endpoint.Request{}); !coreerrors.Is(err, coreerrors.KindServer) {
		t.Fatalf("expected the retries-exhausted Server error, got %v", err)
	}
	if requests.Load() != 4 {
		t.Fatalf("expected 1 initial attempt + 3 retries = 4 requests, got %d", requests.Load())
	}
	if breaker.State() != resilience.StateClosed {
		t.Fatalf("one failed Send (however many retries it took) must count as one breaker failure; expected the breaker to still be closed at threshold 2, got %v", breaker.State())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if _, err := m.Send(ctx2, endpoint.Request{}); !coreerrors.Is(err, coreerrors.KindServer) {
		t.Fatalf("expected the second Send's retries-exhausted Server error, got %v", err)
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("expected the breaker to open after its second failed Send, got %v", breaker.State())
	}
}

func TestSendHonorsContextCancellationWhilePolling(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	m, _ := newTestModel(t, srv.URL, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Send(ctx, endpoint.Request{})
	if !coreerrors.Is(err, coreerrors.KindCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestSendAppliesAdaptiveRateFromResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "2")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, err := endpoint.New(endpoint.Config{Name: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("endpoint.New: %v", err)
	}
	exec, err := executor.NewRateLimited(executor.RateLimitedConfig{Executor: executor.Config{QueueCapacity: 8}})
	if err != nil {
		t.Fatalf("NewRateLimited: %v", err)
	}
	exec.Start(context.Background())
	t.Cleanup(func() { exec.Stop(time.Second) })

	limiter, err := ratelimit.New(ratelimit.Config{Rate: 10, Period: time.Second, MaxTokens: 10})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	adaptive := ratelimit.NewAdaptive(limiter, ratelimit.AdaptiveConfig{SafetyFactor: 1})

	m, err := New(Config{
		Endpoint:     ep,
		Executor:     exec,
		Limiter:      limiter,
		Adaptive:     adaptive,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Send(ctx, endpoint.Request{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := limiter.Rate(); got != 2 {
		t.Fatalf("expected the adaptive limiter to apply the response's rate hint, got %v", got)
	}
}
