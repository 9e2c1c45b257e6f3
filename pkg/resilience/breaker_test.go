package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTime: time.Hour})

	failing := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return failing })
		if err != failing {
			t.Fatalf("attempt %d: expected underlying error, got %v", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected breaker to be open after threshold failures, got %v", got)
	}

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run while breaker is open")
		return nil
	})
	if !coreerrors.Is(err, coreerrors.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen error, got %v", err)
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTime: time.Minute, Clock: clock})

	failing := errors.New("boom")
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return failing })
	if b.State() != StateOpen {
		t.Fatalf("expected open after one failure with threshold 1, got %v", b.State())
	}

	now = now.Add(2 * time.Minute)

	ran := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if !ran {
		t.Fatal("expected probe to run after recovery time elapsed")
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected breaker to close after successful probe, got %v", got)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTime: time.Minute, Clock: clock})

	failing := errors.New("boom")
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return failing })
	now = now.Add(2 * time.Minute)

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return failing })
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected breaker to reopen after failed probe, got %v", got)
	}
}

func TestBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTime: time.Minute, HalfOpenMaxCalls: 1, Clock: clock})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	now = now.Add(2 * time.Minute)

	block := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			close(block)
			<-release
			return nil
		})
	}()
	<-block

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("a second concurrent probe must not be admitted")
		return nil
	})
	if !coreerrors.Is(err, coreerrors.KindCircuitOpen) {
		t.Fatalf("expected the second probe to be rejected, got %v", err)
	}
	close(release)
	<-probeDone
}

func TestBreakerExcludedErrorsDoNotCountTowardThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		RecoveryTime:     time.Hour,
		Excluded: func(err error) bool {
			return coreerrors.Is(err, coreerrors.KindBadRequest)
		},
	})

	badRequest := coreerrors.New(coreerrors.KindBadRequest, "bad input")
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return badRequest })
	}

	if got := b.State(); got != StateClosed {
		t.Fatalf("excluded errors must never open the breaker, got %v", got)
	}
}
