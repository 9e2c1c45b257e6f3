package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestUpdateFromHeadersClampsToOriginalMaxByDefault(t *testing.T) {
	l, err := New(Config{Rate: 10, Period: time.Second, MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := NewAdaptive(l, AdaptiveConfig{SafetyFactor: 1})

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "100")
	a.UpdateFromHeaders(headers)

	if got := l.Rate(); got != 10 {
		t.Fatalf("expected rate clamped to original max 10, got %v", got)
	}
}

func TestUpdateFromHeadersAllowsIncreaseWhenConfigured(t *testing.T) {
	l, err := New(Config{Rate: 10, Period: time.Second, MaxTokens: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := NewAdaptive(l, AdaptiveConfig{SafetyFactor: 1, AllowIncrease: true})

	headers := http.Header{}
	headers.Set("RateLimit-Limit", "50")
	a.UpdateFromHeaders(headers)

	if got := l.Rate(); got != 50 {
		t.Fatalf("expected rate increased to 50, got %v", got)
	}
}

func TestUpdateFromHeadersFloorsAtMinRate(t *testing.T) {
	l, err := New(Config{Rate: 10, Period: time.Second, MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := NewAdaptive(l, AdaptiveConfig{SafetyFactor: 0.5, MinRate: 3})

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "2") // 2 * 0.5 = 1, floored to MinRate 3
	a.UpdateFromHeaders(headers)

	if got := l.Rate(); got != 3 {
		t.Fatalf("expected rate floored to min 3, got %v", got)
	}
}

func TestUpdateFromHeadersIgnoresMissingOrUnparsableHints(t *testing.T) {
	l, err := New(Config{Rate: 10, Period: time.Second, MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := NewAdaptive(l, AdaptiveConfig{})

	a.UpdateFromHeaders(http.Header{})
	if got := l.Rate(); got != 10 {
		t.Fatalf("expected unchanged rate with no headers, got %v", got)
	}

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", "not-a-number")
	a.UpdateFromHeaders(headers)
	if got := l.Rate(); got != 10 {
		t.Fatalf("expected unchanged rate with an unparsable header, got %v", got)
	}
}
