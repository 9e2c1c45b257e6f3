package apicall

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/endpoint"
)

func newTestEndpoint(t *testing.T, baseURL string) *endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(endpoint.Config{
		Name:    "test",
		BaseURL: baseURL,
	})
	if err != nil {
		t.Fatalf("endpoint.New: %v", err)
	}
	return ep
}

func TestInvokeSucceedsAndRecordsResponse(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{
		Endpoint: ep,
		Invoke: func(ctx context.Context) (*endpoint.Response, error) {
			return &endpoint.Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call.Invoke(context.Background())

	if got := call.Status(); got != StatusSucceeded {
		t.Fatalf("expected Succeeded, got %v", got)
	}
	if call.Response() == nil || call.Response().StatusCode != 200 {
		t.Fatalf("expected a recorded response, got %v", call.Response())
	}
	if call.Err() != nil {
		t.Fatalf("expected no error, got %v", call.Err())
	}
}

func TestInvokeFailureSetsFailedStatus(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	boom := coreerrors.New(coreerrors.KindServer, "boom")
	call, err := New(Config{
		Endpoint: ep,
		Invoke: func(ctx context.Context) (*endpoint.Response, error) {
			return nil, boom
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call.Invoke(context.Background())

	if got := call.Status(); got != StatusFailed {
		t.Fatalf("expected Failed, got %v", got)
	}
	if call.Err() != boom {
		t.Fatalf("expected the classified error to be recorded, got %v", call.Err())
	}
}

func TestInvokeCancellationSetsCancelledStatus(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{
		Endpoint: ep,
		Invoke: func(ctx context.Context) (*endpoint.Response, error) {
			return nil, coreerrors.New(coreerrors.KindCancelled, "cancelled")
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call.Invoke(context.Background())

	if got := call.Status(); got != StatusCancelled {
		t.Fatalf("expected Cancelled, got %v", got)
	}
}

func TestInvokeIsWriteOnceOnTerminalState(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	calls := 0
	call, err := New(Config{
		Endpoint: ep,
		Invoke: func(ctx context.Context) (*endpoint.Response, error) {
			calls++
			if calls == 1 {
				return &endpoint.Response{StatusCode: 200}, nil
			}
			return nil, coreerrors.New(coreerrors.KindServer, "must not be reached")
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call.Invoke(context.Background())
	firstStatus := call.Status()

	// A second Invoke on an already-terminal call must be a no-op: the
	// underlying function itself is not re-invoked via the terminal guard
	// inside Invoke.
	call.Invoke(context.Background())

	if call.Status() != firstStatus {
		t.Fatalf("terminal status changed after a second Invoke: was %v, now %v", firstStatus, call.Status())
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 underlying invocation, got %d", calls)
	}
	if !coreerrors.Is(call.InvalidInvoke(), coreerrors.KindInvalidState) {
		t.Fatalf("expected the second Invoke to record an InvalidState error, got %v", call.InvalidInvoke())
	}
}

func TestRequiredTokensDefaultsToZeroWhenNotDeclared(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{Endpoint: ep})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := call.RequiredTokens(); got != 0 {
		t.Fatalf("expected 0 tokens when RequiresTokens is unset, got %d", got)
	}
}

func TestRequiredTokensReflectsDeclaredCost(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{Endpoint: ep, RequiresTokens: true, RequiredTokens: 42})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := call.RequiredTokens(); got != 42 {
		t.Fatalf("expected 42 tokens, got %d", got)
	}
}

func TestNewRejectsNilEndpoint(t *testing.T) {
	if _, err := New(Config{}); !coreerrors.Is(err, coreerrors.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDurationIsZeroBeforeInvoke(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{Endpoint: ep})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d := call.Duration(); d != 0 {
		t.Fatalf("expected zero duration before Invoke, got %v", d)
	}
}

func TestDurationIsPositiveAfterInvoke(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	ep := newTestEndpoint(t, srv.URL)

	call, err := New(Config{
		Endpoint: ep,
		Invoke: func(ctx context.Context) (*endpoint.Response, error) {
			time.Sleep(time.Millisecond)
			return &endpoint.Response{StatusCode: 200}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call.Invoke(context.Background())
	if d := call.Duration(); d <= 0 {
		t.Fatalf("expected positive duration after Invoke, got %v", d)
	}
}
