package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
)

func TestPutGetAckJoinRoundTrip(t *testing.T) {
	q, err := New[int](Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	defer q.Stop(time.Second)

	ok, err := q.Put(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("Put: ok=%v err=%v", ok, err)
	}

	item, err := q.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != 42 {
		t.Fatalf("expected 42, got %d", item)
	}
	q.Ack()

	if err := q.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestPutReturnsFalseWithoutErrorOnBackpressure(t *testing.T) {
	q, err := New[int](Config{Capacity: 1, EnqueueTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	defer q.Stop(time.Second)

	ok, err := q.Put(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("first put should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = q.Put(context.Background(), 2)
	if err != nil {
		t.Fatalf("expected backpressure timeout to not be an error, got %v", err)
	}
	if ok {
		t.Fatal("expected Put to report failure when the queue stays full")
	}

	snap := q.Snapshot()
	if snap.BackpressureEvents == 0 {
		t.Fatal("expected a backpressure event to be recorded")
	}
}

func TestPutUnblocksOnceSpaceFrees(t *testing.T) {
	q, err := New[int](Config{Capacity: 1, EnqueueTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	defer q.Stop(time.Second)

	if _, err := q.Put(context.Background(), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan struct{})
	go func() {
		ok, err := q.Put(context.Background(), 2)
		if err != nil || !ok {
			t.Errorf("expected second Put to eventually succeed: ok=%v err=%v", ok, err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	q.Ack()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put never unblocked after room freed")
	}
}

func TestAckErrorCountsSeparatelyAndStillJoins(t *testing.T) {
	q, err := New[int](Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	defer q.Stop(time.Second)

	q.Put(context.Background(), 1)
	q.Get(context.Background())
	q.AckError()

	if err := q.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	snap := q.Snapshot()
	if snap.Errors != 1 {
		t.Fatalf("expected 1 error ack, got %d", snap.Errors)
	}
	if snap.Processed != 0 {
		t.Fatalf("AckError must not count as Processed, got %d", snap.Processed)
	}
}

func TestPutAndGetFailOutsideProcessingState(t *testing.T) {
	q, err := New[int](Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// never started

	if _, err := q.Put(context.Background(), 1); !coreerrors.Is(err, coreerrors.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	if _, err := q.Get(context.Background()); !coreerrors.Is(err, coreerrors.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestStopDrainsWorkersWithinTimeout(t *testing.T) {
	q, err := New[int](Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()

	var processed int
	var mu sync.Mutex
	q.StartWorkers(func(ctx context.Context, item int) error {
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	}, 2, nil)

	q.Put(context.Background(), 1)
	q.Put(context.Background(), 2)
	if err := q.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := q.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	got := processed
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 items processed, got %d", got)
	}
}

func TestStartWorkersInvokesErrorHandlerAndAcksError(t *testing.T) {
	q, err := New[int](Config{Capacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	defer q.Stop(time.Second)

	boom := errors.New("boom")
	var handled error
	var mu sync.Mutex

	q.StartWorkers(func(ctx context.Context, item int) error {
		return boom
	}, 1, func(err error, item int) {
		mu.Lock()
		handled = err
		mu.Unlock()
	})

	q.Put(context.Background(), 1)
	if err := q.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	mu.Lock()
	got := handled
	mu.Unlock()
	if got != boom {
		t.Fatalf("expected error handler to observe worker error, got %v", got)
	}
	if q.Snapshot().Errors != 1 {
		t.Fatalf("expected worker failure to be ack'd as an error")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	q, err := New[int](Config{Capacity: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Start()
	if err := q.Stop(time.Second); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := q.Stop(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
