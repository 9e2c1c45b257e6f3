// Package queue implements the bounded work queue with backpressure that
// sits underneath the Executor: a fixed-capacity FIFO buffer, a
// short bounded-wait enqueue, a cooperative worker pool, and classical
// work-queue acknowledge/join semantics. Ported from the platform's
// asyncio.Queue-backed processor (capacity, capacity_refresh_time,
// concurrency_limit) to a mutex-guarded slice, sync.Cond waits,
// goroutines, and context-scoped waits.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/coremetrics"
)

// Status is the lifecycle state of a BoundedQueue.
type Status int32

const (
	StatusIdle Status = iota
	StatusProcessing
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProcessing:
		return "processing"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Metrics is a point-in-time snapshot of queue counters.
type Metrics struct {
	Enqueued          uint64
	Processed         uint64
	Errors            uint64
	BackpressureEvents uint64
}

// Config configures a BoundedQueue.
type Config struct {
	// Capacity is the maximum number of buffered items. Must be >= 1.
	Capacity int
	// EnqueueTimeout bounds how long Put waits for room. Defaults to
	// 100ms.
	EnqueueTimeout time.Duration
	// Name labels this queue's metrics.
	Name    string
	Metrics *coremetrics.Metrics
}

// BoundedQueue is a capacity-bounded FIFO with bounded-wait enqueue,
// acknowledge-before-join semantics, and a cooperative worker pool.
type BoundedQueue[T any] struct {
	capacity int
	timeout  time.Duration
	name     string
	metrics  *coremetrics.Metrics

	mu     sync.Mutex
	status Status
	buf    []T

	notEmpty *sync.Cond
	notFull  *sync.Cond

	unfinished int64
	joinCond   *sync.Cond

	enqueued           atomic.Uint64
	processed          atomic.Uint64
	errorsCount        atomic.Uint64
	backpressureEvents atomic.Uint64

	workersWG sync.WaitGroup
	workerCtx context.Context
	cancel    context.CancelFunc
}

// New constructs a BoundedQueue. Capacity < 1 fails immediately.
func New[T any](cfg Config) (*BoundedQueue[T], error) {
	if cfg.Capacity < 1 {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "queue capacity must be >= 1")
	}
	timeout := cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	q := &BoundedQueue[T]{
		capacity: cfg.Capacity,
		timeout:  timeout,
		name:     cfg.Name,
		metrics:  cfg.Metrics,
		status:   StatusIdle,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.joinCond = sync.NewCond(&q.mu)
	return q, nil
}

// Start transitions the queue to Processing. Idempotent.
func (q *BoundedQueue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == StatusProcessing {
		return
	}
	q.status = StatusProcessing
	q.workerCtx, q.cancel = context.WithCancel(context.Background())
}

// Stop transitions the queue to Stopped, cancels all worker goroutines
// started via StartWorkers, and waits up to timeout for them to exit.
// Idempotent. Subsequent Put/Get calls fail with InvalidState.
func (q *BoundedQueue[T]) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.status == StatusStopped {
		q.mu.Unlock()
		return nil
	}
	q.status = StatusStopped
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.workersWG.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return coreerrors.New(coreerrors.KindTimeout, "timed out waiting for queue workers to stop")
	}
}

// StartScoped starts the queue and returns a function that stops it; the
// caller is expected to defer the returned function so every exit path —
// including a panic — tears the queue down exactly once.
func (q *BoundedQueue[T]) StartScoped(stopTimeout time.Duration) func() error {
	q.Start()
	return func() error { return q.Stop(stopTimeout) }
}

func (q *BoundedQueue[T]) requireProcessing() error {
	if q.status != StatusProcessing {
		return coreerrors.New(coreerrors.KindInvalidState, "queue is not in Processing state")
	}
	return nil
}

// Put enqueues item, waiting up to the configured enqueue timeout for
// room. Returns (true, nil) on success. Returns (false, nil) — not an
// error — when the timeout elapses with no room; callers may retry, shed,
// or fail the caller's unit of work. Returns an error only when the queue
// is not in Processing state.
func (q *BoundedQueue[T]) Put(ctx context.Context, item T) (bool, error) {
	deadline := time.Now().Add(q.timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.requireProcessing(); err != nil {
		return false, err
	}

	for len(q.buf) >= q.capacity {
		if err := q.requireProcessing(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.backpressureEvents.Add(1)
			q.metrics.IncBackpressure(q.name)
			return false, nil
		}
		if !condWaitTimeout(q.notFull, remaining, ctx) {
			q.backpressureEvents.Add(1)
			q.metrics.IncBackpressure(q.name)
			return false, nil
		}
	}

	q.buf = append(q.buf, item)
	q.unfinished++
	q.enqueued.Add(1)
	q.metrics.IncEnqueued(q.name)
	q.metrics.SetQueueSize(q.name, len(q.buf))
	q.notEmpty.Signal()
	return true, nil
}

// Get blocks until an item is available and returns it, removing it from
// the buffer. Every dequeued item must be followed by exactly one call to
// Ack or AckError, or Join will never complete.
func (q *BoundedQueue[T]) Get(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for len(q.buf) == 0 {
		if err := q.requireProcessing(); err != nil {
			return zero, err
		}
		if !condWaitTimeout(q.notEmpty, 50*time.Millisecond, ctx) {
			if ctx.Err() != nil {
				return zero, coreerrors.Wrap(coreerrors.KindCancelled, "queue get cancelled", ctx.Err())
			}
			continue
		}
	}

	item := q.buf[0]
	q.buf = q.buf[1:]
	q.metrics.SetQueueSize(q.name, len(q.buf))
	q.notFull.Signal()
	return item, nil
}

// Ack marks one previously dequeued item as successfully processed.
func (q *BoundedQueue[T]) Ack() {
	q.processed.Add(1)
	q.metrics.IncProcessed(q.name)
	q.finishOne()
}

// AckError marks one previously dequeued item as processed with an error.
func (q *BoundedQueue[T]) AckError() {
	q.errorsCount.Add(1)
	q.metrics.IncQueueError(q.name)
	q.finishOne()
}

func (q *BoundedQueue[T]) finishOne() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unfinished--
	if q.unfinished <= 0 {
		q.joinCond.Broadcast()
	}
}

// Join blocks until every enqueued item has been acknowledged and the
// buffer is empty.
func (q *BoundedQueue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		if !condWaitTimeout(q.joinCond, 50*time.Millisecond, ctx) {
			if ctx.Err() != nil {
				return coreerrors.Wrap(coreerrors.KindCancelled, "queue join cancelled", ctx.Err())
			}
		}
	}
	return nil
}

// WorkerFunc processes one dequeued item. Returning an error marks that
// item as an error-acknowledge; the ErrorHandler, if set, is invoked
// first.
type WorkerFunc[T any] func(ctx context.Context, item T) error

// ErrorHandler observes a worker error alongside the item that caused it.
type ErrorHandler[T any] func(err error, item T)

// StartWorkers spawns n cooperative worker goroutines, each looping
// Get -> fn -> Ack/AckError until the queue is stopped or ctx is
// cancelled. Both the success and error paths acknowledge exactly once
// per dequeued item.
func (q *BoundedQueue[T]) StartWorkers(fn WorkerFunc[T], n int, handler ErrorHandler[T]) {
	q.mu.Lock()
	ctx := q.workerCtx
	q.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for i := 0; i < n; i++ {
		q.workersWG.Add(1)
		go func() {
			defer q.workersWG.Done()
			for {
				item, err := q.Get(ctx)
				if err != nil {
					return
				}
				if err := fn(ctx, item); err != nil {
					if handler != nil {
						handler(err, item)
					}
					q.AckError()
					continue
				}
				q.Ack()
			}
		}()
	}
}

// WorkerCount does not report the number of running workers: it always
// returns -1.
func (q *BoundedQueue[T]) WorkerCount() int {
	// sync.WaitGroup does not expose a live counter; the queue tracks
	// workers only to await their exit on Stop, matching the platform's
	// "await them up to timeout" contract rather than a live gauge.
	return -1
}

func (q *BoundedQueue[T]) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *BoundedQueue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) == 0
}

func (q *BoundedQueue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) >= q.capacity
}

func (q *BoundedQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *BoundedQueue[T]) Capacity() int { return q.capacity }

func (q *BoundedQueue[T]) Snapshot() Metrics {
	return Metrics{
		Enqueued:           q.enqueued.Load(),
		Processed:          q.processed.Load(),
		Errors:             q.errorsCount.Load(),
		BackpressureEvents: q.backpressureEvents.Load(),
	}
}

// condWaitTimeout waits on cond for at most timeout or until ctx is
// cancelled. It returns false only when ctx is done; a signal and an
// elapsed timeout both return true, so callers re-check their own
// condition and deadline. The caller must hold cond.L on entry and exit.
func condWaitTimeout(cond *sync.Cond, timeout time.Duration, ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	woke := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-woke:
		}
	}()

	cond.Wait()
	close(woke)
	return ctx.Err() == nil
}
