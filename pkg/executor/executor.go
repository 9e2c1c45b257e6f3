// Package executor implements the concurrency-bounded event executor that
// sits between the bounded work queue and the endpoints it drives. It is a
// direct port of the platform's asyncio Executor: events are appended to a
// pending list, forwarded into the bounded queue, and processed under an
// optional admission hook and an optional concurrency ceiling.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/coremetrics"
	"github.com/zen-systems/corectl/pkg/queue"
)

// Event is anything the executor can admit and run to completion. Invoke
// must never panic and must never block past ctx's cancellation; it
// records its own outcome rather than returning one, matching ApiCall's
// terminal-state-write-once contract.
type Event interface {
	EventID() string
	Invoke(ctx context.Context)
}

// PermissionFunc is the executor's single override point: given the next
// admitted event, decide whether it may run right now. The default always
// admits. RateLimitedExecutor overrides this to check token/request
// budgets before handing the event to Invoke.
type PermissionFunc func(ctx context.Context, event Event) bool

// Config configures an Executor.
type Config struct {
	// QueueCapacity bounds the number of events buffered between Forward
	// and Process. Defaults to 100.
	QueueCapacity int
	// EnqueueTimeout bounds Forward's wait for queue room per event.
	// Defaults to 100ms.
	EnqueueTimeout time.Duration
	// ConcurrencyLimit bounds the number of events running Invoke at
	// once. Zero means unbounded.
	ConcurrencyLimit int
	// RequestPermission gates admission of each event immediately before
	// it runs. Defaults to always-allow.
	RequestPermission PermissionFunc

	Name    string
	Metrics *coremetrics.Metrics
}

// Executor owns a set of in-flight events keyed by ID, a pending list
// awaiting admission into the bounded queue, and a worker that drains the
// queue subject to RequestPermission and an optional concurrency ceiling.
type Executor struct {
	name    string
	metrics *coremetrics.Metrics

	mu      sync.Mutex
	events  map[string]Event
	pending []Event

	queue             *queue.BoundedQueue[Event]
	requestPermission PermissionFunc
	sem               chan struct{}

	runWG     sync.WaitGroup
	runCancel context.CancelFunc
	inFlight  sync.WaitGroup
}

// New constructs an Executor.
func New(cfg Config) (*Executor, error) {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 100
	}
	q, err := queue.New[Event](queue.Config{
		Capacity:       capacity,
		EnqueueTimeout: cfg.EnqueueTimeout,
		Name:           cfg.Name,
		Metrics:        cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	permission := cfg.RequestPermission
	if permission == nil {
		permission = func(ctx context.Context, event Event) bool { return true }
	}

	var sem chan struct{}
	if cfg.ConcurrencyLimit > 0 {
		sem = make(chan struct{}, cfg.ConcurrencyLimit)
	}

	return &Executor{
		name:              cfg.Name,
		metrics:           cfg.Metrics,
		events:            make(map[string]Event),
		queue:             q,
		requestPermission: permission,
		sem:               sem,
	}, nil
}

// Append registers event as pending admission. It is not yet visible to
// the queue until Forward runs.
func (e *Executor) Append(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[event.EventID()] = event
	e.pending = append(e.pending, event)
}

// Pop removes and returns the event with the given ID, if tracked.
func (e *Executor) Pop(id string) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	event, ok := e.events[id]
	if ok {
		delete(e.events, id)
	}
	return event, ok
}

// Get returns the event with the given ID without removing it.
func (e *Executor) Get(id string) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	event, ok := e.events[id]
	return event, ok
}

// Forward drains the pending list into the bounded queue. An event whose
// Put times out because the queue is at capacity is put back onto pending
// for the next Forward call rather than dropped.
func (e *Executor) Forward(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	var retry []Event
	for _, event := range batch {
		ok, err := e.queue.Put(ctx, event)
		if err != nil {
			return err
		}
		if !ok {
			retry = append(retry, event)
		}
	}

	if len(retry) > 0 {
		e.mu.Lock()
		e.pending = append(retry, e.pending...)
		e.mu.Unlock()
	}
	return nil
}

// Start begins continuous forward/process: forwarding newly appended
// events into the queue and running admitted events to completion, until
// Stop is called or ctx is cancelled.
func (e *Executor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	e.queue.Start()

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				_ = e.Forward(runCtx)
			}
		}
	}()

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.process(runCtx)
	}()
}

func (e *Executor) process(ctx context.Context) {
	var running atomic.Int64
	for {
		event, err := e.queue.Get(ctx)
		if err != nil {
			return
		}

		if !e.requestPermission(ctx, event) {
			// Not an error: the event is simply not admissible under the
			// current budget. Ack this dequeue and put it back onto
			// pending so the next Forward tick re-enqueues it, matching
			// the backpressure retry path above rather than dropping it.
			e.queue.Ack()
			e.mu.Lock()
			e.pending = append(e.pending, event)
			e.mu.Unlock()
			continue
		}

		if e.sem != nil {
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				e.queue.AckError()
				return
			}
		}

		e.inFlight.Add(1)
		e.metrics.SetExecutorInFlight(e.name, int(running.Add(1)))
		go func(ev Event) {
			defer e.inFlight.Done()
			defer func() {
				if e.sem != nil {
					<-e.sem
				}
			}()
			ev.Invoke(ctx)
			e.metrics.SetExecutorInFlight(e.name, int(running.Add(-1)))
			e.queue.Ack()
		}(event)
	}
}

// Stop drains pending and already-queued work — so every event appended
// before Stop was called still reaches a terminal state instead of being
// abandoned mid-queue — then cancels the running loops and waits up to
// timeout for in-flight events to finish.
func (e *Executor) Stop(timeout time.Duration) error {
	var drainCtx context.Context
	var cancelDrain context.CancelFunc
	if timeout > 0 {
		drainCtx, cancelDrain = context.WithTimeout(context.Background(), timeout)
	} else {
		drainCtx, cancelDrain = context.WithCancel(context.Background())
	}
	defer cancelDrain()

	// The forward/process loops are still running at this point, so this
	// only has to wait for them to catch up: the forward ticker empties
	// pending into the queue and process empties the queue, acking every
	// item exactly once.
	e.drainPending(drainCtx)
	_ = e.queue.Join(drainCtx)

	if e.runCancel != nil {
		e.runCancel()
	}

	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		e.inFlight.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return e.queue.Stop(0)
	}

	remaining := time.Duration(0)
	if dl, ok := drainCtx.Deadline(); ok {
		if remaining = time.Until(dl); remaining < 0 {
			remaining = 0
		}
	}
	select {
	case <-done:
		return e.queue.Stop(remaining)
	case <-time.After(remaining):
		return coreerrors.New(coreerrors.KindTimeout, "timed out waiting for executor to drain")
	}
}

// drainPending blocks until the pending list is empty — meaning the
// forward loop has pushed every appended event into the queue — or until
// ctx is done, whichever comes first.
func (e *Executor) drainPending(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		empty := len(e.pending) == 0
		e.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Join blocks until every forwarded event has been acknowledged.
func (e *Executor) Join(ctx context.Context) error {
	return e.queue.Join(ctx)
}

// IsAllProcessed reports whether there is no pending or in-flight work.
func (e *Executor) IsAllProcessed() bool {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()
	// Every enqueued event acknowledged means none is buffered or running.
	m := e.queue.Snapshot()
	return pending == 0 && m.Enqueued == m.Processed+m.Errors
}

// Metrics returns a point-in-time snapshot of the underlying queue's
// counters.
func (e *Executor) Metrics() queue.Metrics {
	return e.queue.Snapshot()
}
