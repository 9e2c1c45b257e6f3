// Package apicall implements ApiCall, the Event the executor and queue
// push through their pipelines: a single outbound call bound to one
// Endpoint, its lifecycle captured as state rather than propagated as an
// error to whatever dequeued it. Ported from the platform's
// APICalling/iModel pairing.
package apicall

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/endpoint"
)

// Status is an ApiCall's lifecycle state. Pending is the only valid start
// state; Succeeded, Failed, and Cancelled are terminal and, once set,
// never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ApiCall is one call against an Endpoint, tracked end to end: creation
// time, start/completion time, terminal status, and — on failure — the
// classified error, never the caller's panic or an unrecovered exception.
type ApiCall struct {
	mu sync.Mutex

	id        uuid.UUID
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	status    Status

	endpoint       *endpoint.Endpoint
	request        endpoint.Request
	requiresTokens bool
	requiredTokens int
	invoke         InvokeFunc

	response *endpoint.Response
	err      error

	// invalidInvoke records the InvalidState error from the most recent
	// Invoke call made after the call had already reached a terminal
	// state. It never overwrites response/err: write-once is still
	// honored, this exists purely so a caller that double-invokes has
	// something to observe.
	invalidInvoke error
}

// InvokeFunc performs the actual call. Defaults to the bound Endpoint's
// Call method; a Model overrides it to layer retry and circuit breaker
// protection around that same call without ApiCall needing to know either
// exists.
type InvokeFunc func(ctx context.Context) (*endpoint.Response, error)

// Config describes one call to be made against an Endpoint.
type Config struct {
	Endpoint       *endpoint.Endpoint
	Request        endpoint.Request
	RequiresTokens bool
	RequiredTokens int
	// Invoke overrides how the call is actually performed. If nil,
	// Endpoint.Call(ctx, Request) is used directly.
	Invoke InvokeFunc
}

// New constructs a Pending ApiCall with a fresh ID.
func New(cfg Config) (*ApiCall, error) {
	if cfg.Endpoint == nil {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "apicall requires an endpoint")
	}
	return &ApiCall{
		id:             uuid.New(),
		createdAt:      time.Now(),
		status:         StatusPending,
		endpoint:       cfg.Endpoint,
		request:        cfg.Request,
		requiresTokens: cfg.RequiresTokens,
		requiredTokens: cfg.RequiredTokens,
		invoke:         cfg.Invoke,
	}, nil
}

// EventID satisfies executor.Event.
func (c *ApiCall) EventID() string { return c.id.String() }

// ID returns the call's identity.
func (c *ApiCall) ID() uuid.UUID { return c.id }

// RequiredTokens satisfies executor.TokenAware.
func (c *ApiCall) RequiredTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requiresTokens {
		return 0
	}
	return c.requiredTokens
}

func (c *ApiCall) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Response returns the call's response, if it succeeded.
func (c *ApiCall) Response() *endpoint.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the call's classified error, if it failed or was
// cancelled.
func (c *ApiCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InvalidInvoke returns the InvalidState error recorded by the most
// recent Invoke call made after this call had already reached a
// terminal state, or nil if Invoke has never been called on an already-
// terminal call.
func (c *ApiCall) InvalidInvoke() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidInvoke
}

// Duration returns how long the call ran, zero if it never started.
func (c *ApiCall) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.startedAt)
}

func (c *ApiCall) setTerminal(status Status, response *endpoint.Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = status
	c.response = response
	c.err = err
	c.endedAt = time.Now()
}

// Invoke runs the call against its Endpoint and records the outcome onto
// the call itself. It never panics and never returns an error to the
// caller — that is the point of an Event: whoever dequeued this call
// learns the outcome by reading Status/Response/Err, not by handling a
// return value.
func (c *ApiCall) Invoke(ctx context.Context) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.invalidInvoke = coreerrors.New(coreerrors.KindInvalidState, "apicall invoked again after reaching a terminal state")
		c.mu.Unlock()
		return
	}
	c.status = StatusRunning
	c.startedAt = time.Now()
	req := c.request
	ep := c.endpoint
	invoke := c.invoke
	c.mu.Unlock()

	if invoke == nil {
		invoke = func(ctx context.Context) (*endpoint.Response, error) { return ep.Call(ctx, req) }
	}

	resp, err := invoke(ctx)
	if err != nil {
		if coreerrors.Is(err, coreerrors.KindCancelled) || ctx.Err() == context.Canceled {
			c.setTerminal(StatusCancelled, nil, err)
			return
		}
		c.setTerminal(StatusFailed, resp, err)
		return
	}
	c.setTerminal(StatusSucceeded, resp, nil)
}
