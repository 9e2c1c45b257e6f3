// Package endpoint implements the single-owner HTTP connection abstraction
// that every outbound call goes through: a lazily constructed client
// session, request assembly from a declarative config, and response
// classification into the core's error taxonomy. Ported from the
// platform's EndpointConfig/Endpoint pair, with the SDK-client transport
// variant split into sdk.go.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zen-systems/corectl/pkg/coreerrors"
	"github.com/zen-systems/corectl/pkg/corelog"
	"github.com/zen-systems/corectl/pkg/coremetrics"
	"github.com/zen-systems/corectl/pkg/tracing"
)

// Method is the HTTP verb an Endpoint issues.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Transport selects how an Endpoint actually moves bytes: a raw HTTP
// client, or a vendor SDK client wrapped by sdk.go. Closed on purpose —
// adding a transport means adding a case here and in Endpoint.call, not
// subclassing.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportSDK  Transport = "sdk"
)

// Config declares everything needed to construct and call an Endpoint,
// mirroring EndpointConfig: name, provider, base URL, auth template, and
// request defaults applied to every call.
type Config struct {
	Name     string
	Provider string
	Transport Transport

	BaseURL  string
	Path     string
	Method   Method

	// APIKeyEnv names the environment variable the key is read from. If
	// APIKey is set directly it takes precedence.
	APIKeyEnv string
	APIKey    string
	// AuthTemplate is a header value template containing the literal
	// substring "$API_KEY", substituted at call time. Defaults to
	// "Bearer $API_KEY".
	AuthTemplate string
	AuthHeader   string

	DefaultHeaders map[string]string
	Timeout        time.Duration
	MaxRetries     int

	// SDKProvider names the vendor SDK client to construct when
	// Transport is TransportSDK (e.g. "anthropic", "openai", "google").
	SDKProvider string

	Metrics *coremetrics.Metrics
	Logger  zerolog.Logger
}

func (c Config) resolveAPIKey() (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	if c.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		return "", coreerrors.New(coreerrors.KindAuth, fmt.Sprintf("environment variable %s is not set", c.APIKeyEnv))
	}
	return key, nil
}

func (c Config) fullURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	path := strings.TrimLeft(c.Path, "/")
	if path == "" {
		return base
	}
	return base + "/" + path
}

func (c Config) authHeaderValue(apiKey string) string {
	template := c.AuthTemplate
	if template == "" {
		template = "Bearer $API_KEY"
	}
	return strings.ReplaceAll(template, "$API_KEY", apiKey)
}

// Request is a single call's payload: a JSON body plus any per-call
// header and query overrides layered on top of the Endpoint's defaults.
type Request struct {
	Body    any
	Headers map[string]string
	Query   map[string]string
}

// Response is a classified, already-drained HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return coreerrors.Wrap(coreerrors.KindServer, "failed to decode response body", err)
	}
	return nil
}

// Endpoint owns exactly one underlying client — an *http.Client for
// TransportHTTP, or a vendor SDK client for TransportSDK — constructed
// lazily on the first Call and torn down exactly once by Close. A closed
// Endpoint forces reconstruction on the next Call rather than erroring,
// matching a long-lived process that occasionally recycles connections.
type Endpoint struct {
	cfg Config

	mu      sync.Mutex
	http    *http.Client
	sdk     sdkClient
	closed  bool
	apiKey  string
	keyOnce sync.Once
	keyErr  error
}

// New validates cfg and returns an Endpoint. The underlying client is not
// constructed until the first Call.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Name == "" {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "endpoint name is required")
	}
	if cfg.BaseURL == "" {
		return nil, coreerrors.New(coreerrors.KindInvalidArgument, "endpoint base URL is required")
	}
	if cfg.Method == "" {
		cfg.Method = MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Endpoint{cfg: cfg}, nil
}

func (e *Endpoint) Name() string { return e.cfg.Name }

func (e *Endpoint) apiKeyOnce() (string, error) {
	e.keyOnce.Do(func() {
		e.apiKey, e.keyErr = e.cfg.resolveAPIKey()
	})
	return e.apiKey, e.keyErr
}

// ensureClient constructs the underlying transport client on first use, or
// again after Close, under a mutex so concurrent first-calls never race
// two constructions.
func (e *Endpoint) ensureClient() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed && (e.http != nil || e.sdk != nil) {
		return nil
	}
	e.closed = false

	switch e.cfg.Transport {
	case TransportSDK:
		client, err := newSDKClient(e.cfg)
		if err != nil {
			return err
		}
		e.sdk = client
		return nil
	default:
		e.http = &http.Client{
			Timeout:   e.cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		return nil
	}
}

// Close tears down the underlying client. Safe to call more than once and
// safe to call while no client has been constructed yet.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.sdk != nil {
		err = e.sdk.Close()
	}
	e.http = nil
	e.sdk = nil
	return err
}

// Call issues one request and returns a classified Response or a
// *coreerrors.Error describing why it failed.
func (e *Endpoint) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, end := tracing.StartSpan(ctx, "endpoint", "call", attribute.String("endpoint.name", e.cfg.Name))
	defer end()

	logger := corelog.Component(e.cfg.Logger, "endpoint")
	logger.Debug().Str(corelog.EndpointField, e.cfg.Name).Msg("calling")

	if err := e.ensureClient(); err != nil {
		return nil, err
	}

	var resp *Response
	var err error
	if e.cfg.Transport == TransportSDK {
		resp, err = e.callSDK(ctx, req)
	} else {
		resp, err = e.callHTTP(ctx, req)
	}

	if err != nil {
		logger.Warn().Str(corelog.EndpointField, e.cfg.Name).Err(err).Msg("call failed")
	}
	return resp, err
}

func (e *Endpoint) callHTTP(ctx context.Context, req Request) (*Response, error) {
	apiKey, err := e.apiKeyOnce()
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		compLogger := corelog.Component(e.cfg.Logger, "endpoint")
		compLogger.Debug().
			Stringer("api_key", corelog.Secret(apiKey)).
			Msg("resolved credential")
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindInvalidArgument, "failed to encode request body", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(e.cfg.Method), e.cfg.fullURL(), bodyReader)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindInvalidArgument, "failed to build request", err)
	}

	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.cfg.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	if apiKey != "" {
		header := e.cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		httpReq.Header.Set(header, e.cfg.authHeaderValue(apiKey))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	e.mu.Lock()
	client := e.http
	e.mu.Unlock()
	if client == nil {
		return nil, coreerrors.New(coreerrors.KindInvalidState, "endpoint client is not initialized")
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	e.cfg.Metrics.ObserveEndpointDuration(e.cfg.Name, time.Since(start).Seconds())
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindTransport, "failed to read response body", err)
	}

	e.cfg.Metrics.IncEndpointCall(e.cfg.Name, fmt.Sprintf("%d", httpResp.StatusCode))

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if httpResp.StatusCode >= 400 {
		return resp, classifyStatusError(httpResp.StatusCode, httpResp.Header, body)
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch ctx.Err() {
	case context.Canceled:
		return coreerrors.Wrap(coreerrors.KindCancelled, "endpoint request cancelled", err)
	case context.DeadlineExceeded:
		return coreerrors.Wrap(coreerrors.KindTimeout, "endpoint request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return coreerrors.Wrap(coreerrors.KindTimeout, "endpoint request timed out", err)
	}
	return coreerrors.Wrap(coreerrors.KindTransport, "endpoint request failed", err)
}

func classifyStatusError(status int, header http.Header, body []byte) error {
	msg := fmt.Sprintf("endpoint returned status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header)
		return &coreerrors.Error{Kind: coreerrors.KindRateLimit, Message: msg, StatusCode: status, RetryAfterSeconds: retryAfter, Payload: string(body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &coreerrors.Error{Kind: coreerrors.KindAuth, Message: msg, StatusCode: status, Payload: string(body)}
	case status == http.StatusNotFound:
		return &coreerrors.Error{Kind: coreerrors.KindNotFound, Message: msg, StatusCode: status, Payload: string(body)}
	case status == http.StatusRequestTimeout:
		return &coreerrors.Error{Kind: coreerrors.KindTimeout, Message: msg, StatusCode: status, Payload: string(body)}
	case status >= 500:
		return &coreerrors.Error{Kind: coreerrors.KindServer, Message: msg, StatusCode: status, Payload: string(body)}
	case status >= 400:
		return &coreerrors.Error{Kind: coreerrors.KindBadRequest, Message: msg, StatusCode: status, Payload: string(body)}
	default:
		return &coreerrors.Error{Kind: coreerrors.KindServer, Message: msg, StatusCode: status, Payload: string(body)}
	}
}

func parseRetryAfter(header http.Header) float64 {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	var seconds float64
	if _, err := fmt.Sscanf(v, "%f", &seconds); err != nil {
		return 0
	}
	return seconds
}
