package luminara

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Client is the resilience-oriented HTTP client. It layers retry,
// deduplication, debouncing, rate limiting, and hedging around a
// pluggable transport driver, with plugin hooks and lifecycle events
// at every stage.
//
// A Client is safe for concurrent use and is meant to be long-lived:
// the deduplication cache, debounce slots, and rate limit buckets are
// all per-client state.
type Client struct {
	mu      sync.RWMutex
	cfg     clientConfig
	driver  Driver
	sinks   []EventSink
	plugins []Plugin

	disp *dispatcher

	closed   atomic.Bool
	closeCtx context.Context
	closeFn  context.CancelCauseFunc
}

// New builds a client from the given options. Invalid configuration
// fails immediately with a KindConfig error.
func New(options ...Option) (*Client, error) {
	cfg := clientConfig{
		logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.opts.validate(); err != nil {
		return nil, err
	}

	driver := cfg.driver
	if driver == nil {
		driver = NewNetDriver(cfg.transport)
	}
	sinks := append([]EventSink(nil), cfg.sinks...)
	if cfg.debug {
		sinks = append(sinks, LogSink(cfg.logger))
	}

	closeCtx, closeFn := context.WithCancelCause(context.Background())

	return &Client{
		cfg:      cfg,
		driver:   driver,
		sinks:    sinks,
		plugins:  append([]Plugin(nil), cfg.plugins...),
		disp:     newDispatcher(),
		closeCtx: closeCtx,
		closeFn:  closeFn,
	}, nil
}

// Configure applies additional options to a live client. In-flight
// calls keep the snapshot they started with.
func (c *Client) Configure(options ...Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.opts.validate(); err != nil {
		return err
	}
	c.cfg = cfg
	if cfg.driver != nil {
		c.driver = cfg.driver
	}
	sinks := append([]EventSink(nil), cfg.sinks...)
	if cfg.debug {
		sinks = append(sinks, LogSink(cfg.logger))
	}
	c.sinks = sinks
	return nil
}

// RegisterPlugin appends a plugin to the chain. Registration order is
// the OnRequest order; response hooks run in reverse.
func (c *Client) RegisterPlugin(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
}

// Do executes a request through the full pipeline and blocks until it
// resolves. The returned error, when non-nil, is always an *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, normalizeError(ErrClientClosed, ctx, nil, 0)
	}

	c.mu.RLock()
	base := c.cfg.opts
	driver := c.driver
	sinks := c.sinks
	chain := &pluginChain{plugins: c.plugins}
	c.mu.RUnlock()

	opts := base.merge(req.Options)
	if err := opts.validate(); err != nil {
		return nil, normalizeError(err, ctx, nil, 0)
	}

	prepared, err := prepareRequest(req, opts)
	if err != nil {
		return nil, normalizeError(err, ctx, nil, 0)
	}

	gctx, release := guardContext(ctx, c.closeCtx, opts.Timeout)
	defer release()

	em := &emitter{sinks: sinks, start: time.Now()}
	cc := newCallContext(gctx, prepared)

	em.emit(Event{
		Type:   EventStart,
		CallID: cc.callID,
		Method: prepared.Method,
		URL:    prepared.URL,
	})

	orch := &orchestrator{
		plugins:    chain,
		dispatcher: c.disp,
		inflight:   &inFlight{driver: driver},
	}
	return orch.run(gctx, cc, opts, em)
}

// Get issues a GET request. ro may be nil.
func (c *Client) Get(ctx context.Context, url string, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url, Options: ro})
}

// Head issues a HEAD request. ro may be nil.
func (c *Client) Head(ctx context.Context, url string, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodHead, URL: url, Options: ro})
}

// Options issues an OPTIONS request. ro may be nil.
func (c *Client) Options(ctx context.Context, url string, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodOptions, URL: url, Options: ro})
}

// Post issues a POST request with the given body. ro may be nil.
func (c *Client) Post(ctx context.Context, url string, body any, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: url, Body: body, Options: ro})
}

// Put issues a PUT request with the given body. ro may be nil.
func (c *Client) Put(ctx context.Context, url string, body any, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, URL: url, Body: body, Options: ro})
}

// Patch issues a PATCH request with the given body. ro may be nil.
func (c *Client) Patch(ctx context.Context, url string, body any, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, URL: url, Body: body, Options: ro})
}

// Delete issues a DELETE request. ro may be nil.
func (c *Client) Delete(ctx context.Context, url string, ro *RequestOptions) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, URL: url, Options: ro})
}

// RateLimiterStats returns a snapshot of the rate limit bucket for key
// ("global", "domain:<host>", or "endpoint:<method> <host><path>").
func (c *Client) RateLimiterStats(key string) (RateLimiterStats, bool) {
	return c.disp.limiter.stats(key)
}

// ClearDedupeCache drops all completed deduplication entries.
func (c *Client) ClearDedupeCache() {
	c.disp.dedupe.clear()
}

// Close shuts the client down: pending debounce waiters and queued
// rate limit tickets are rejected with a shutdown abort, in-flight
// requests are cancelled, and subsequent calls fail with
// ErrClientClosed. Close is idempotent.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeFn(causeShutdown)
	c.disp.close()
	if nd, ok := c.driver.(*NetDriver); ok {
		nd.CloseIdleConnections()
	}
}
