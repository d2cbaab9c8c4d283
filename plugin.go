package luminara

import (
	"context"

	"github.com/google/uuid"
)

// Context is the mutable per-call object visible to every plugin hook.
// It is constructed once per call and mutated across attempts: Attempt
// increments, Res and Err are reset before each OnRequest, and Meta
// persists for the lifetime of the call.
//
// At any hook transition exactly one of Res and Err is non-nil.
type Context struct {
	// Req is the current prepared request. Plugins may mutate it;
	// each attempt starts from a fresh clone so mutations on attempt N
	// do not bleed into attempt N+1.
	Req *PreparedRequest

	// Res is the current response, nil until the attempt succeeds.
	Res *Response

	// Err is the current normalized error, nil unless the attempt failed.
	Err *Error

	// Attempt is the 1-based attempt counter.
	Attempt int

	// Meta is a free-form map shared across all hooks and attempts of
	// this call. Plugins use it for correlation IDs, auth tokens, timers.
	Meta map[string]any

	// Hedging describes the hedge coordination outcome when hedging ran.
	Hedging *HedgingMetadata

	// callID identifies the call in events and logs.
	callID string

	// stdctx is the composite cancellation context for the call.
	stdctx context.Context
}

// CallID returns the unique identifier assigned to this call.
func (c *Context) CallID() string { return c.callID }

// StdContext returns the call's cancellation context. Plugins doing
// their own I/O should derive from it.
func (c *Context) StdContext() context.Context { return c.stdctx }

// newCallContext seeds the per-call context before the first attempt.
func newCallContext(ctx context.Context, req *PreparedRequest) *Context {
	return &Context{
		Req:    req,
		Meta:   make(map[string]any),
		callID: uuid.NewString(),
		stdctx: ctx,
	}
}

// Plugin is a set of optional lifecycle hooks. Hooks mutate the
// Context and return an error to fail the attempt; a failed hook is
// routed exactly like a transport failure.
type Plugin struct {
	// Name identifies the plugin in logs.
	Name string

	// OnRequest runs before each attempt is dispatched, in
	// registration order.
	OnRequest func(c *Context) error

	// OnResponse runs after a successful attempt, in reverse
	// registration order.
	OnResponse func(c *Context) error

	// OnResponseError runs after a failed attempt, in reverse
	// registration order.
	OnResponseError func(c *Context) error
}

// pluginChain invokes registered plugins with deterministic ordering:
// left-to-right for OnRequest, right-to-left for OnResponse and
// OnResponseError.
type pluginChain struct {
	plugins []Plugin
}

func (pc *pluginChain) register(p Plugin) {
	pc.plugins = append(pc.plugins, p)
}

// runRequest invokes OnRequest hooks left-to-right, stopping at the
// first error.
func (pc *pluginChain) runRequest(c *Context) error {
	for i := range pc.plugins {
		hook := pc.plugins[i].OnRequest
		if hook == nil {
			continue
		}
		if err := hook(c); err != nil {
			return err
		}
	}
	return nil
}

// runResponse invokes OnResponse hooks right-to-left, stopping at the
// first error.
func (pc *pluginChain) runResponse(c *Context) error {
	for i := len(pc.plugins) - 1; i >= 0; i-- {
		hook := pc.plugins[i].OnResponse
		if hook == nil {
			continue
		}
		if err := hook(c); err != nil {
			return err
		}
	}
	return nil
}

// runResponseError invokes OnResponseError hooks right-to-left. Hook
// errors here are swallowed: the attempt already failed and the
// original error must surface.
func (pc *pluginChain) runResponseError(c *Context) {
	for i := len(pc.plugins) - 1; i >= 0; i-- {
		hook := pc.plugins[i].OnResponseError
		if hook == nil {
			continue
		}
		_ = hook(c)
	}
}

// BearerAuthPlugin sets an Authorization header from a token source on
// every attempt, so refreshed tokens reach retries.
func BearerAuthPlugin(tokenFn func() (string, error)) Plugin {
	return Plugin{
		Name: "bearer-auth",
		OnRequest: func(c *Context) error {
			token, err := tokenFn()
			if err != nil {
				return err
			}
			c.Req.Headers.Set("Authorization", "Bearer "+token)
			return nil
		},
	}
}

// HeaderPlugin sets a static header on every attempt.
func HeaderPlugin(name, value string) Plugin {
	return Plugin{
		Name: "header",
		OnRequest: func(c *Context) error {
			c.Req.Headers.Set(name, value)
			return nil
		},
	}
}

// CorrelationIDPlugin attaches one correlation ID per call, generated
// on the first attempt and persisted through Meta so retries carry the
// same ID.
func CorrelationIDPlugin(headerName string) Plugin {
	const metaKey = "correlation-id"
	return Plugin{
		Name: "correlation-id",
		OnRequest: func(c *Context) error {
			id, ok := c.Meta[metaKey].(string)
			if !ok {
				id = uuid.NewString()
				c.Meta[metaKey] = id
			}
			c.Req.Headers.Set(headerName, id)
			return nil
		},
	}
}
