package luminara

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// orchestrator runs the attempt loop for one call: plugin hooks,
// dispatch through the pre-transport coordinators, the retry decision,
// and backoff between attempts.
type orchestrator struct {
	plugins    *pluginChain
	dispatcher *dispatcher
	inflight   *inFlight
}

// run drives the call to completion. Each attempt resets the context's
// outcome fields and rebuilds the prepared request from the original
// template, so plugin mutations on one attempt never bleed into the
// next.
func (o *orchestrator) run(ctx context.Context, cc *Context, opts *Options, em *emitter) (*Response, error) {
	retry := opts.Retry
	if retry == nil {
		retry = NoRetry()
	}
	maxAttempts := retry.MaxRetries + 1
	policy := retry.policy()
	template := cc.Req

	operation := func() (*Response, error) {
		cc.Attempt++
		cc.Res, cc.Err = nil, nil
		cc.Req = template.Clone()

		em.emit(Event{
			Type:    EventAttempt,
			CallID:  cc.callID,
			Method:  cc.Req.Method,
			URL:     cc.Req.URL,
			Attempt: cc.Attempt,
		})

		res, err := o.attempt(ctx, cc, opts)
		if err == nil {
			em.emit(Event{
				Type:    EventSuccess,
				CallID:  cc.callID,
				Method:  cc.Req.Method,
				URL:     cc.Req.URL,
				Attempt: cc.Attempt,
				Status:  res.Status,
			})
			return res, nil
		}

		aerr := normalizeError(err, ctx, cc.Req, cc.Attempt)
		cc.Err = aerr
		o.plugins.runResponseError(cc)

		em.emit(Event{
			Type:    EventFail,
			CallID:  cc.callID,
			Method:  cc.Req.Method,
			URL:     cc.Req.URL,
			Attempt: cc.Attempt,
			Err:     aerr,
		})

		info := RetryInfo{Request: cc.Req, Attempt: cc.Attempt, MaxAttempts: maxAttempts}
		if !policy(aerr, info) {
			return nil, backoff.Permanent(aerr)
		}
		return nil, aerr
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&retryBackOff{c: cc, r: retry}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(attemptErr error, next time.Duration) {
			em.emit(Event{
				Type:    EventRetry,
				CallID:  cc.callID,
				Method:  cc.Req.Method,
				URL:     cc.Req.URL,
				Attempt: cc.Attempt,
				Err:     attemptErr,
				Delay:   next,
			})
		}),
	)
	if err != nil {
		final := normalizeError(err, ctx, cc.Req, cc.Attempt)
		cc.Err = final
		if final.Kind == KindAbort || final.Kind == KindTimeout {
			em.emit(Event{
				Type:    EventAbort,
				CallID:  cc.callID,
				Method:  cc.Req.Method,
				URL:     cc.Req.URL,
				Attempt: cc.Attempt,
				Err:     final,
			})
		}
		return nil, final
	}
	return res, nil
}

// attempt runs one full attempt: OnRequest hooks, the coordinated
// dispatch, and OnResponse hooks. A hook failure is routed exactly
// like a transport failure.
func (o *orchestrator) attempt(ctx context.Context, cc *Context, opts *Options) (*Response, error) {
	if err := o.plugins.runRequest(cc); err != nil {
		return nil, err
	}

	res, err := o.dispatcher.dispatch(ctx, cc.Req, opts, func(c context.Context) (*Response, error) {
		r, meta, err := o.inflight.run(c, cc, opts)
		if meta != nil {
			cc.Hedging = meta
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}

	cc.Res = res
	if err := o.plugins.runResponse(cc); err != nil {
		cc.Res = nil
		return nil, err
	}
	return res, nil
}
