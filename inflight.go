package luminara

import (
	"context"
	"time"
)

// guardContext derives the per-call cancellation context: cancellable
// by the caller, bounded by the effective timeout when one is set, and
// aborted with the shutdown cause when the client closes.
func guardContext(ctx context.Context, closeCtx context.Context, timeout time.Duration) (context.Context, func()) {
	gctx, cancel := context.WithCancelCause(ctx)

	stop := context.AfterFunc(closeCtx, func() {
		cancel(causeShutdown)
	})

	if timeout > 0 {
		tctx, tcancel := context.WithTimeoutCause(gctx, timeout, causeTimeout)
		return tctx, func() {
			tcancel()
			stop()
			cancel(nil)
		}
	}
	return gctx, func() {
		stop()
		cancel(nil)
	}
}

// inFlight owns phases two and three of an attempt: the driver call
// and response normalization. When hedging applies it hands the single
// execution function to the hedge coordinator; otherwise it runs the
// function once.
type inFlight struct {
	driver Driver
}

// run performs one attempt. The returned metadata is non-nil only when
// hedging coordinated the attempt.
func (f *inFlight) run(ctx context.Context, cc *Context, opts *Options) (*Response, *HedgingMetadata, error) {
	exec := func(actx context.Context, req *PreparedRequest) (*Response, error) {
		raw, err := f.driver.Do(actx, req)
		if err != nil {
			return nil, err
		}
		return normalizeResponse(raw, req, opts.ResponseType, opts.ParseResponse, opts.IgnoreHTTPErrors)
	}

	// The hedging block was validated with the rest of the options
	// before dispatch.
	h := opts.Hedging
	if h.applies(cc.Req) {
		hd := &hedger{opts: h}
		return hd.execute(ctx, cc.Req, exec)
	}

	res, err := exec(ctx, cc.Req)
	return res, nil, err
}
