package luminara

import (
	"context"
)

// dispatcher composes the pre-transport coordinators around a single
// execute function. Wrapping order is fixed: the execute function is
// innermost, then debounce, then dedupe, with the rate limiter
// outermost, so a rate-limited slot is only consumed by requests that
// survived collapse and coalescing.
type dispatcher struct {
	dedupe   *deduplicator
	debounce *debouncer
	limiter  *rateLimiter
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		dedupe:   newDeduplicator(),
		debounce: newDebouncer(),
		limiter:  newRateLimiter(),
	}
}

// dispatch runs exec through whichever coordinators apply to this
// request under the effective options. Key derivation failures are
// configuration errors and fail the call.
func (d *dispatcher) dispatch(ctx context.Context, req *PreparedRequest, opts *Options, exec func(context.Context) (*Response, error)) (*Response, error) {
	fn := exec

	if opts.Debounce.applies(req) {
		key, err := deriveKey(req, opts.Debounce.KeyStrategy, opts.Debounce.KeyFunc, nil)
		if err != nil {
			return nil, err
		}
		inner := fn
		delay := opts.Debounce.Delay
		fn = func(c context.Context) (*Response, error) {
			return d.debounce.execute(c, key, delay, inner)
		}
	}

	if opts.Dedupe.applies(req) {
		key, err := deriveKey(req, opts.Dedupe.KeyStrategy, opts.Dedupe.KeyFunc, opts.Dedupe.IncludeHeaders)
		if err != nil {
			return nil, err
		}
		inner := fn
		dd := opts.Dedupe
		fn = func(c context.Context) (*Response, error) {
			res, err, _ := d.dedupe.execute(c, key, dd, inner)
			return res, err
		}
	}

	if opts.RateLimit != nil && !opts.RateLimit.Disabled {
		inner := fn
		rl := opts.RateLimit
		fn = func(c context.Context) (*Response, error) {
			return d.limiter.schedule(c, req, rl, inner)
		}
	}

	return fn(ctx)
}

// close aborts pending debounce slots, rejects queued rate limit
// tickets, and drops the dedupe cache.
func (d *dispatcher) close() {
	d.debounce.clear()
	d.limiter.clear()
	d.dedupe.clear()
}
