package luminara

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HedgePolicy selects how speculative attempts relate to the primary.
type HedgePolicy string

const (
	// HedgeRace sends hedges concurrently after staggered delays and
	// returns the first successful attempt.
	HedgeRace HedgePolicy = "race"

	// HedgeCancelAndRetry aborts the in-flight attempt when its stage
	// timer fires and starts the next one, so at most one attempt is
	// in flight at any instant.
	HedgeCancelAndRetry HedgePolicy = "cancel-and-retry"
)

// HedgingOptions configures speculative duplicate attempts for tail
// latency reduction. Hedge only idempotent traffic: the default method
// whitelist is GET/HEAD/OPTIONS and anything else must be opted in
// explicitly.
type HedgingOptions struct {
	// Disabled turns hedging off for this scope.
	Disabled bool

	// Policy selects race or cancel-and-retry. Default: HedgeRace.
	Policy HedgePolicy

	// Delay is the first hedge delay. Recommended: the target's P95.
	Delay time.Duration

	// MaxHedges is how many speculative attempts may follow the
	// primary.
	MaxHedges int

	// ExponentialBackoff grows each subsequent hedge delay by
	// BackoffMultiplier.
	ExponentialBackoff bool

	// BackoffMultiplier is the growth factor when ExponentialBackoff
	// is set. Default: 1.5.
	BackoffMultiplier float64

	// Jitter randomizes each delay by 1 +/- JitterRange.
	Jitter bool

	// JitterRange is the jitter width in [0, 1].
	JitterRange float64

	// Methods is the verb whitelist. Default: GET, HEAD, OPTIONS.
	Methods []string

	// Servers rotates attempts across origins: attempt N goes to
	// servers[N mod len]. Entries with a path act as full URL
	// prefixes; bare origins keep the original path and query.
	Servers []string

	// PerAttemptTimeout bounds each individual attempt.
	PerAttemptTimeout time.Duration
}

// defaultHedgeMethods is the safe-to-duplicate verb set.
var defaultHedgeMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

const defaultHedgeMultiplier = 1.5

// validate checks the static hedging invariants. Failures surface as
// config errors at client construction or on the first call that
// carries the block.
func (o *HedgingOptions) validate() error {
	if o == nil {
		return nil
	}
	switch o.Policy {
	case HedgeRace, HedgeCancelAndRetry, "":
	default:
		return newConfigError("hedging: unknown policy %q", o.Policy)
	}
	if o.Delay < 0 {
		return newConfigError("hedging: hedgeDelayMs must be >= 0")
	}
	if o.MaxHedges < 0 {
		return newConfigError("hedging: maxHedges must be >= 0")
	}
	if o.BackoffMultiplier != 0 && o.BackoffMultiplier < 1 {
		return newConfigError("hedging: backoffMultiplier must be >= 1")
	}
	if o.JitterRange < 0 || o.JitterRange > 1 {
		return newConfigError("hedging: jitterRange must be in [0, 1]")
	}
	return nil
}

// applies reports whether this request should be hedged.
func (o *HedgingOptions) applies(req *PreparedRequest) bool {
	if o == nil || o.Disabled || o.MaxHedges <= 0 {
		return false
	}
	methods := o.Methods
	if len(methods) == 0 {
		methods = defaultHedgeMethods
	}
	return methodAllowed(req.Method, methods, nil)
}

// HedgingMetadata describes a finished hedge coordination, exposed to
// plugins through Context.Hedging.
type HedgingMetadata struct {
	// Winner labels the winning attempt: "primary" or "hedge-N".
	Winner string

	// Index is the winning attempt's ordinal (primary = 0).
	Index int

	// LatencySaved estimates how much tail latency the hedge avoided:
	// time from call start to the winner's launch.
	LatencySaved time.Duration

	// AttemptsLaunched counts the attempts actually sent.
	AttemptsLaunched int
}

// attemptLabel names attempt idx for metadata and errors.
func attemptLabel(idx int) string {
	if idx == 0 {
		return "primary"
	}
	return fmt.Sprintf("hedge-%d", idx)
}

// hedger coordinates speculative attempts around a single execute
// function. The winner's cancellation source is never aborted during
// cleanup; every loser's is.
type hedger struct {
	opts *HedgingOptions
}

// hedgeExec performs one attempt against a possibly rotated target.
type hedgeExec func(ctx context.Context, req *PreparedRequest) (*Response, error)

type hedgeResult struct {
	index    int
	res      *Response
	err      error
	launched time.Time
}

// execute runs the configured policy. The returned metadata is nil
// when every attempt failed.
func (h *hedger) execute(ctx context.Context, req *PreparedRequest, exec hedgeExec) (*Response, *HedgingMetadata, error) {
	if h.opts.Policy == HedgeCancelAndRetry {
		return h.cancelAndRetry(ctx, req, exec)
	}
	return h.race(ctx, req, exec)
}

// race launches the primary immediately and schedules hedges at
// staggered offsets. The first successful attempt wins; all other
// sources are aborted synchronously, the winner's never.
func (h *hedger) race(ctx context.Context, req *PreparedRequest, exec hedgeExec) (*Response, *HedgingMetadata, error) {
	start := time.Now()
	results := make(chan hedgeResult, h.opts.MaxHedges+1)

	var (
		mu            sync.Mutex
		cancels       = make(map[int]context.CancelCauseFunc)
		launched      int
		outstanding   int
		pendingTimers int
		done          bool
	)

	// launch runs under mu. A rotation failure still counts toward
	// outstanding so the coordination waits for every emitted result
	// before declaring all attempts settled.
	launch := func(idx int) {
		if ctx.Err() != nil {
			return
		}
		outstanding++
		target, err := h.attemptRequest(req, idx)
		if err != nil {
			results <- hedgeResult{index: idx, err: err, launched: time.Now()}
			return
		}
		actx, acancel := h.attemptContext(ctx)
		cancels[idx] = acancel
		launched++
		at := time.Now()
		go func() {
			res, err := exec(actx, target)
			results <- hedgeResult{index: idx, res: res, err: err, launched: at}
		}()
	}

	mu.Lock()
	launch(0)
	mu.Unlock()

	timers := make([]*time.Timer, 0, h.opts.MaxHedges)
	offset := time.Duration(0)
	delay := h.opts.Delay
	for n := 1; n <= h.opts.MaxHedges; n++ {
		d := delay
		if h.opts.Jitter {
			d = applyJitterRange(d, h.opts.JitterRange)
		}
		offset += d
		idx := n
		pendingTimers++
		timers = append(timers, time.AfterFunc(offset, func() {
			mu.Lock()
			defer mu.Unlock()
			pendingTimers--
			if done {
				return
			}
			launch(idx)
		}))
		if h.opts.ExponentialBackoff {
			mult := h.opts.BackoffMultiplier
			if mult == 0 {
				mult = defaultHedgeMultiplier
			}
			delay = time.Duration(float64(delay) * mult)
		}
	}

	errs := make(map[int]*Error)
	settled := 0

	for {
		var r hedgeResult
		select {
		case r = <-results:
		case <-ctx.Done():
			mu.Lock()
			done = true
			for _, t := range timers {
				t.Stop()
			}
			for _, cancel := range cancels {
				cancel(nil)
			}
			mu.Unlock()
			if cause := context.Cause(ctx); cause != nil {
				return nil, nil, cause
			}
			return nil, nil, ctx.Err()
		}
		settled++

		if r.err == nil {
			mu.Lock()
			done = true
			for _, t := range timers {
				t.Stop()
			}
			// Abort every source except the winner's: its body may
			// still be consumed by the caller.
			for idx, cancel := range cancels {
				if idx != r.index {
					cancel(causeHedgeLoser)
				}
			}
			meta := &HedgingMetadata{
				Winner:           attemptLabel(r.index),
				Index:            r.index,
				LatencySaved:     r.launched.Sub(start),
				AttemptsLaunched: launched,
			}
			mu.Unlock()
			return r.res, meta, nil
		}

		errs[r.index] = normalizeError(r.err, ctx, req, 0)

		mu.Lock()
		allSettled := settled >= outstanding && pendingTimers == 0
		if allSettled {
			done = true
			for _, t := range timers {
				t.Stop()
			}
			for _, cancel := range cancels {
				cancel(nil)
			}
		}
		mu.Unlock()

		if allSettled {
			if cause := context.Cause(ctx); ctx.Err() != nil && cause != nil {
				return nil, nil, cause
			}
			return nil, nil, h.coordinationError(errs, HedgeRace)
		}
	}
}

// cancelAndRetry runs attempts sequentially: each races its stage
// timer, and a fired timer aborts the attempt and starts the next one.
func (h *hedger) cancelAndRetry(ctx context.Context, req *PreparedRequest, exec hedgeExec) (*Response, *HedgingMetadata, error) {
	start := time.Now()
	errs := make(map[int]*Error)
	delay := h.opts.Delay

	for idx := 0; idx <= h.opts.MaxHedges; idx++ {
		if ctx.Err() != nil {
			break
		}

		target, err := h.attemptRequest(req, idx)
		if err != nil {
			errs[idx] = normalizeError(err, ctx, req, 0)
			continue
		}

		actx, acancel := h.attemptContext(ctx)
		launchedAt := time.Now()

		type outcome struct {
			res *Response
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			res, err := exec(actx, target)
			ch <- outcome{res: res, err: err}
		}()

		var stage <-chan time.Time
		var stageTimer *time.Timer
		if idx < h.opts.MaxHedges {
			d := delay
			if h.opts.Jitter {
				d = applyJitterRange(d, h.opts.JitterRange)
			}
			stageTimer = time.NewTimer(d)
			stage = stageTimer.C
		}

		select {
		case out := <-ch:
			if stageTimer != nil {
				stageTimer.Stop()
			}
			if out.err == nil {
				meta := &HedgingMetadata{
					Winner:           attemptLabel(idx),
					Index:            idx,
					LatencySaved:     launchedAt.Sub(start),
					AttemptsLaunched: idx + 1,
				}
				return out.res, meta, nil
			}
			errs[idx] = normalizeError(out.err, ctx, req, 0)
			acancel(nil)

		case <-stage:
			// Stage elapsed: abort this attempt and move on.
			acancel(causeHedgeLoser)
			errs[idx] = &Error{
				Kind:    KindAbort,
				Reason:  ReasonHedgeLoser,
				Message: attemptLabel(idx) + " cancelled by next hedge",
				Request: snapshotRequest(target),
			}

		case <-ctx.Done():
			if stageTimer != nil {
				stageTimer.Stop()
			}
			acancel(nil)
			if cause := context.Cause(ctx); cause != nil {
				return nil, nil, cause
			}
			return nil, nil, ctx.Err()
		}

		if h.opts.ExponentialBackoff {
			mult := h.opts.BackoffMultiplier
			if mult == 0 {
				mult = defaultHedgeMultiplier
			}
			delay = time.Duration(float64(delay) * mult)
		}
	}

	if cause := context.Cause(ctx); ctx.Err() != nil && cause != nil {
		return nil, nil, cause
	}
	return nil, nil, h.coordinationError(errs, HedgeCancelAndRetry)
}

// attemptContext derives a cancellable per-attempt context, bounded by
// PerAttemptTimeout when set.
func (h *hedger) attemptContext(parent context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if h.opts.PerAttemptTimeout > 0 {
		tctx, tcancel := context.WithTimeoutCause(ctx, h.opts.PerAttemptTimeout, causeTimeout)
		return tctx, func(cause error) {
			tcancel()
			cancel(cause)
		}
	}
	return ctx, cancel
}

// attemptRequest rotates attempt idx onto its server, when rotation is
// configured.
func (h *hedger) attemptRequest(req *PreparedRequest, idx int) (*PreparedRequest, error) {
	if len(h.opts.Servers) == 0 {
		return req, nil
	}
	server := h.opts.Servers[idx%len(h.opts.Servers)]
	rotated, err := rotateURL(req.URL, server)
	if err != nil {
		return nil, err
	}
	clone := req.Clone()
	clone.URL = rotated
	return clone, nil
}

// rotateURL retargets rawURL onto server. A server entry with a path
// becomes a full URL prefix; a bare origin swaps scheme and host while
// preserving path and query.
func rotateURL(rawURL, server string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", newConfigError("hedging: invalid request url %q: %v", rawURL, err)
	}
	s, err := url.Parse(server)
	if err != nil {
		return "", newConfigError("hedging: invalid server %q: %v", server, err)
	}

	if s.Path != "" && s.Path != "/" {
		prefix := strings.TrimSuffix(s.String(), "/")
		suffix := u.Path
		if u.RawQuery != "" {
			suffix += "?" + u.RawQuery
		}
		return prefix + suffix, nil
	}

	u.Scheme = s.Scheme
	u.Host = s.Host
	return u.String(), nil
}

// coordinationError wraps the per-attempt failures once every attempt
// has lost.
func (h *hedger) coordinationError(errs map[int]*Error, policy HedgePolicy) *Error {
	attempts := make([]*Error, 0, len(errs))
	for idx := 0; idx < len(errs)+1; idx++ {
		if e, ok := errs[idx]; ok {
			attempts = append(attempts, e)
		}
	}
	return &Error{
		Kind:     KindHedging,
		Message:  fmt.Sprintf("all %d hedged attempts failed (policy %s)", len(attempts), policy),
		Attempts: attempts,
	}
}
