package luminara

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffStrategy names a delay progression for retries.
type BackoffStrategy string

const (
	// BackoffLinear waits the base delay on every retry.
	BackoffLinear BackoffStrategy = "linear"

	// BackoffExponential waits 2^(n-1) x base on retry n.
	BackoffExponential BackoffStrategy = "exponential"

	// BackoffExponentialCapped is BackoffExponential bounded by MaxDelay.
	BackoffExponentialCapped BackoffStrategy = "exponential-capped"

	// BackoffFibonacci waits fib(n) x base with fib(1)=fib(2)=1.
	BackoffFibonacci BackoffStrategy = "fibonacci"

	// BackoffJitter waits base + rand x base.
	BackoffJitter BackoffStrategy = "jitter"

	// BackoffExponentialJitter is the capped exponential delay plus
	// rand x base.
	BackoffExponentialJitter BackoffStrategy = "exponential-jitter"

	// BackoffCustom walks the Delays slice, clamping to its last entry.
	BackoffCustom BackoffStrategy = "custom"
)

// DelayFunc computes a retry delay from the live call context. When
// set on RetryOptions it wins over any named strategy.
type DelayFunc func(c *Context) time.Duration

// defaultMaxDelay bounds capped strategies when MaxDelay is unset.
const defaultMaxDelay = 5 * time.Minute

// backoffDelay computes the delay before retry attempt n (1-based,
// counting the attempt that just failed). Precedence: DelayFunc >
// strategy > linear. The result is raised to any server Retry-After;
// an explicitly set MaxDelay bounds the final value, while the capped
// strategies fall back to a 5 minute ceiling of their own.
func backoffDelay(c *Context, r *RetryOptions) time.Duration {
	base := r.Delay
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var delay time.Duration
	switch {
	case r.DelayFunc != nil:
		delay = r.DelayFunc(c)
	default:
		delay = strategyDelay(c.Attempt, base, maxDelay, r.Strategy, r.Delays)
	}

	// A Retry-After from the server raises the floor. The hint itself
	// is bounded at parse time, and an explicit MaxDelay bounds the
	// final value.
	if after := retryAfterFor(c); after > delay {
		delay = after
	}
	if r.MaxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// strategyDelay evaluates a named strategy for attempt n.
func strategyDelay(n int, base, maxDelay time.Duration, strategy BackoffStrategy, delays []time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	switch strategy {
	case BackoffLinear, "":
		return base
	case BackoffExponential:
		return exponential(n, base)
	case BackoffExponentialCapped:
		return minDuration(exponential(n, base), maxDelay)
	case BackoffFibonacci:
		return time.Duration(fib(n)) * base
	case BackoffJitter:
		return base + randomScaled(base)
	case BackoffExponentialJitter:
		return minDuration(exponential(n, base), maxDelay) + randomScaled(base)
	case BackoffCustom:
		if len(delays) == 0 {
			return base
		}
		idx := n - 1
		if idx >= len(delays) {
			idx = len(delays) - 1
		}
		return delays[idx]
	default:
		return base
	}
}

// exponential computes 2^(n-1) x base, saturating on overflow.
func exponential(n int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := n - 1
	if shift > 40 {
		shift = 40
	}
	return base << shift
}

// fib returns the n-th Fibonacci number with fib(1)=fib(2)=1.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// randomScaled returns a uniform duration in [0, base).
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func randomScaled(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

// applyJitterRange multiplies d by 1 +/- range.
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func applyJitterRange(d time.Duration, jitterRange float64) time.Duration {
	if jitterRange <= 0 {
		return d
	}
	if jitterRange > 1 {
		jitterRange = 1
	}
	factor := 1 + (rand.Float64()*2-1)*jitterRange
	return time.Duration(float64(d) * factor)
}

// retryAfterFor reads the Retry-After hint from the attempt's
// response snapshot, when one exists.
func retryAfterFor(c *Context) time.Duration {
	if c == nil || c.Err == nil || c.Err.Response == nil {
		return 0
	}
	return parseRetryAfter(c.Err.Response.Headers)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// retryBackOff adapts the calculator to backoff.BackOff so the
// orchestrator can drive the attempt loop through backoff.Retry. It
// reads the live call context on every step, which is how per-attempt
// state (Retry-After, DelayFunc inputs) reaches the calculation.
type retryBackOff struct {
	c *Context
	r *RetryOptions
}

var _ backoff.BackOff = (*retryBackOff)(nil)

// NextBackOff returns the delay before the next attempt.
func (b *retryBackOff) NextBackOff() time.Duration {
	return backoffDelay(b.c, b.r)
}

// Reset is a no-op: attempt state lives on the call context.
func (b *retryBackOff) Reset() {}
