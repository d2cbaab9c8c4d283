package luminara

import (
	"net/http"
	"time"
)

// RetryPolicy is a pure predicate deciding whether an attempt's error
// should be retried. A custom policy entirely replaces the default.
type RetryPolicy func(err *Error, info RetryInfo) bool

// RetryInfo is the decision context handed to a RetryPolicy.
type RetryInfo struct {
	// Request is the attempt's prepared request.
	Request *PreparedRequest

	// Attempt is the attempt that just failed (1-based).
	Attempt int

	// MaxAttempts is the total attempt budget (retries + 1).
	MaxAttempts int
}

// RetryOptions configures the retry orchestrator for a client or call.
type RetryOptions struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Zero disables retrying entirely.
	MaxRetries int

	// Delay is the base delay fed to the backoff strategy.
	// Default: 500ms.
	Delay time.Duration

	// DelayFunc computes the delay from the live call context. Wins
	// over Strategy when set.
	DelayFunc DelayFunc

	// Strategy names the delay progression. Default: BackoffLinear.
	Strategy BackoffStrategy

	// MaxDelay bounds capped strategies and the Retry-After floor.
	// Default: 5m.
	MaxDelay time.Duration

	// Delays is the schedule for BackoffCustom.
	Delays []time.Duration

	// RetryStatusCodes replaces the built-in retryable status set
	// while keeping the rest of the default policy.
	RetryStatusCodes []int

	// ShouldRetry replaces the default policy entirely.
	ShouldRetry RetryPolicy
}

// DefaultRetryOptions returns balanced defaults: 3 retries, 500ms base
// delay, capped exponential growth with jitter.
func DefaultRetryOptions() *RetryOptions {
	return &RetryOptions{
		MaxRetries: 3,
		Delay:      500 * time.Millisecond,
		Strategy:   BackoffExponentialJitter,
		MaxDelay:   30 * time.Second,
	}
}

// AggressiveRetryOptions returns a configuration for critical
// idempotent operations: 5 retries with a fast 200ms start.
func AggressiveRetryOptions() *RetryOptions {
	return &RetryOptions{
		MaxRetries: 5,
		Delay:      200 * time.Millisecond,
		Strategy:   BackoffExponentialJitter,
		MaxDelay:   60 * time.Second,
	}
}

// ConservativeRetryOptions returns a configuration for expensive or
// rate-limited services: 2 retries with a slow 1s start.
func ConservativeRetryOptions() *RetryOptions {
	return &RetryOptions{
		MaxRetries: 2,
		Delay:      time.Second,
		Strategy:   BackoffExponentialCapped,
		MaxDelay:   10 * time.Second,
	}
}

// NoRetry disables retrying entirely.
func NoRetry() *RetryOptions {
	return &RetryOptions{MaxRetries: 0}
}

// enabled reports whether the orchestrator should loop at all.
func (r *RetryOptions) enabled() bool {
	return r != nil && r.MaxRetries > 0
}

// policy returns the effective retry predicate.
func (r *RetryOptions) policy() RetryPolicy {
	if r.ShouldRetry != nil {
		return r.ShouldRetry
	}
	if len(r.RetryStatusCodes) > 0 {
		set := make(map[int]bool, len(r.RetryStatusCodes))
		for _, code := range r.RetryStatusCodes {
			set[code] = true
		}
		return func(err *Error, info RetryInfo) bool {
			return defaultShouldRetry(err, info, func(status int, _ bool) bool {
				return set[status]
			})
		}
	}
	return func(err *Error, info RetryInfo) bool {
		return defaultShouldRetry(err, info, defaultStatusRetryable)
	}
}

// idempotentMethods are the verbs the default policy is willing to
// retry automatically.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// isIdempotent reports whether the method is safe to retry.
func isIdempotent(method string) bool {
	return idempotentMethods[method]
}

// retryableIdempotent is the built-in retryable status set for
// idempotent methods.
var retryableIdempotent = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusConflict:            true, // 409
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// retryableNonIdempotent is the stricter set for non-idempotent methods.
var retryableNonIdempotent = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func defaultStatusRetryable(status int, idempotent bool) bool {
	if idempotent {
		return retryableIdempotent[status]
	}
	return retryableNonIdempotent[status]
}

// defaultShouldRetry applies the production-safe rules:
//   - never retry past the attempt budget
//   - retry aborts only when caused by timeout or hedge cancellation,
//     and only for idempotent methods
//   - never retry the per-call timeout (overridable via ShouldRetry)
//   - retry network errors for idempotent methods
//   - retry HTTP status errors per the retryable status set
func defaultShouldRetry(err *Error, info RetryInfo, statusRetryable func(status int, idempotent bool) bool) bool {
	if err == nil || info.Attempt >= info.MaxAttempts {
		return false
	}

	idempotent := info.Request != nil && isIdempotent(info.Request.Method)

	switch err.Kind {
	case KindAbort:
		// User-initiated cancellation and shutdown are final.
		switch err.Reason {
		case ReasonHedgeLoser:
			return idempotent
		default:
			return false
		}
	case KindTimeout:
		return false
	case KindNetwork:
		return idempotent
	case KindHTTP:
		return statusRetryable(err.Status, idempotent)
	case KindHedging:
		// Retry when any of the underlying attempts would retry.
		for _, attemptErr := range err.Attempts {
			if defaultShouldRetry(attemptErr, info, statusRetryable) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
