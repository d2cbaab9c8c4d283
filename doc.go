// Package luminara provides a resilience-oriented HTTP client that
// layers retries, deduplication, debouncing, rate limiting, and
// request hedging around a pluggable transport.
//
// # Features
//
//   - Automatic retries with pluggable backoff strategies and
//     Retry-After awareness
//   - In-flight deduplication with a short-TTL completion cache
//   - Trailing-edge debouncing for bursty user-driven traffic
//   - Token-bucket rate limiting with global, per-domain, or
//     per-endpoint buckets and a FIFO overflow queue
//   - Request hedging (race and cancel-and-retry) with server rotation
//   - A plugin chain with request, response, and error hooks
//   - Lifecycle events feeding zerolog, Prometheus, or custom sinks
//   - One canonical error shape with a stable Kind taxonomy
//
// # Quick Start
//
//	client, err := luminara.New(
//	    luminara.WithBaseURL("https://api.example.com"),
//	    luminara.WithTimeout(10*time.Second),
//	    luminara.WithRetry(luminara.DefaultRetryOptions()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Get(ctx, "/users/42", nil)
//	if err != nil {
//	    var le *luminara.Error
//	    if errors.As(err, &le) && le.Kind == luminara.KindHTTP {
//	        // le.Status, le.Data carry the failing response
//	    }
//	    return err
//	}
//
//	var user User
//	if err := res.JSON(&user); err != nil {
//	    return err
//	}
//
// # Per-call overrides
//
// Every client-level setting can be replaced for a single call:
//
//	res, err := client.Get(ctx, "/search", &luminara.RequestOptions{
//	    Debounce: &luminara.DebounceOptions{Delay: 300 * time.Millisecond},
//	    Dedupe:   &luminara.DedupeOptions{CacheTTL: 2 * time.Second},
//	})
//
// # Error handling
//
// Every failure surfaces as exactly one *Error. Switch on Kind or use
// the helpers:
//
//	if luminara.IsTimeout(err) { ... }
//	if luminara.IsHTTPError(err) { ... }
package luminara
