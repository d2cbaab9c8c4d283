package luminara

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failure into one of the canonical error families.
//
// Every error returned by the client is an *Error carrying exactly one
// Kind. Use errors.As to recover the *Error and switch on Kind, or use
// the Is* helpers (IsTimeout, IsAbort, ...) for the common checks.
type Kind string

const (
	// KindHTTP is a non-2xx response that reached the response
	// normalizer. Status and Data carry the status code and parsed body.
	KindHTTP Kind = "http"

	// KindTimeout means the per-call timeout elapsed before the
	// request completed.
	KindTimeout Kind = "timeout"

	// KindAbort is a cancellation not attributable to the timeout:
	// user cancellation, a superseded debounce, a hedge loser, a
	// dropped rate-limit ticket, or client shutdown.
	KindAbort Kind = "abort"

	// KindNetwork is a transport-level failure with no HTTP status
	// (DNS, connect, TLS, unexpected EOF).
	KindNetwork Kind = "network"

	// KindParse means the body could not be decoded as the requested
	// response type.
	KindParse Kind = "parse"

	// KindRateLimitDropped means the rate limiter queue was full and
	// the request was rejected without dispatch.
	KindRateLimitDropped Kind = "rate_limit_dropped"

	// KindConfig is an invalid static configuration.
	KindConfig Kind = "config"

	// KindHedging means every attempt in a hedge coordination failed.
	// Attempts carries the per-attempt failures.
	KindHedging Kind = "hedging"

	// KindUnknown is anything the normalizer could not classify.
	// Cause preserves the originating error.
	KindUnknown Kind = "unknown"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrRateLimitDropped is returned when the rate limiter queue is full.
	ErrRateLimitDropped = errors.New("luminara: rate limit queue full")

	// ErrClientClosed is returned for calls issued or pending after Close.
	ErrClientClosed = errors.New("luminara: client closed")

	// ErrDebounceReplaced is returned to a debounced waiter that was
	// superseded by a newer identical request.
	ErrDebounceReplaced = errors.New("luminara: replaced by newer request")
)

// CancelReason tags why a context was cancelled. The error normalizer
// reads the tag from context.Cause instead of string-sniffing messages.
type CancelReason int

const (
	// ReasonTimeout means the composite timeout timer elapsed.
	ReasonTimeout CancelReason = iota
	// ReasonUserAbort means the caller cancelled its context.
	ReasonUserAbort
	// ReasonHedgeLoser means a hedge coordination picked another winner.
	ReasonHedgeLoser
	// ReasonDebounceReplaced means a newer identical request superseded
	// this one while it was waiting out its debounce delay.
	ReasonDebounceReplaced
	// ReasonShutdown means the client was closed.
	ReasonShutdown
)

// String returns the reason name.
func (r CancelReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonUserAbort:
		return "user_abort"
	case ReasonHedgeLoser:
		return "hedge_loser"
	case ReasonDebounceReplaced:
		return "debounce_replaced"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// cancelCause is installed via context.WithCancelCause so abort causes
// survive propagation through nested contexts.
type cancelCause struct {
	reason CancelReason
}

func (c *cancelCause) Error() string {
	return "luminara: cancelled: " + c.reason.String()
}

// cancellation holds the pre-allocated causes handed to WithCancelCause.
var (
	causeTimeout          = &cancelCause{reason: ReasonTimeout}
	causeHedgeLoser       = &cancelCause{reason: ReasonHedgeLoser}
	causeDebounceReplaced = &cancelCause{reason: ReasonDebounceReplaced}
	causeShutdown         = &cancelCause{reason: ReasonShutdown}
)

// cancelReason extracts the tagged reason from a context's cause chain.
func cancelReason(ctx context.Context) (CancelReason, bool) {
	cause := context.Cause(ctx)
	if cause == nil {
		return 0, false
	}
	var cc *cancelCause
	if errors.As(cause, &cc) {
		return cc.reason, true
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return ReasonTimeout, true
	}
	if errors.Is(cause, context.Canceled) {
		return ReasonUserAbort, true
	}
	return 0, false
}

// RequestSnapshot is the redacted copy of the request attached to errors.
// The body is never carried; headers are copied by value.
type RequestSnapshot struct {
	Method  string
	URL     string
	Headers http.Header
	Body    string
}

// ResponseSnapshot is the response metadata attached to errors.
type ResponseSnapshot struct {
	Status     int
	StatusText string
	Headers    http.Header
	URL        string
}

// Error is the single failure shape produced by the client. Every
// throw site in the pipeline funnels through the normalizer, so a
// failed call always surfaces exactly one *Error.
type Error struct {
	// Kind is the canonical error family.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Status is the HTTP status code for KindHTTP errors, 0 otherwise.
	Status int

	// Data is the parsed response body for KindHTTP errors.
	Data any

	// Request is a redacted snapshot of the request that failed.
	Request *RequestSnapshot

	// Response is the response snapshot, when a response was received.
	Response *ResponseSnapshot

	// Attempt is the attempt number the error was produced on (1-based).
	Attempt int

	// Reason tags the cancellation cause for KindAbort and KindTimeout.
	Reason CancelReason

	// Attempts carries per-attempt failures for KindHedging.
	Attempts []*Error

	// Cause preserves the originating error when available.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("luminara: %s: %s", e.Kind, e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches errors of the same Kind, so
// errors.Is(err, &Error{Kind: KindTimeout}) works alongside the
// sentinel errors.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// IsTimeout reports whether err is a timeout failure.
func IsTimeout(err error) bool { return hasKind(err, KindTimeout) }

// IsAbort reports whether err is a cancellation failure.
func IsAbort(err error) bool { return hasKind(err, KindAbort) }

// IsHTTPError reports whether err is a non-2xx response failure.
func IsHTTPError(err error) bool { return hasKind(err, KindHTTP) }

// IsNetworkError reports whether err is a transport-level failure.
func IsNetworkError(err error) bool { return hasKind(err, KindNetwork) }

func hasKind(err error, kind Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}

func newConfigError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// snapshotRequest builds the redacted request snapshot.
func snapshotRequest(req *PreparedRequest) *RequestSnapshot {
	if req == nil {
		return nil
	}
	s := &RequestSnapshot{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers.Clone(),
	}
	if len(req.Body) > 0 {
		s.Body = "[redacted]"
	}
	return s
}

// snapshotResponse builds the response snapshot from a raw response.
func snapshotResponse(raw *RawResponse) *ResponseSnapshot {
	if raw == nil {
		return nil
	}
	return &ResponseSnapshot{
		Status:     raw.Status,
		StatusText: raw.StatusText,
		Headers:    raw.Headers.Clone(),
		URL:        raw.URL,
	}
}

// normalizeError converts any failure from the pipeline into a
// canonical *Error. Normalization is a fixed point: an *Error passes
// through unchanged.
func normalizeError(err error, ctx context.Context, req *PreparedRequest, attempt int) *Error {
	if err == nil {
		return nil
	}

	var le *Error
	if errors.As(err, &le) {
		if le.Attempt == 0 {
			le.Attempt = attempt
		}
		if le.Request == nil {
			le.Request = snapshotRequest(req)
		}
		return le
	}

	base := &Error{
		Attempt: attempt,
		Request: snapshotRequest(req),
		Cause:   err,
	}

	// Abort-like errors carry their reason through the context cause.
	if isAbortLike(err) {
		reason, tagged := reasonFor(err, ctx)
		if tagged && reason == ReasonTimeout {
			base.Kind = KindTimeout
			base.Reason = ReasonTimeout
			base.Message = "request timed out"
			return base
		}
		base.Kind = KindAbort
		base.Reason = reason
		base.Message = "request aborted (" + reason.String() + ")"
		switch reason {
		case ReasonDebounceReplaced:
			base.Cause = ErrDebounceReplaced
		case ReasonShutdown:
			base.Cause = ErrClientClosed
		}
		return base
	}

	if errors.Is(err, ErrRateLimitDropped) {
		base.Kind = KindRateLimitDropped
		base.Message = "rate limit queue full"
		return base
	}
	if errors.Is(err, ErrClientClosed) {
		base.Kind = KindAbort
		base.Reason = ReasonShutdown
		base.Message = "client closed"
		return base
	}

	if isNetworkLike(err) {
		base.Kind = KindNetwork
		base.Message = "network error"
		return base
	}

	base.Kind = KindUnknown
	base.Message = err.Error()
	return base
}

// isAbortLike reports whether err stems from context cancellation.
func isAbortLike(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var cc *cancelCause
	return errors.As(err, &cc)
}

// reasonFor resolves the cancel reason, preferring the error's own
// cause chain over the context's.
func reasonFor(err error, ctx context.Context) (CancelReason, bool) {
	var cc *cancelCause
	if errors.As(err, &cc) {
		return cc.reason, true
	}
	if ctx != nil {
		if reason, ok := cancelReason(ctx); ok {
			return reason, ok
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout, true
	}
	return ReasonUserAbort, true
}

// isNetworkLike reports whether err is a transport failure with no
// HTTP status attached.
func isNetworkLike(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return containsNetworkPattern(err)
}

// containsNetworkPattern is a fallback for wrapped errors from
// third-party transports where type checks fail.
func containsNetworkPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is down",
		"network unreachable",
		"broken pipe",
		"eof",
		"tls:",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// retryAfterCap bounds server-supplied Retry-After values.
const retryAfterCap = 5 * time.Minute

// parseRetryAfter reads a Retry-After header as either delta seconds
// or an HTTP date, capped at retryAfterCap. Returns 0 when absent or
// unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return capRetryAfter(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return capRetryAfter(d)
	}
	return 0
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > retryAfterCap {
		return retryAfterCap
	}
	return d
}
