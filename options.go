package luminara

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Options is the client-level configuration. Every field can be
// overridden per call through Request.Options; resilience blocks
// replace as wholes, headers and query merge key-wise with the call
// winning on conflict.
type Options struct {
	// BaseURL is prepended to non-absolute request URLs.
	BaseURL string

	// Headers are merged into every request (call wins on key).
	Headers http.Header

	// Timeout is the default per-call timeout. Zero disables it.
	Timeout time.Duration

	// Retry configures the attempt loop. Nil disables retrying.
	Retry *RetryOptions

	// Dedupe configures in-flight coalescing. Nil disables it.
	Dedupe *DedupeOptions

	// Debounce configures trailing-edge collapse. Nil disables it.
	Debounce *DebounceOptions

	// RateLimit configures the token-bucket scheduler. Nil disables it.
	RateLimit *RateLimitOptions

	// Hedging configures speculative attempts. Nil disables it.
	Hedging *HedgingOptions

	// ResponseType selects the body-read strategy. Default: ResponseAuto.
	ResponseType ResponseType

	// ParseResponse replaces body decoding entirely when set.
	ParseResponse ParseFunc

	// IgnoreHTTPErrors returns a normal Response for non-2xx statuses
	// instead of a KindHTTP error.
	IgnoreHTTPErrors bool
}

// RequestOptions are the per-call overrides carried on a Request.
// Nil fields inherit the client-level value; non-nil resilience blocks
// replace the client's block for this call (set Disabled to turn a
// globally enabled feature off).
type RequestOptions struct {
	// Timeout overrides the per-call timeout when > 0.
	Timeout time.Duration

	// Retry overrides the retry block.
	Retry *RetryOptions

	// Dedupe overrides the dedupe block.
	Dedupe *DedupeOptions

	// Debounce overrides the debounce block.
	Debounce *DebounceOptions

	// RateLimit overrides the rate limit block.
	RateLimit *RateLimitOptions

	// Hedging overrides the hedging block.
	Hedging *HedgingOptions

	// ResponseType overrides the body-read strategy when non-empty.
	ResponseType ResponseType

	// ParseResponse overrides the decoder when set.
	ParseResponse ParseFunc

	// IgnoreHTTPErrors overrides the non-2xx behaviour when set.
	IgnoreHTTPErrors *bool
}

// merge layers per-call overrides over the client options, returning
// the effective snapshot for one call.
func (o Options) merge(ro *RequestOptions) *Options {
	eff := o
	if ro == nil {
		return &eff
	}
	if ro.Timeout > 0 {
		eff.Timeout = ro.Timeout
	}
	if ro.Retry != nil {
		eff.Retry = ro.Retry
	}
	if ro.Dedupe != nil {
		eff.Dedupe = ro.Dedupe
	}
	if ro.Debounce != nil {
		eff.Debounce = ro.Debounce
	}
	if ro.RateLimit != nil {
		eff.RateLimit = ro.RateLimit
	}
	if ro.Hedging != nil {
		eff.Hedging = ro.Hedging
	}
	if ro.ResponseType != "" {
		eff.ResponseType = ro.ResponseType
	}
	if ro.ParseResponse != nil {
		eff.ParseResponse = ro.ParseResponse
	}
	if ro.IgnoreHTTPErrors != nil {
		eff.IgnoreHTTPErrors = *ro.IgnoreHTTPErrors
	}
	return &eff
}

// validate checks every configured block. Contradictory settings fail
// with a KindConfig error at construction or first use.
func (o *Options) validate() error {
	if err := o.Dedupe.validate(); err != nil {
		return err
	}
	if err := o.Debounce.validate(); err != nil {
		return err
	}
	if o.RateLimit != nil && !o.RateLimit.Disabled {
		if err := o.RateLimit.validate(); err != nil {
			return err
		}
	}
	if err := o.Hedging.validate(); err != nil {
		return err
	}
	if o.Retry != nil && o.Retry.MaxRetries < 0 {
		return newConfigError("retry: maxRetries must be >= 0")
	}
	return nil
}

// clientConfig carries the full client state assembled by New.
type clientConfig struct {
	opts      Options
	driver    Driver
	transport TransportConfig
	sinks     []EventSink
	plugins   []Plugin
	logger    zerolog.Logger
	debug     bool
}

// Option configures the client.
type Option func(*clientConfig)

// WithBaseURL sets the base URL prepended to non-absolute request URLs.
func WithBaseURL(baseURL string) Option {
	return func(c *clientConfig) { c.opts.BaseURL = baseURL }
}

// WithHeader adds a default header applied to every request.
func WithHeader(key, value string) Option {
	return func(c *clientConfig) {
		if c.opts.Headers == nil {
			c.opts.Headers = make(http.Header)
		}
		c.opts.Headers.Set(key, value)
	}
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.opts.Timeout = d }
}

// WithRetry sets the client-level retry configuration.
func WithRetry(r *RetryOptions) Option {
	return func(c *clientConfig) { c.opts.Retry = r }
}

// WithDedupe sets the client-level deduplication configuration.
func WithDedupe(d *DedupeOptions) Option {
	return func(c *clientConfig) { c.opts.Dedupe = d }
}

// WithDebounce sets the client-level debounce configuration.
func WithDebounce(d *DebounceOptions) Option {
	return func(c *clientConfig) { c.opts.Debounce = d }
}

// WithRateLimit sets the client-level rate limit configuration.
func WithRateLimit(r *RateLimitOptions) Option {
	return func(c *clientConfig) { c.opts.RateLimit = r }
}

// WithHedging sets the client-level hedging configuration.
func WithHedging(h *HedgingOptions) Option {
	return func(c *clientConfig) { c.opts.Hedging = h }
}

// WithResponseType sets the default body-read strategy.
func WithResponseType(t ResponseType) Option {
	return func(c *clientConfig) { c.opts.ResponseType = t }
}

// WithParseResponse sets a custom response decoder.
func WithParseResponse(fn ParseFunc) Option {
	return func(c *clientConfig) { c.opts.ParseResponse = fn }
}

// WithIgnoreHTTPErrors makes non-2xx responses return normally instead
// of failing with a KindHTTP error.
func WithIgnoreHTTPErrors() Option {
	return func(c *clientConfig) { c.opts.IgnoreHTTPErrors = true }
}

// WithDriver replaces the transport driver. The default is a NetDriver
// built from the transport configuration.
func WithDriver(d Driver) Option {
	return func(c *clientConfig) { c.driver = d }
}

// WithTransportConfig tunes the default NetDriver's http.Transport.
// Ignored when WithDriver is set.
func WithTransportConfig(tc TransportConfig) Option {
	return func(c *clientConfig) { c.transport = tc }
}

// WithEventSink registers a lifecycle event sink. Multiple sinks fan out.
func WithEventSink(sink EventSink) Option {
	return func(c *clientConfig) { c.sinks = append(c.sinks, sink) }
}

// WithPlugin registers a plugin at construction time.
func WithPlugin(p Plugin) Option {
	return func(c *clientConfig) { c.plugins = append(c.plugins, p) }
}

// WithLogger sets the logger used by the debug sink.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithDebug logs every lifecycle event at debug level through the
// configured logger.
func WithDebug(enabled bool) Option {
	return func(c *clientConfig) { c.debug = enabled }
}
