package luminara

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimitScope is the granularity at which buckets are maintained.
type RateLimitScope string

const (
	// ScopeGlobal shares one bucket across every request.
	ScopeGlobal RateLimitScope = "global"

	// ScopeDomain keeps one bucket per hostname.
	ScopeDomain RateLimitScope = "domain"

	// ScopeEndpoint keeps one bucket per method + host + path.
	ScopeEndpoint RateLimitScope = "endpoint"
)

// RateLimitOptions configures the token-bucket-backed queued scheduler.
// Exactly one of RPS, RPM, or Limit+Window selects the rate.
type RateLimitOptions struct {
	// Disabled turns rate limiting off for this scope.
	Disabled bool

	// RPS is the sustained requests-per-second rate.
	RPS float64

	// RPM is the sustained requests-per-minute rate.
	RPM float64

	// Limit is the number of requests allowed per Window.
	Limit int

	// Window is the interval for Limit.
	Window time.Duration

	// Burst caps how far the bucket fills. Defaults to Limit, or to
	// the ceiling of the per-second rate.
	Burst int

	// Scope selects the bucket granularity. Default: ScopeGlobal.
	Scope RateLimitScope

	// MaxConcurrent caps in-flight requests across all buckets.
	// Zero means unbounded.
	MaxConcurrent int64

	// QueueLimit caps the total number of queued tickets. Zero means
	// unbounded. Overflow rejects with ErrRateLimitDropped.
	QueueLimit int

	// Tick is the sweep interval for dispatching queued tickets.
	// Default: 25ms.
	Tick time.Duration

	// Include restricts limiting to matching URL paths (exact or glob
	// with '*'); non-matches bypass the limiter entirely.
	Include []string

	// Exclude lets matching URL paths bypass the limiter. When both
	// Include and Exclude match, Exclude wins.
	Exclude []string

	// IncludePatterns and ExcludePatterns are the regexp forms of
	// Include and Exclude.
	IncludePatterns []*regexp.Regexp
	ExcludePatterns []*regexp.Regexp
}

const defaultSweepTick = 25 * time.Millisecond

// validate rejects contradictory or meaningless rate settings.
func (o *RateLimitOptions) validate() error {
	if o == nil {
		return nil
	}
	set := 0
	if o.RPS > 0 {
		set++
	}
	if o.RPM > 0 {
		set++
	}
	if o.Limit > 0 || o.Window > 0 {
		if o.Limit <= 0 || o.Window <= 0 {
			return newConfigError("rateLimit: limit and windowMs must be set together")
		}
		set++
	}
	if set == 0 {
		return newConfigError("rateLimit: one of rps, rpm, or limit+windowMs is required")
	}
	if set > 1 {
		return newConfigError("rateLimit: rps, rpm, and limit+windowMs are mutually exclusive")
	}
	if o.Burst < 0 || o.QueueLimit < 0 || o.MaxConcurrent < 0 {
		return newConfigError("rateLimit: burst, queueLimit, and maxConcurrent must be >= 0")
	}
	return nil
}

// ratePerSecond normalizes the three rate forms into one number.
func (o *RateLimitOptions) ratePerSecond() float64 {
	switch {
	case o.RPS > 0:
		return o.RPS
	case o.RPM > 0:
		return o.RPM / 60
	case o.Limit > 0 && o.Window > 0:
		return float64(o.Limit) / o.Window.Seconds()
	default:
		return 0
	}
}

// burstCapacity resolves the effective burst: explicit, else the
// window limit, else the ceiling of the per-second rate.
func (o *RateLimitOptions) burstCapacity() int {
	if o.Burst > 0 {
		return o.Burst
	}
	if o.Limit > 0 {
		return o.Limit
	}
	b := int(math.Ceil(o.ratePerSecond()))
	if b < 1 {
		b = 1
	}
	return b
}

func (o *RateLimitOptions) tick() time.Duration {
	if o.Tick > 0 {
		return o.Tick
	}
	return defaultSweepTick
}

// rlTicket is one queued slot awaiting dispatch. The sweeper closes
// ready exactly once, setting err first when the ticket is rejected.
type rlTicket struct {
	ready chan struct{}
	err   error
}

// rlBucket is the per-scope token bucket plus its FIFO queue.
type rlBucket struct {
	limiter *rate.Limiter
	queue   []*rlTicket
}

// RateLimiterStats is a point-in-time snapshot of one bucket.
type RateLimiterStats struct {
	// Limit is the sustained rate per second.
	Limit float64
	// Burst is the bucket capacity.
	Burst int
	// TokensAvailable is the current token count.
	TokensAvailable float64
	// Queued is the number of tickets waiting on this bucket.
	Queued int
}

// rateLimiter schedules requests through per-scope token buckets with
// FIFO queues, a client-wide concurrency cap, and a sweep loop that
// dispatches queued tickets as tokens refill.
type rateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*rlBucket
	queuedTotal int
	inflightSem *semaphore.Weighted
	sweeping    bool
	closed      bool
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*rlBucket)}
}

// schedule runs fn immediately when a token and a concurrency slot are
// available and the bucket queue is empty; otherwise the call joins
// the FIFO queue until the sweeper dispatches it.
func (rl *rateLimiter) schedule(ctx context.Context, req *PreparedRequest, o *RateLimitOptions, fn func(context.Context) (*Response, error)) (*Response, error) {
	key, limited := scopeKey(req, o)
	if !limited {
		return fn(ctx)
	}

	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil, ErrClientClosed
	}
	if rl.inflightSem == nil && o.MaxConcurrent > 0 {
		rl.inflightSem = semaphore.NewWeighted(o.MaxConcurrent)
	}

	b := rl.bucketLocked(key, o)

	// Fast path: nothing queued ahead of us and capacity is available.
	if len(b.queue) == 0 && rl.tryAcquireLocked(b) {
		rl.mu.Unlock()
		return rl.run(ctx, fn)
	}

	if o.QueueLimit > 0 && rl.queuedTotal >= o.QueueLimit {
		rl.mu.Unlock()
		return nil, ErrRateLimitDropped
	}

	tk := &rlTicket{ready: make(chan struct{})}
	b.queue = append(b.queue, tk)
	rl.queuedTotal++
	rl.startSweeperLocked(o.tick())
	rl.mu.Unlock()

	select {
	case <-tk.ready:
		if tk.err != nil {
			return nil, tk.err
		}
		return rl.run(ctx, fn)
	case <-ctx.Done():
		if !rl.removeTicket(b, tk) {
			// The sweeper dispatched this ticket before the waiter could
			// withdraw it. The grant holds a token and a concurrency
			// slot; give the slot back so it cannot leak.
			<-tk.ready
			if tk.err == nil {
				rl.mu.Lock()
				if rl.inflightSem != nil {
					rl.inflightSem.Release(1)
				}
				rl.dispatchLocked()
				rl.mu.Unlock()
			}
		}
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, ctx.Err()
	}
}

// run executes a dispatched call and returns its concurrency slot.
func (rl *rateLimiter) run(ctx context.Context, fn func(context.Context) (*Response, error)) (*Response, error) {
	res, err := fn(ctx)

	rl.mu.Lock()
	if rl.inflightSem != nil {
		rl.inflightSem.Release(1)
	}
	// Hand the freed slot to queued work without waiting for the tick.
	rl.dispatchLocked()
	rl.mu.Unlock()

	return res, err
}

// bucketLocked returns the bucket for key, creating it with the
// effective rate on first use.
func (rl *rateLimiter) bucketLocked(key string, o *RateLimitOptions) *rlBucket {
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b := &rlBucket{
		limiter: rate.NewLimiter(rate.Limit(o.ratePerSecond()), o.burstCapacity()),
	}
	rl.buckets[key] = b
	return b
}

// tryAcquireLocked claims a concurrency slot and a token, undoing the
// slot when no token is available. A ticket is dispatched at most once.
func (rl *rateLimiter) tryAcquireLocked(b *rlBucket) bool {
	if rl.inflightSem != nil && !rl.inflightSem.TryAcquire(1) {
		return false
	}
	if !b.limiter.Allow() {
		if rl.inflightSem != nil {
			rl.inflightSem.Release(1)
		}
		return false
	}
	return true
}

// dispatchLocked releases as many queue heads as tokens and
// concurrency allow. FIFO holds within a bucket; ordering across
// buckets is unspecified.
func (rl *rateLimiter) dispatchLocked() {
	for _, b := range rl.buckets {
		for len(b.queue) > 0 {
			if !rl.tryAcquireLocked(b) {
				break
			}
			head := b.queue[0]
			b.queue = b.queue[1:]
			rl.queuedTotal--
			close(head.ready)
		}
	}
}

// startSweeperLocked launches the sweep loop if it is not running.
// The loop exits on its own once every queue drains, so start/stop is
// idempotent.
func (rl *rateLimiter) startSweeperLocked(tick time.Duration) {
	if rl.sweeping {
		return
	}
	rl.sweeping = true

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for range ticker.C {
			rl.mu.Lock()
			rl.dispatchLocked()
			if rl.queuedTotal == 0 || rl.closed {
				rl.sweeping = false
				rl.mu.Unlock()
				return
			}
			rl.mu.Unlock()
		}
	}()
}

// removeTicket drops a cancelled ticket from its queue. It reports
// false when the ticket is gone already, which means the sweeper
// dispatched it (or clear rejected it) and its ready channel is closed.
func (rl *rateLimiter) removeTicket(b *rlBucket, tk *rlTicket) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, queued := range b.queue {
		if queued == tk {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			rl.queuedTotal--
			return true
		}
	}
	return false
}

// stats returns a snapshot of the bucket for key, if it exists.
func (rl *rateLimiter) stats(key string) (RateLimiterStats, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		return RateLimiterStats{}, false
	}
	return RateLimiterStats{
		Limit:           float64(b.limiter.Limit()),
		Burst:           b.limiter.Burst(),
		TokensAvailable: b.limiter.Tokens(),
		Queued:          len(b.queue),
	}, true
}

// clear rejects every queued ticket with the shutdown error and drops
// all buckets.
func (rl *rateLimiter) clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.closed = true
	for _, b := range rl.buckets {
		for _, tk := range b.queue {
			tk.err = ErrClientClosed
			close(tk.ready)
		}
		b.queue = nil
	}
	rl.queuedTotal = 0
	rl.buckets = make(map[string]*rlBucket)
}

// scopeKey derives the bucket key for a request. The second return is
// false when the path bypasses limiting via the include/exclude
// patterns.
func scopeKey(req *PreparedRequest, o *RateLimitOptions) (string, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "global", true
	}

	if !pathLimited(u.Path, o) {
		return "", false
	}

	switch o.Scope {
	case ScopeDomain:
		return "domain:" + u.Host, true
	case ScopeEndpoint:
		return "endpoint:" + req.Method + " " + u.Host + u.Path, true
	default:
		return "global", true
	}
}

// pathLimited applies the include/exclude patterns. Exclude wins when
// both match; an Include list implicitly excludes non-matches.
func pathLimited(path string, o *RateLimitOptions) bool {
	if matchesAny(path, o.Exclude, o.ExcludePatterns) {
		return false
	}
	if len(o.Include) > 0 || len(o.IncludePatterns) > 0 {
		return matchesAny(path, o.Include, o.IncludePatterns)
	}
	return true
}

func matchesAny(path string, globs []string, patterns []*regexp.Regexp) bool {
	for _, g := range globs {
		if globMatch(g, path) {
			return true
		}
	}
	for _, p := range patterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

// globMatch matches pattern against path where '*' spans any run of
// characters, including separators.
func globMatch(pattern, path string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == path
	}
	parts := strings.Split(pattern, "*")
	rest := path
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	// A pattern not ending in '*' must consume the whole path.
	if parts[len(parts)-1] != "" && rest != "" {
		return false
	}
	return true
}
