package luminara

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DedupeOptions configures in-flight coalescing and short-TTL burst
// protection for identical requests.
type DedupeOptions struct {
	// Disabled turns deduplication off for this scope. A per-call
	// Disabled wins over a client-level block.
	Disabled bool

	// KeyStrategy selects the identity key derivation.
	// Default: KeyMethodURL.
	KeyStrategy KeyStrategy

	// KeyFunc is the derivation for KeyCustom.
	KeyFunc KeyFunc

	// IncludeHeaders augments the key with the named header values.
	IncludeHeaders []string

	// Methods is an explicit whitelist. Mutually exclusive with
	// ExcludeMethods.
	Methods []string

	// ExcludeMethods lists verbs that bypass deduplication.
	// Default: POST, PUT, PATCH, DELETE (safe methods are deduped).
	ExcludeMethods []string

	// CacheTTL keeps completed results (including errors) servable for
	// this long after completion. Zero disables post-completion caching.
	CacheTTL time.Duration

	// MaxSize bounds the completed cache; oldest entries evict first.
	// In-flight entries are never evicted. Default: 128.
	MaxSize int

	// Condition, when set, must return true for a request to be
	// eligible.
	Condition func(req *PreparedRequest) bool
}

const defaultDedupeMaxSize = 128

// defaultDedupeExcludes mirrors HTTP method safety: mutating verbs are
// not coalesced unless explicitly whitelisted.
var defaultDedupeExcludes = []string{
	http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
}

// validate rejects contradictory settings at construction or first use.
func (o *DedupeOptions) validate() error {
	if o == nil {
		return nil
	}
	if len(o.Methods) > 0 && len(o.ExcludeMethods) > 0 {
		return newConfigError("dedupe: methods and excludeMethods are mutually exclusive")
	}
	if o.CacheTTL < 0 {
		return newConfigError("dedupe: cacheTtl must be >= 0")
	}
	if o.MaxSize < 0 {
		return newConfigError("dedupe: maxSize must be > 0")
	}
	if o.KeyStrategy == KeyCustom && o.KeyFunc == nil {
		return newConfigError("dedupe: custom key strategy requires a key function")
	}
	return nil
}

// applies reports whether the request is eligible for deduplication.
func (o *DedupeOptions) applies(req *PreparedRequest) bool {
	if o == nil || o.Disabled {
		return false
	}
	excludes := o.ExcludeMethods
	if len(o.Methods) == 0 && len(excludes) == 0 {
		excludes = defaultDedupeExcludes
	}
	if !methodAllowed(req.Method, o.Methods, excludes) {
		return false
	}
	if o.Condition != nil && !o.Condition(req) {
		return false
	}
	return true
}

// completedEntry is a finished call kept servable for the cache TTL.
type completedEntry struct {
	res         *Response
	err         error
	completedAt time.Time
}

// deduplicator coalesces concurrent identical requests through
// singleflight and serves recent completions from a TTL cache, so a
// burst of identical calls costs one driver invocation.
type deduplicator struct {
	group singleflight.Group

	mu        sync.Mutex
	completed map[string]*completedEntry
	order     []string
}

func newDeduplicator() *deduplicator {
	return &deduplicator{completed: make(map[string]*completedEntry)}
}

// execute returns an in-flight result for key when one exists, a
// cached completion when fresh, or runs fn and caches its outcome.
// Cached errors are re-surfaced untouched: that is the burst
// protection guarantee.
func (d *deduplicator) execute(ctx context.Context, key string, o *DedupeOptions, fn func(context.Context) (*Response, error)) (*Response, error, bool) {
	if entry, ok := d.lookup(key, o.CacheTTL); ok {
		return entry.res, entry.err, true
	}

	type outcome struct {
		res *Response
		err error
	}

	v, _, shared := d.group.Do(key, func() (any, error) {
		res, err := fn(ctx)
		d.store(key, o, res, err)
		return outcome{res: res, err: err}, nil
	})

	out := v.(outcome)
	return out.res, out.err, shared
}

// lookup serves a completed entry when it is still within TTL.
func (d *deduplicator) lookup(key string, ttl time.Duration) (*completedEntry, bool) {
	if ttl <= 0 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.completed[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.completedAt) > ttl {
		delete(d.completed, key)
		d.dropFromOrder(key)
		return nil, false
	}
	return entry, true
}

// store records a completed outcome and evicts the oldest entries when
// the cache overflows.
func (d *deduplicator) store(key string, o *DedupeOptions, res *Response, err error) {
	if o.CacheTTL <= 0 {
		return
	}
	maxSize := o.MaxSize
	if maxSize == 0 {
		maxSize = defaultDedupeMaxSize
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.completed[key]; !exists {
		d.order = append(d.order, key)
	}
	d.completed[key] = &completedEntry{res: res, err: err, completedAt: time.Now()}

	for len(d.completed) > maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.completed, oldest)
	}
}

func (d *deduplicator) dropFromOrder(key string) {
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// clear empties the completed cache. In-flight singleflight calls run
// to completion; their waiters are already bound to them.
func (d *deduplicator) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = make(map[string]*completedEntry)
	d.order = nil
}
