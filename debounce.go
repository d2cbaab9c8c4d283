package luminara

import (
	"context"
	"sync"
	"time"
)

// DebounceOptions delays execution so a burst of identical requests
// collapses into the trailing one. Unlike deduplication this is about
// user intent, not idempotency, so all methods debounce by default.
type DebounceOptions struct {
	// Disabled turns debouncing off for this scope.
	Disabled bool

	// Delay is how long a request waits for a superseding identical
	// request before it executes.
	Delay time.Duration

	// Methods is an explicit whitelist. Mutually exclusive with
	// ExcludeMethods.
	Methods []string

	// ExcludeMethods lists verbs that bypass debouncing.
	ExcludeMethods []string

	// KeyStrategy selects the identity key derivation.
	// Default: KeyMethodURL.
	KeyStrategy KeyStrategy

	// KeyFunc is the derivation for KeyCustom.
	KeyFunc KeyFunc
}

// validate rejects contradictory settings.
func (o *DebounceOptions) validate() error {
	if o == nil {
		return nil
	}
	if len(o.Methods) > 0 && len(o.ExcludeMethods) > 0 {
		return newConfigError("debounce: methods and excludeMethods are mutually exclusive")
	}
	if o.Delay < 0 {
		return newConfigError("debounce: delayMs must be >= 0")
	}
	if o.KeyStrategy == KeyCustom && o.KeyFunc == nil {
		return newConfigError("debounce: custom key strategy requires a key function")
	}
	return nil
}

// applies reports whether the request is eligible for debouncing.
func (o *DebounceOptions) applies(req *PreparedRequest) bool {
	if o == nil || o.Disabled || o.Delay <= 0 {
		return false
	}
	return methodAllowed(req.Method, o.Methods, o.ExcludeMethods)
}

// debounceSlot is the pending request for one key. At most one slot
// exists per key; a newer identical request aborts and replaces it.
type debounceSlot struct {
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// debouncer holds the per-key slots for one client.
type debouncer struct {
	mu    sync.Mutex
	slots map[string]*debounceSlot
}

func newDebouncer() *debouncer {
	return &debouncer{slots: make(map[string]*debounceSlot)}
}

// execute waits out the debounce delay and then runs fn, unless a
// newer identical request arrives first, in which case this waiter is
// rejected with the replaced cause. The caller's context aborts the
// pending delay; once the timer fires, fn runs under a slot context
// that a later replacement can no longer touch.
func (d *debouncer) execute(ctx context.Context, key string, delay time.Duration, fn func(context.Context) (*Response, error)) (*Response, error) {
	sctx, cancel := context.WithCancelCause(ctx)
	timer := time.NewTimer(delay)

	slot := &debounceSlot{cancel: cancel, timer: timer}

	d.mu.Lock()
	if prev, ok := d.slots[key]; ok {
		prev.timer.Stop()
		prev.cancel(causeDebounceReplaced)
	}
	d.slots[key] = slot
	d.mu.Unlock()

	defer timer.Stop()

	select {
	case <-timer.C:
		// Fired: detach the slot so a later request starts fresh
		// instead of aborting an execution already underway.
		d.mu.Lock()
		if d.slots[key] == slot {
			delete(d.slots, key)
		}
		d.mu.Unlock()
		return fn(sctx)

	case <-sctx.Done():
		d.mu.Lock()
		if d.slots[key] == slot {
			delete(d.slots, key)
		}
		d.mu.Unlock()
		return nil, context.Cause(sctx)
	}
}

// clear aborts every pending slot with the shutdown cause.
func (d *debouncer) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, slot := range d.slots {
		slot.timer.Stop()
		slot.cancel(causeShutdown)
		delete(d.slots, key)
	}
}
