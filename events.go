package luminara

import (
	"time"

	"github.com/rs/zerolog"
)

// EventType names a lifecycle transition emitted by the pipeline.
type EventType string

const (
	// EventStart fires once when a call enters the pipeline.
	EventStart EventType = "request:start"

	// EventAttempt fires before each attempt is dispatched.
	EventAttempt EventType = "request:attempt"

	// EventSuccess fires when an attempt produces a response.
	EventSuccess EventType = "request:success"

	// EventFail fires when an attempt fails, before the retry decision.
	EventFail EventType = "request:fail"

	// EventRetry fires when a failed attempt will be retried; Delay
	// carries the computed backoff.
	EventRetry EventType = "request:retry"

	// EventAbort fires when the call ends due to cancellation.
	EventAbort EventType = "request:abort"
)

// Event is the structured payload handed to event sinks. Sinks are
// opaque to the core and must not block.
type Event struct {
	// Type is the lifecycle transition.
	Type EventType

	// CallID identifies the call across its events.
	CallID string

	// Method and URL identify the request.
	Method string
	URL    string

	// Attempt is the 1-based attempt number, 0 for EventStart.
	Attempt int

	// Status is the HTTP status for EventSuccess, 0 otherwise.
	Status int

	// Err is the attempt error for EventFail, EventRetry, EventAbort.
	Err error

	// Delay is the computed backoff for EventRetry.
	Delay time.Duration

	// Elapsed is the time since the call entered the pipeline.
	Elapsed time.Duration

	// Time is when the event was emitted.
	Time time.Time
}

// EventSink receives lifecycle events. Sinks run synchronously on the
// calling goroutine; heavy work belongs elsewhere.
type EventSink func(Event)

// emitter fans one event out to every registered sink.
type emitter struct {
	sinks []EventSink
	start time.Time
}

func (e *emitter) emit(ev Event) {
	ev.Time = time.Now()
	ev.Elapsed = ev.Time.Sub(e.start)
	for _, sink := range e.sinks {
		sink(ev)
	}
}

// LogSink returns an event sink that writes each lifecycle event to a
// zerolog logger at debug level.
func LogSink(logger zerolog.Logger) EventSink {
	return func(ev Event) {
		entry := logger.Debug().
			Str("event", string(ev.Type)).
			Str("call_id", ev.CallID).
			Str("method", ev.Method).
			Str("url", ev.URL).
			Dur("elapsed", ev.Elapsed)
		if ev.Attempt > 0 {
			entry = entry.Int("attempt", ev.Attempt)
		}
		if ev.Status > 0 {
			entry = entry.Int("status", ev.Status)
		}
		if ev.Delay > 0 {
			entry = entry.Dur("delay", ev.Delay)
		}
		if ev.Err != nil {
			entry = entry.Err(ev.Err)
		}
		entry.Msg("http call")
	}
}
