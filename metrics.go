package luminara

import (
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes the request lifecycle as Prometheus metrics.
// It consumes lifecycle events through Sink, so one collector can serve
// several clients. Safe for concurrent use.
type MetricsCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	abortsTotal     *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the
// supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "luminara_requests_total",
				Help: "Total number of HTTP calls completed with a response",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "luminara_request_duration_seconds",
				Help:    "Duration of HTTP calls in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		attemptsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "luminara_attempts_total",
				Help: "Total number of dispatched attempts",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "luminara_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "luminara_errors_total",
				Help: "Total number of failed attempts by error kind",
			},
			[]string{"method", "endpoint", "kind"},
		),
		abortsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "luminara_aborts_total",
				Help: "Total number of calls ended by cancellation",
			},
			[]string{"method", "endpoint", "reason"},
		),
	}
}

// Sink returns the EventSink feeding this collector.
func (mc *MetricsCollector) Sink() EventSink {
	return func(ev Event) {
		endpoint := endpointLabel(ev.URL)
		switch ev.Type {
		case EventAttempt:
			mc.attemptsTotal.WithLabelValues(ev.Method, endpoint).Inc()
		case EventRetry:
			mc.retriesTotal.WithLabelValues(ev.Method, endpoint).Inc()
		case EventSuccess:
			status := strconv.Itoa(ev.Status)
			mc.requestsTotal.WithLabelValues(ev.Method, status, endpoint).Inc()
			mc.requestDuration.WithLabelValues(ev.Method, status, endpoint).Observe(ev.Elapsed.Seconds())
		case EventFail:
			kind := string(KindUnknown)
			if le, ok := ev.Err.(*Error); ok {
				kind = string(le.Kind)
			}
			mc.errorsTotal.WithLabelValues(ev.Method, endpoint, kind).Inc()
		case EventAbort:
			reason := "unknown"
			if le, ok := ev.Err.(*Error); ok {
				reason = le.Reason.String()
			}
			mc.abortsTotal.WithLabelValues(ev.Method, endpoint, reason).Inc()
		}
	}
}

// endpointLabel reduces a URL to host+path so metric cardinality stays
// bounded by the API surface, not by query strings.
func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Host + u.Path
}
