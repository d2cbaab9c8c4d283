package luminara

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	mock := NewMockDriver()
	mock.EnqueueResponse(503, "down")
	mock.EnqueueResponse(200, "ok")
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 2, Delay: time.Millisecond}),
		WithEventSink(mc.Sink()),
	)

	_, err := client.Get(t.Context(), "https://api.test/users", nil)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		mc.attemptsTotal.WithLabelValues("GET", "api.test/users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		mc.retriesTotal.WithLabelValues("GET", "api.test/users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		mc.errorsTotal.WithLabelValues("GET", "api.test/users", "http")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		mc.requestsTotal.WithLabelValues("GET", "200", "api.test/users")))
}

func TestMetricsCollectorAborts(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	mock := NewMockDriver()
	mock.EnqueueDelayed(time.Second, 200, "late")
	client := newTestClient(t, mock, WithEventSink(mc.Sink()))

	_, err := client.Get(t.Context(), "https://api.test/slow", &RequestOptions{Timeout: 10 * time.Millisecond})
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		mc.abortsTotal.WithLabelValues("GET", "api.test/slow", "timeout")))
}

func TestEndpointLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "api.test/users", endpointLabel("https://api.test/users?page=2"))
	assert.Equal(t, "api.test/", endpointLabel("https://api.test/"))
}
