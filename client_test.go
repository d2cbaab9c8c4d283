package luminara

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mock *MockDriver, extra ...Option) *Client {
	t.Helper()
	opts := append([]Option{WithDriver(mock)}, extra...)
	client, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink() EventSink {
	return func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func TestClientGetSuccess(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(200, `{"id":7,"name":"ada"}`)
	mock.WithResponseHeader("Content-Type", "application/json")
	client := newTestClient(t, mock, WithBaseURL("https://api.test"))

	res, err := client.Get(t.Context(), "/users/7", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)

	var user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, res.JSON(&user))
	assert.Equal(t, "ada", user.Name)

	last := mock.LastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "https://api.test/users/7", last.URL)
	assert.Equal(t, "GET", last.Method)
}

func TestClientRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueResponse(503, "unavailable")
	mock.EnqueueResponse(503, "unavailable")
	mock.EnqueueResponse(200, "ok")

	rec := &eventRecorder{}
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 3, Delay: time.Millisecond}),
		WithEventSink(rec.sink()),
	)

	res, err := client.Get(t.Context(), "https://api.test/flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, 3, mock.RequestCount())

	assert.Equal(t, []EventType{
		EventStart,
		EventAttempt, EventFail, EventRetry,
		EventAttempt, EventFail, EventRetry,
		EventAttempt, EventSuccess,
	}, rec.types())
}

func TestClientRetryExhaustion(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(503, "down")
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 2, Delay: time.Millisecond}),
	)

	_, err := client.Get(t.Context(), "https://api.test/down", nil)
	require.Error(t, err)
	assert.Equal(t, 3, mock.RequestCount())

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindHTTP, le.Kind)
	assert.Equal(t, 503, le.Status)
	assert.Equal(t, 3, le.Attempt)
}

func TestClientDoesNotRetryNonIdempotentNetworkErrors(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubError(assert.AnError)
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 3, Delay: time.Millisecond}),
	)

	_, err := client.Post(t.Context(), "https://api.test/orders", map[string]int{"qty": 1}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestClientPerCallRetryOverride(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(503, "down")
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 3, Delay: time.Millisecond}),
	)

	_, err := client.Get(t.Context(), "https://api.test/down", &RequestOptions{Retry: NoRetry()})
	require.Error(t, err)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueDelayed(500*time.Millisecond, 200, "late")
	client := newTestClient(t, mock)

	_, err := client.Get(t.Context(), "https://api.test/slow", &RequestOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ReasonTimeout, le.Reason)
}

func TestClientUserAbort(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueDelayed(time.Second, 200, "late")
	client := newTestClient(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Get(ctx, "https://api.test/slow", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsAbort(err))
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, ReasonUserAbort, le.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not observe cancellation")
	}
}

func TestClientDedupeCoalescesConcurrentGets(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueDelayed(50*time.Millisecond, 200, "shared")
	mock.StubResponse(200, "fresh")
	client := newTestClient(t, mock, WithDedupe(&DedupeOptions{}))

	var wg sync.WaitGroup
	bodies := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(context.Background(), "https://api.test/shared", nil)
			if assert.NoError(t, err) {
				bodies[i] = res.Text()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, mock.RequestCount())
	for _, body := range bodies {
		assert.Equal(t, "shared", body)
	}
}

func TestClientIgnoreHTTPErrorsPerCall(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(404, "missing")
	client := newTestClient(t, mock)

	_, err := client.Get(t.Context(), "https://api.test/x", nil)
	require.Error(t, err)

	ignore := true
	res, err := client.Get(t.Context(), "https://api.test/x", &RequestOptions{IgnoreHTTPErrors: &ignore})
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)
}

func TestClientPluginsSeeEveryAttempt(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueResponse(502, "bad")
	mock.EnqueueResponse(200, "ok")
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 2, Delay: time.Millisecond}),
	)

	var mu sync.Mutex
	var requests, failures, successes int
	client.RegisterPlugin(Plugin{
		Name: "counter",
		OnRequest: func(c *Context) error {
			mu.Lock()
			defer mu.Unlock()
			requests++
			c.Req.Headers.Set("X-Attempt", "yes")
			return nil
		},
		OnResponse: func(c *Context) error {
			mu.Lock()
			defer mu.Unlock()
			successes++
			return nil
		},
		OnResponseError: func(c *Context) error {
			mu.Lock()
			defer mu.Unlock()
			failures++
			return nil
		},
	})

	_, err := client.Get(t.Context(), "https://api.test/x", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, successes)
	assert.Equal(t, "yes", mock.LastRequest().Headers.Get("X-Attempt"))
}

func TestClientHedgingEndToEnd(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueDelayed(time.Second, 200, "slow primary")
	mock.EnqueueResponse(200, "fast hedge")
	client := newTestClient(t, mock,
		WithHedging(&HedgingOptions{Delay: 20 * time.Millisecond, MaxHedges: 1}),
	)

	var meta *HedgingMetadata
	client.RegisterPlugin(Plugin{
		Name: "capture-hedge",
		OnResponse: func(c *Context) error {
			meta = c.Hedging
			return nil
		},
	})

	start := time.Now()
	res, err := client.Get(t.Context(), "https://api.test/tail", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast hedge", res.Text())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NotNil(t, meta)
	assert.Equal(t, "hedge-1", meta.Winner)
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(200, "ok")
	client, err := New(WithDriver(mock))
	require.NoError(t, err)

	_, err = client.Get(t.Context(), "https://api.test/x", nil)
	require.NoError(t, err)

	client.Close()
	client.Close() // idempotent

	_, err = client.Get(t.Context(), "https://api.test/x", nil)
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindAbort, le.Kind)
	assert.Equal(t, ReasonShutdown, le.Reason)
}

func TestClientCloseAbortsInFlight(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueDelayed(5*time.Second, 200, "late")
	client, err := New(WithDriver(mock))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "https://api.test/slow", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, ReasonShutdown, le.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not aborted by Close")
	}
}

func TestClientConfigErrorsSurfaceTyped(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, NewMockDriver().StubResponse(200, "ok"))

	_, err := client.Get(t.Context(), "https://api.test/x", &RequestOptions{
		Dedupe: &DedupeOptions{Methods: []string{"GET"}, ExcludeMethods: []string{"POST"}},
	})
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindConfig, le.Kind)
}

func TestClientVerbHelpers(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver().StubResponse(200, "ok")
	client := newTestClient(t, mock)

	ctx := t.Context()
	_, err := client.Head(ctx, "https://api.test/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "HEAD", mock.LastRequest().Method)

	_, err = client.Options(ctx, "https://api.test/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "OPTIONS", mock.LastRequest().Method)

	_, err = client.Put(ctx, "https://api.test/x", map[string]int{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "PUT", mock.LastRequest().Method)
	assert.JSONEq(t, `{"a":1}`, string(mock.LastRequest().Body))

	_, err = client.Patch(ctx, "https://api.test/x", map[string]int{"b": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "PATCH", mock.LastRequest().Method)

	_, err = client.Delete(ctx, "https://api.test/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "DELETE", mock.LastRequest().Method)
}

func TestClientRetryAfterIsHonored(t *testing.T) {
	t.Parallel()

	mock := NewMockDriver()
	mock.EnqueueResponse(429, "slow down").WithResponseHeader("Retry-After", "1")
	mock.EnqueueResponse(200, "ok")
	client := newTestClient(t, mock,
		WithRetry(&RetryOptions{MaxRetries: 1, Delay: time.Millisecond, MaxDelay: 2 * time.Second}),
	)

	start := time.Now()
	res, err := client.Get(t.Context(), "https://api.test/limited", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}
