package luminara

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHedgingOptionsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    *HedgingOptions
		wantErr bool
	}{
		{name: "given nil, then valid", opts: nil},
		{name: "given race defaults, then valid", opts: &HedgingOptions{Delay: time.Second, MaxHedges: 2}},
		{name: "given unknown policy, then config error", opts: &HedgingOptions{Policy: "shotgun"}, wantErr: true},
		{name: "given negative delay, then config error", opts: &HedgingOptions{Delay: -1}, wantErr: true},
		{name: "given multiplier below one, then config error", opts: &HedgingOptions{BackoffMultiplier: 0.5}, wantErr: true},
		{name: "given jitter range above one, then config error", opts: &HedgingOptions{JitterRange: 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.opts.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHedgingOptionsApplies(t *testing.T) {
	t.Parallel()

	o := &HedgingOptions{Delay: time.Millisecond, MaxHedges: 1}
	assert.True(t, o.applies(preparedFor("GET", "https://api.test/x")))
	assert.False(t, o.applies(preparedFor("POST", "https://api.test/x")))

	opted := &HedgingOptions{Delay: time.Millisecond, MaxHedges: 1, Methods: []string{"POST"}}
	assert.True(t, opted.applies(preparedFor("POST", "https://api.test/x")))

	assert.False(t, (&HedgingOptions{Delay: time.Millisecond}).applies(preparedFor("GET", "https://api.test/x")))
}

func TestHedgeRacePrimaryWins(t *testing.T) {
	t.Parallel()

	h := &hedger{opts: &HedgingOptions{Delay: 200 * time.Millisecond, MaxHedges: 2}}
	var launches atomic.Int32

	res, meta, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
		func(ctx context.Context, req *PreparedRequest) (*Response, error) {
			launches.Add(1)
			return &Response{Status: 200}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	require.NotNil(t, meta)
	assert.Equal(t, "primary", meta.Winner)
	assert.Equal(t, 0, meta.Index)
	assert.Equal(t, 1, meta.AttemptsLaunched)
	assert.Equal(t, int32(1), launches.Load())
}

func TestHedgeRaceHedgeWins(t *testing.T) {
	t.Parallel()

	h := &hedger{opts: &HedgingOptions{Delay: 20 * time.Millisecond, MaxHedges: 1}}
	var idx atomic.Int32

	res, meta, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
		func(ctx context.Context, req *PreparedRequest) (*Response, error) {
			n := idx.Add(1)
			if n == 1 {
				// Primary stalls until cancelled by cleanup or wins late.
				select {
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				case <-time.After(2 * time.Second):
					return &Response{Status: 200}, nil
				}
			}
			return &Response{Status: 201}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)
	require.NotNil(t, meta)
	assert.Equal(t, "hedge-1", meta.Winner)
	assert.Equal(t, 1, meta.Index)
	assert.Equal(t, 2, meta.AttemptsLaunched)
	assert.GreaterOrEqual(t, meta.LatencySaved, 20*time.Millisecond)
}

func TestHedgeRaceAllFail(t *testing.T) {
	t.Parallel()

	h := &hedger{opts: &HedgingOptions{Delay: 5 * time.Millisecond, MaxHedges: 2}}

	_, meta, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
		func(ctx context.Context, req *PreparedRequest) (*Response, error) {
			return nil, &Error{Kind: KindHTTP, Status: 502}
		})

	require.Error(t, err)
	assert.Nil(t, meta)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindHedging, le.Kind)
	assert.Len(t, le.Attempts, 3)
	for _, attempt := range le.Attempts {
		assert.Equal(t, 502, attempt.Status)
	}
}

func TestHedgeRaceBadRotationServerKeepsPrimary(t *testing.T) {
	t.Parallel()

	h := &hedger{opts: &HedgingOptions{
		Delay:     5 * time.Millisecond,
		MaxHedges: 1,
		Servers:   []string{"https://primary.test", "://bad"},
	}}

	res, meta, err := h.execute(context.Background(), preparedFor("GET", "https://orig.test/x"),
		func(ctx context.Context, req *PreparedRequest) (*Response, error) {
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-time.After(50 * time.Millisecond):
				return &Response{Status: 200}, nil
			}
		})

	// The hedge never launches because its server fails to parse, but
	// the in-flight primary still decides the coordination.
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	require.NotNil(t, meta)
	assert.Equal(t, "primary", meta.Winner)
	assert.Equal(t, 1, meta.AttemptsLaunched)
}

func TestHedgeRaceOverlappingLaunches(t *testing.T) {
	t.Parallel()

	// Attempts finish while later hedge timers are still firing, so
	// launches and results interleave on every iteration.
	h := &hedger{opts: &HedgingOptions{Delay: time.Millisecond, MaxHedges: 3}}

	for i := 0; i < 25; i++ {
		res, meta, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
			func(ctx context.Context, req *PreparedRequest) (*Response, error) {
				time.Sleep(3 * time.Millisecond)
				return &Response{Status: 200}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		require.NotNil(t, meta)
	}
}

func TestHedgeCancelAndRetry(t *testing.T) {
	t.Parallel()

	t.Run("given a slow primary, then the stage timer moves on", func(t *testing.T) {
		t.Parallel()
		h := &hedger{opts: &HedgingOptions{
			Policy:    HedgeCancelAndRetry,
			Delay:     20 * time.Millisecond,
			MaxHedges: 1,
		}}
		var idx atomic.Int32
		var primaryCancelled atomic.Bool

		res, meta, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
			func(ctx context.Context, req *PreparedRequest) (*Response, error) {
				if idx.Add(1) == 1 {
					<-ctx.Done()
					primaryCancelled.Store(true)
					return nil, context.Cause(ctx)
				}
				return &Response{Status: 200}, nil
			})

		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		require.NotNil(t, meta)
		assert.Equal(t, "hedge-1", meta.Winner)
		assert.Eventually(t, primaryCancelled.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("given a fast failure, then the next attempt starts immediately", func(t *testing.T) {
		t.Parallel()
		h := &hedger{opts: &HedgingOptions{
			Policy:    HedgeCancelAndRetry,
			Delay:     10 * time.Second,
			MaxHedges: 1,
		}}
		var idx atomic.Int32

		start := time.Now()
		res, _, err := h.execute(context.Background(), preparedFor("GET", "https://api.test/x"),
			func(ctx context.Context, req *PreparedRequest) (*Response, error) {
				if idx.Add(1) == 1 {
					return nil, &Error{Kind: KindNetwork}
				}
				return &Response{Status: 200}, nil
			})

		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestHedgeServerRotation(t *testing.T) {
	t.Parallel()

	h := &hedger{opts: &HedgingOptions{
		Delay:     5 * time.Millisecond,
		MaxHedges: 2,
		Servers:   []string{"https://a.test", "https://b.test"},
	}}

	var urls [3]atomic.Value
	var idx atomic.Int32

	_, _, err := h.execute(context.Background(), preparedFor("GET", "https://orig.test/v1/users?page=2"),
		func(ctx context.Context, req *PreparedRequest) (*Response, error) {
			urls[idx.Add(1)-1].Store(req.URL)
			return nil, &Error{Kind: KindHTTP, Status: 503}
		})
	require.Error(t, err)

	assert.Equal(t, "https://a.test/v1/users?page=2", urls[0].Load())
	assert.Equal(t, "https://b.test/v1/users?page=2", urls[1].Load())
	assert.Equal(t, "https://a.test/v1/users?page=2", urls[2].Load())
}

func TestRotateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rawURL string
		server string
		want   string
	}{
		{
			name:   "given a bare origin, then scheme and host swap",
			rawURL: "https://orig.test/v1/users?page=2",
			server: "http://replica.test:8080",
			want:   "http://replica.test:8080/v1/users?page=2",
		},
		{
			name:   "given a server with a path, then it prefixes the original path",
			rawURL: "https://orig.test/users?x=1",
			server: "https://replica.test/shard-3",
			want:   "https://replica.test/shard-3/users?x=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := rotateURL(tt.rawURL, tt.server)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAttemptLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "primary", attemptLabel(0))
	assert.Equal(t, "hedge-1", attemptLabel(1))
	assert.Equal(t, "hedge-3", attemptLabel(3))
}
