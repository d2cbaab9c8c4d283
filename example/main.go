// Command example exercises the client against a local test server:
// retries against a flaky endpoint, deduplication of a concurrent
// burst, and rate limiting with live bucket stats.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luminara-io/luminara"
)

func main() {
	var flakyHits atomic.Int32
	var userHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if flakyHits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("/users/42", func(w http.ResponseWriter, r *http.Request) {
		userHits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":42,"name":"ada"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	client, err := luminara.New(
		luminara.WithBaseURL(server.URL),
		luminara.WithTimeout(5*time.Second),
		luminara.WithRetry(&luminara.RetryOptions{
			MaxRetries: 3,
			Delay:      50 * time.Millisecond,
			Strategy:   luminara.BackoffExponentialJitter,
		}),
		luminara.WithDedupe(&luminara.DedupeOptions{CacheTTL: time.Second}),
		luminara.WithRateLimit(&luminara.RateLimitOptions{RPS: 50, Burst: 10}),
		luminara.WithLogger(logger),
		luminara.WithDebug(true),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build client")
	}
	defer client.Close()

	client.RegisterPlugin(luminara.CorrelationIDPlugin("X-Correlation-ID"))

	ctx := context.Background()

	// Retries: two 503s, then success.
	res, err := client.Get(ctx, "/flaky", nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("flaky call failed")
	}
	fmt.Printf("flaky endpoint answered %d after %d server hits\n", res.Status, flakyHits.Load())

	// Deduplication: ten concurrent identical GETs, one upstream hit.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Get(ctx, "/users/42", nil); err != nil {
				logger.Error().Err(err).Msg("user call failed")
			}
		}()
	}
	wg.Wait()
	fmt.Printf("10 concurrent calls produced %d upstream hits\n", userHits.Load())

	if stats, ok := client.RateLimiterStats("global"); ok {
		fmt.Printf("rate bucket: %.0f rps, burst %d, %.1f tokens left\n",
			stats.Limit, stats.Burst, stats.TokensAvailable)
	}
}
