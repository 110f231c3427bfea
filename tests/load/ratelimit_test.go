//go:build load

// Package load contains load tests that are excluded from regular CI runs.
// Run with: go test -tags load -count=1 -timeout 60s ./tests/load/
package load

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentry-io/agentry/internal/middleware"
)

type hitCounts struct {
	ok, limited atomic.Int64
}

func (c *hitCounts) record(code int) {
	switch code {
	case http.StatusOK:
		c.ok.Add(1)
	case http.StatusTooManyRequests:
		c.limited.Add(1)
	}
}

func limitedHandler(rl *middleware.RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func fire(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", http.NoBody)
	req.RemoteAddr = ip
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// ipFor spreads indexes over the 10.0.0.0/8 range so every worker in a
// load test looks like a distinct client.
func ipFor(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256)
}

// TestRateLimitSustainedLoad fires 1000 near-instant requests from one
// client at a rate=10 burst=10 limiter; the vast majority must be shed.
func TestRateLimitSustainedLoad(t *testing.T) {
	handler := limitedHandler(middleware.NewRateLimiter(10, 10))

	const goroutines = 10
	const reqsPerGoroutine = 100

	var counts hitCounts
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range reqsPerGoroutine {
				counts.record(fire(handler, "10.0.0.1:99").Code)
			}
		}()
	}
	wg.Wait()

	total := counts.ok.Load() + counts.limited.Load()
	limitedPct := float64(counts.limited.Load()) / float64(total) * 100
	t.Logf("total=%d ok=%d limited=%d (%.1f%% rejected)", total, counts.ok.Load(), counts.limited.Load(), limitedPct)

	if limitedPct < 80 {
		t.Errorf("expected >80%% shed under sustained load, got %.1f%%", limitedPct)
	}
}

// TestRateLimitBurstAbsorption verifies burst-size concurrent requests
// all land, and the request after them is rejected.
func TestRateLimitBurstAbsorption(t *testing.T) {
	const burstSize = 50
	handler := limitedHandler(middleware.NewRateLimiter(1, burstSize))

	var counts hitCounts
	var wg sync.WaitGroup
	wg.Add(burstSize)
	for range burstSize {
		go func() {
			defer wg.Done()
			counts.record(fire(handler, "10.0.0.1:99").Code)
		}()
	}
	wg.Wait()

	if counts.ok.Load() != burstSize {
		t.Errorf("expected all %d burst requests to pass, got ok=%d limited=%d",
			burstSize, counts.ok.Load(), counts.limited.Load())
	}
	if rec := fire(handler, "10.0.0.1:99"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("burst+1 request: expected 429, got %d", rec.Code)
	}
}

// TestRateLimitPerIPIsolation verifies one exhausted client cannot eat
// into another client's budget.
func TestRateLimitPerIPIsolation(t *testing.T) {
	const burst = 5
	handler := limitedHandler(middleware.NewRateLimiter(5, burst))

	drain := func(ip string, count int) (ok, limited int) {
		for range count {
			switch fire(handler, ip).Code {
			case http.StatusOK:
				ok++
			case http.StatusTooManyRequests:
				limited++
			}
		}
		return
	}

	ok1, lim1 := drain("10.0.0.1:99", burst+3)
	if ok1 != burst || lim1 != 3 {
		t.Errorf("exhausted client: expected ok=%d limited=3, got ok=%d limited=%d", burst, ok1, lim1)
	}

	ok2, lim2 := drain("10.0.0.2:99", burst)
	if ok2 != burst || lim2 != 0 {
		t.Errorf("fresh client: expected ok=%d limited=0, got ok=%d limited=%d", burst, ok2, lim2)
	}
}

// TestRateLimitConcurrentBucketCreation races 100 unique clients through
// their first request; every one must pass and get a tracked bucket.
func TestRateLimitConcurrentBucketCreation(t *testing.T) {
	const numIPs = 100
	rl := middleware.NewRateLimiter(1, 1)
	handler := limitedHandler(rl)

	var counts hitCounts
	var wg sync.WaitGroup
	wg.Add(numIPs)
	for i := range numIPs {
		go func(idx int) {
			defer wg.Done()
			counts.record(fire(handler, ipFor(idx)+":99").Code)
		}(i)
	}
	wg.Wait()

	if counts.ok.Load() != numIPs {
		t.Errorf("expected all %d first requests to pass, got %d", numIPs, counts.ok.Load())
	}
	if rl.Len() != numIPs {
		t.Errorf("expected %d buckets, got %d", numIPs, rl.Len())
	}
}

// TestRateLimitHeadersUnderLoad checks quota headers stay coherent while
// a client runs through and past its budget.
func TestRateLimitHeadersUnderLoad(t *testing.T) {
	handler := limitedHandler(middleware.NewRateLimiter(5, 5))

	for i := range 5 {
		rec := fire(handler, "10.0.0.1:99")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Errorf("request %d: missing X-RateLimit-Remaining", i)
		}
	}

	for range 3 {
		rec := fire(handler, "10.0.0.1:99")
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header on 429")
		}
	}
}

// TestRateLimitCleanupUnderLoad creates 1000 buckets and verifies the
// cleanup goroutine evicts all of them once they go idle.
func TestRateLimitCleanupUnderLoad(t *testing.T) {
	const numBuckets = 1000
	rl := middleware.NewRateLimiter(10, 10)
	handler := limitedHandler(rl)

	for i := range numBuckets {
		fire(handler, ipFor(i)+":99")
	}
	if rl.Len() != numBuckets {
		t.Fatalf("expected %d buckets, got %d", numBuckets, rl.Len())
	}

	time.Sleep(10 * time.Millisecond)

	cancel := rl.StartCleanup(5*time.Millisecond, time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for rl.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rl.Len() != 0 {
		t.Errorf("expected 0 buckets after cleanup, got %d", rl.Len())
	}
}
