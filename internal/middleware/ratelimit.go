package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter applies a per-client token bucket to the task API. Task
// creation is cheap to request and expensive to execute, so the limit
// sits in front of everything, including reads.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientBucket
	rate       float64 // tokens refilled per second
	burst      float64 // bucket capacity
	maxClients int     // cap on tracked addresses
}

type clientBucket struct {
	tokens  float64
	touched time.Time // last refill; also the idle marker for cleanup
}

// NewRateLimiter creates a limiter allowing a sustained rate (requests
// per second) with the given burst allowance per client IP.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:    make(map[string]*clientBucket),
		rate:       rate,
		burst:      float64(burst),
		maxClients: 100000,
	}
}

// Handler returns middleware enforcing the per-IP limit. Rejected
// requests get a 429 with a Retry-After hint.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, ok := rl.take(clientIP(r))

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token from ip's bucket. It reports the tokens left,
// and on rejection how many seconds until the next token arrives.
func (rl *RateLimiter) take(ip string) (remaining int, retryAfter float64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.clients[ip]
	if !exists {
		if len(rl.clients) >= rl.maxClients {
			// At capacity: refuse new addresses rather than grow unbounded.
			return 0, 1 / rl.rate, false
		}
		b = &clientBucket{tokens: rl.burst}
		rl.clients[ip] = b
	} else {
		b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.touched).Seconds()*rl.rate)
	}
	b.touched = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// StartCleanup evicts buckets idle longer than maxIdle on every
// interval tick. The returned function stops the goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictIdle(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, b := range rl.clients {
		if b.touched.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// Len returns the number of tracked client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientIP comes from RemoteAddr only. Forwarding headers are spoofable
// and would let a client rotate identities past the limit; RealIP runs
// earlier in the chain for deployments behind a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
