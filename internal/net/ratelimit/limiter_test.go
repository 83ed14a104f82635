package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(2.0, 2)

	if !limiter.Allow("10.0.0.1") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("10.0.0.1") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("Third request should be blocked")
	}
}

func TestLimiter_IndependentKeys(t *testing.T) {
	limiter := NewLimiter(1.0, 1)

	if !limiter.Allow("coinbase") {
		t.Error("First reconnect to coinbase should be allowed")
	}
	if !limiter.Allow("kraken") {
		t.Error("First reconnect to kraken should be allowed")
	}
	if limiter.Allow("coinbase") {
		t.Error("Second reconnect to coinbase should be blocked")
	}
	if limiter.Allow("kraken") {
		t.Error("Second reconnect to kraken should be blocked")
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(10.0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(ctx, "coinbase"); err != nil {
		t.Errorf("Wait should not error on first request: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("First request should be immediate, took %v", elapsed)
	}

	start = time.Now()
	if err := limiter.Wait(ctx, "coinbase"); err != nil {
		t.Errorf("Wait should not error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Second request should wait ~100ms, took %v", elapsed)
	}
}

func TestLimiter_WaitTimeout(t *testing.T) {
	limiter := NewLimiter(0.1, 1)
	limiter.Allow("coinbase")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(ctx, "coinbase"); err == nil {
		t.Error("Wait should fail when the delay exceeds the deadline")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Wait should return quickly, took %v", elapsed)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewLimiter(100.0, 10)

	const goroutines = 50
	const perGoroutine = 5

	var allowed, blocked int64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if limiter.Allow("10.0.0.9") {
					atomic.AddInt64(&allowed, 1)
				} else {
					atomic.AddInt64(&blocked, 1)
				}
			}
		}()
	}
	wg.Wait()

	if allowed+blocked != goroutines*perGoroutine {
		t.Errorf("Total requests %d != expected %d", allowed+blocked, goroutines*perGoroutine)
	}
	if allowed < 10 {
		t.Errorf("Should allow at least burst amount, allowed %d", allowed)
	}
	if blocked == 0 {
		t.Error("Should block some requests with this load")
	}
}

func TestLimiter_Summary(t *testing.T) {
	limiter := NewLimiter(0.001, 2)
	limiter.Allow("10.0.0.2")
	limiter.Allow("10.0.0.3")
	limiter.Allow("10.0.0.3")

	stats := limiter.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected 2 keys, got %d", len(stats))
	}
	if stats["10.0.0.2"].Throttled() {
		t.Error("Key with a spare token should not be throttled")
	}
	if !stats["10.0.0.3"].Throttled() {
		t.Error("Key with an empty bucket should be throttled")
	}

	sum := limiter.Summary()
	if sum.RPS != 0.001 || sum.Burst != 2 || sum.Keys != 2 {
		t.Errorf("Unexpected summary %+v", sum)
	}
	if len(sum.Throttled) != 1 || sum.Throttled[0] != "10.0.0.3" {
		t.Errorf("Unexpected throttled keys %v", sum.Throttled)
	}

	// Reading stats must not consume tokens
	if !limiter.Allow("10.0.0.2") {
		t.Error("Stats should not spend the remaining token")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(1.0, 1)
	handler := limiter.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("192.0.2.1:5000"); code != http.StatusOK {
		t.Errorf("First request should pass, got %d", code)
	}
	// Same client on a different port shares the bucket
	if code := send("192.0.2.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("Second request should be limited, got %d", code)
	}
	if code := send("192.0.2.2:5000"); code != http.StatusOK {
		t.Errorf("Other client should pass, got %d", code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := ClientKey(req); got != "2001:db8::1" {
		t.Errorf("Unexpected key %q", got)
	}
	req.RemoteAddr = "pipe"
	if got := ClientKey(req); got != "pipe" {
		t.Errorf("Unexpected key %q", got)
	}
}
