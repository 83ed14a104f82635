package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-key token bucket rate limiting. Keys are client addresses on the HTTP
// surface and venue names on feed reconnects.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a new rate limiter with the specified RPS and burst capacity
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// getLimiter returns or creates the limiter for key
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow returns true if a request for key is allowed now
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Wait blocks until a request for key is allowed or ctx is cancelled
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.getLimiter(key).Wait(ctx)
}

// Stats returns the state of every keyed bucket
func (l *Limiter) Stats() map[string]KeyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	stats := make(map[string]KeyStats, len(l.limiters))
	for key, limiter := range l.limiters {
		r := limiter.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		stats[key] = KeyStats{
			TokensAvailable: limiter.TokensAt(now),
			RetryIn:         delay,
		}
	}
	return stats
}

// Summary condenses Stats for health reporting
func (l *Limiter) Summary() Summary {
	stats := l.Stats()
	sum := Summary{RPS: l.rps, Burst: l.burst, Keys: len(stats)}
	for key, s := range stats {
		if s.Throttled() {
			sum.Throttled = append(sum.Throttled, key)
		}
	}
	sort.Strings(sum.Throttled)
	return sum
}

// KeyStats is the bucket state of one key
type KeyStats struct {
	TokensAvailable float64       `json:"tokens_available"`
	RetryIn         time.Duration `json:"retry_in"`
}

// Throttled reports whether the next request for the key would be delayed
func (s KeyStats) Throttled() bool {
	return s.RetryIn > 0
}

// Summary is the limiter state reported by /health
type Summary struct {
	RPS       float64  `json:"rps"`
	Burst     int      `json:"burst"`
	Keys      int      `json:"keys"`
	Throttled []string `json:"throttled,omitempty"`
}

// ClientKey keys a request by the remote host without its port
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-client rate with 429
func (l *Limiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(key(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
