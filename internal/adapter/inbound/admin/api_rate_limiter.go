package admin

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// apiLimiterEntry is the token bucket of one client IP.
type apiLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// apiRateLimiter keeps one token bucket per client IP. Buckets idle for
// longer than ttl are dropped on the next call.
type apiRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*apiLimiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

// newAPIRateLimiter allows maxRequests per window, all usable as a burst.
func newAPIRateLimiter(maxRequests int, window time.Duration) *apiRateLimiter {
	return &apiRateLimiter{
		entries: make(map[string]*apiLimiterEntry),
		limit:   rate.Every(window / time.Duration(maxRequests)),
		burst:   maxRequests,
		ttl:     2 * window,
		now:     time.Now,
	}
}

// allow consumes a token for ip. When none is left it returns the number of
// seconds until the next one.
func (rl *apiRateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.ttl {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[ip]
	if !ok {
		entry = &apiLimiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastAccess = now

	res := entry.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, max(1, int(math.Ceil(delay.Seconds())))
}

// size returns the number of tracked IPs.
func (rl *apiRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// apiRateLimitMiddleware wraps an http.Handler with per-IP rate limiting.
// Localhost is exempt. Over budget it responds 429 with Retry-After.
func apiRateLimitMiddleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	limiter := newAPIRateLimiter(maxRequests, window)
	return limiter.middleware(next)
}

func (rl *apiRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}

		allowed, retryAfter := rl.allow(clientIP)
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}
