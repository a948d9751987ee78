package transport

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// IPRateLimiter throttles requests per client IP, mirroring the corpus's
// per-client rate limiter shape but backed by x/time/rate instead of a
// hand-rolled token bucket.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewIPRateLimiter creates a limiter allowing requestsPerSecond sustained,
// with the given burst, per client IP.
func NewIPRateLimiter(requestsPerSecond float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[ip] = l
	}
	return l
}

// Allow reports whether a request from ip may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.limiterFor(ip).Allow()
}

// Middleware wraps a handler, rejecting requests over the per-IP limit with
// 429 Too Many Requests.
func (rl *IPRateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.Allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
