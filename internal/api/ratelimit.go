package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements per-key fixed-window rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count    int
	windowAt time.Time
}

// NewRateLimiter creates a RateLimiter. Server.Start runs its cleanup.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

// Allow checks if the key is within the rate limit (limit per 1-minute window).
func (rl *RateLimiter) Allow(key string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowAt) >= time.Minute {
		rl.buckets[key] = &bucket{count: 1, windowAt: now}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * time.Minute)
	for k, b := range rl.buckets {
		if b.windowAt.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// withDeviceRateLimit limits sync requests per device. It runs after
// requireDevice, so the device id is verified.
func (s *Server) withDeviceRateLimit(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDevice(r.Context())
		if d == nil {
			handler(w, r)
			return
		}
		key := fmt.Sprintf("dev:%s:%s", d.OrgID, d.DeviceID)
		if !s.rateLimiter.Allow(key, s.config.RateLimitSync) {
			logFor(r.Context()).Warn("rate limited", "device", d.DeviceID)
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// withIPRateLimit limits unauthenticated actions such as pairing by client IP.
func (s *Server) withIPRateLimit(handler http.HandlerFunc, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.rateLimiter.Allow("ip:"+ip, limit) {
			logFor(r.Context()).Warn("rate limited", "ip", ip)
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
