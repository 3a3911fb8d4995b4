// Package ratelimit provides a fixed-window request gate shared by the
// status and image endpoints.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// window is one counter for a (endpoint, client) pair
type window struct {
	count int
	reset time.Time
}

// Limiter counts requests per (endpoint, hashed client IP) in fixed
// windows. The store is in-process; the daemon is long-lived, so no
// shared-memory or file fallback is needed. Failures to read the
// counter fail open: availability over strictness.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	now     func() time.Time
}

// New creates a limiter allowing max requests per period per key
func New(max int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		now:     time.Now,
	}
}

// Allow reports whether a request from clientIP to endpoint is within
// the window budget. Denials are logged; the caller returns 429.
func (l *Limiter) Allow(endpoint, clientIP string) bool {
	key := endpoint + "|" + HashIP(clientIP)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.windows[key] = &window{count: 1, reset: now.Add(l.period)}
		return true
	}

	if w.count >= l.max {
		logger.Warn("Rate limit exceeded",
			"endpoint", endpoint,
			"client", HashIP(clientIP),
			"retry_after_s", int(time.Until(w.reset).Seconds()))
		return false
	}

	w.count++
	return true
}

// RetryAfter returns the remaining window for a key, for the
// Retry-After header on denials.
func (l *Limiter) RetryAfter(endpoint, clientIP string) time.Duration {
	key := endpoint + "|" + HashIP(clientIP)

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok {
		if d := w.reset.Sub(l.now()); d > 0 {
			return d
		}
	}
	return 0
}

// Prune drops expired windows. Called opportunistically by the web
// server's housekeeping ticker.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

// HashIP returns a short hex digest of the client IP. Raw addresses
// never appear in the store or the logs.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
