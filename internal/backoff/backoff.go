// Package backoff provides the keyed circuit-breaker and backoff store
// shared by every outbound source.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Severity classifies a failure for backoff purposes
type Severity string

const (
	SeverityTransient Severity = "transient"  // 5xx, timeouts, content rejections
	SeverityRateLimit Severity = "rate_limit" // HTTP 429
	SeverityPermanent Severity = "permanent"  // Auth, TLS, non-429 4xx, bad config
)

// Config holds the backoff schedule parameters
type Config struct {
	BaseTransient    time.Duration // Default: 30s
	BaseRateLimit    time.Duration // Default: 2s
	MaxTransient     time.Duration // Default: 15m
	MaxPermanent     time.Duration // Default: 24h
	FailureThreshold int           // Consecutive failures that open the circuit, default: 5
	FailureCap       int           // Cap on the failure counter, default: 10
	Jitter           bool          // Up to 20% jitter, default: true
}

// DefaultConfig returns the default backoff schedule
func DefaultConfig() Config {
	return Config{
		BaseTransient:    30 * time.Second,
		BaseRateLimit:    2 * time.Second,
		MaxTransient:     15 * time.Minute,
		MaxPermanent:     24 * time.Hour,
		FailureThreshold: 5,
		FailureCap:       10,
		Jitter:           true,
	}
}

// Key identifies one outbound source
type Key struct {
	Airport string
	Role    string // "webcam" or "weather"
	Kind    string // Source sub-kind or cam index, e.g. "cam0", "metar"
}

// String renders the persisted form: <airport>_<role>_<kind>
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Airport, k.Role, k.Kind)
}

// Record is the persisted per-key state
type Record struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	NextAllowedUnix     int64  `json:"next_allowed_time"`
	LastErrorUnix       int64  `json:"last_error_time,omitempty"`
	LastHTTPCode        int    `json:"last_http_code,omitempty"`
	LastFailureReason   string `json:"last_failure_reason,omitempty"`
}

// NextAllowed returns the next allowed attempt time
func (r *Record) NextAllowed() time.Time {
	return time.Unix(r.NextAllowedUnix, 0)
}

// Decision is the answer to a Check call
type Decision struct {
	Skip       bool
	RetryAfter time.Duration
	Reason     string
}

// delay computes the backoff for a failure streak. The schedule is
// exponential per severity, capped, with up to 20% jitter to avoid
// synchronized retries across cameras.
func delay(cfg Config, severity Severity, failures int, serverRetryAfter time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}

	var base, cap time.Duration
	switch severity {
	case SeverityRateLimit:
		base, cap = cfg.BaseRateLimit, cfg.MaxTransient
	case SeverityPermanent:
		base, cap = cfg.BaseTransient, cfg.MaxPermanent
	default:
		base, cap = cfg.BaseTransient, cfg.MaxTransient
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if d > cap || d < 0 {
		d = cap
	}

	// A server-advised delay (Retry-After on 429) wins when longer
	if severity == SeverityRateLimit && serverRetryAfter > d {
		d = serverRetryAfter
		if d > cap {
			d = cap
		}
	}

	if cfg.Jitter {
		d += time.Duration(float64(d) * 0.2 * rand.Float64())
	}

	return d
}
