// Package timeauth tracks whether the local clock can be trusted for
// timestamp derivation, by periodically comparing it against SNTP.
// When the clock is unhealthy, derived EXIF timestamps are still
// written (capture continuity beats precision) but carry low
// confidence in the acquisition metadata.
package timeauth

import (
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// Confidence grades how much to trust a derived timestamp
type Confidence string

const (
	ConfidenceHigh Confidence = "high" // NTP agreed recently
	ConfidenceLow  Confidence = "low"  // NTP unreachable or drifted
)

// Config represents clock health configuration
type Config struct {
	Enabled              bool
	Servers              []string
	CheckIntervalSeconds int
	MaxOffsetSeconds     int
	TimeoutSeconds       int
}

// DefaultConfig returns default clock health settings
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Servers:              []string{"pool.ntp.org", "time.google.com"},
		CheckIntervalSeconds: 300,
		MaxOffsetSeconds:     5,
		TimeoutSeconds:       5,
	}
}

// Status is a snapshot of clock health
type Status struct {
	Healthy   bool          `json:"healthy"`
	Offset    time.Duration `json:"offset"`
	LastCheck time.Time     `json:"last_check"`
}

// ClockHealth periodically measures local clock offset against SNTP
type ClockHealth struct {
	mu            sync.RWMutex
	healthy       bool
	offset        time.Duration
	lastCheck     time.Time
	checkInterval time.Duration
	maxOffset     time.Duration
	timeout       time.Duration
	servers       []string
	stop          chan struct{}
	stopOnce      sync.Once
}

// New creates a clock health monitor. Starts unhealthy until the
// first successful check.
func New(cfg Config) *ClockHealth {
	checkInterval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	if checkInterval == 0 {
		checkInterval = 300 * time.Second
	}
	maxOffset := time.Duration(cfg.MaxOffsetSeconds) * time.Second
	if maxOffset == 0 {
		maxOffset = 5 * time.Second
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = []string{"pool.ntp.org"}
	}

	return &ClockHealth{
		checkInterval: checkInterval,
		maxOffset:     maxOffset,
		timeout:       timeout,
		servers:       servers,
		stop:          make(chan struct{}),
	}
}

// Start begins periodic checks in a background goroutine
func (c *ClockHealth) Start() {
	go func() {
		c.check()
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.check()
			}
		}
	}()
}

// Stop halts the background checks
func (c *ClockHealth) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// IsHealthy reports whether the local clock agreed with SNTP recently
func (c *ClockHealth) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Confidence grades the current clock trust
func (c *ClockHealth) Confidence() Confidence {
	if c.IsHealthy() {
		return ConfidenceHigh
	}
	return ConfidenceLow
}

// GetStatus returns a snapshot of clock health
func (c *ClockHealth) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Healthy:   c.healthy,
		Offset:    c.offset,
		LastCheck: c.lastCheck,
	}
}

func (c *ClockHealth) check() {
	var lastErr error
	for _, server := range c.servers {
		offset, err := c.query(server)
		if err != nil {
			lastErr = err
			continue
		}

		healthy := absDuration(offset) <= c.maxOffset

		c.mu.Lock()
		wasHealthy := c.healthy
		c.healthy = healthy
		c.offset = offset
		c.lastCheck = time.Now()
		c.mu.Unlock()

		if healthy != wasHealthy {
			logger.Info("Clock health changed",
				"healthy", healthy,
				"offset", offset.String(),
				"server", server)
		}
		return
	}

	c.mu.Lock()
	wasHealthy := c.healthy
	c.healthy = false
	c.lastCheck = time.Now()
	c.mu.Unlock()

	if wasHealthy {
		logger.Warn("Clock health lost: all SNTP servers unreachable", "error", lastErr)
	}
}

func (c *ClockHealth) query(server string) (time.Duration, error) {
	response, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: c.timeout,
	})
	if err != nil {
		return 0, fmt.Errorf("NTP query failed: %w", err)
	}
	return response.ClockOffset, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
