package backoff

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// Store holds backoff records keyed by source. Mutations are
// serialized by a process-wide lock and persisted to a single JSON
// file with tmp-then-rename; readers tolerate one-iteration staleness.
type Store struct {
	mu      sync.Mutex
	path    string
	cfg     Config
	records map[string]*Record
	now     func() time.Time
}

// NewStore loads (or initializes) the backoff file at path
func NewStore(path string, cfg Config) (*Store, error) {
	s := &Store{
		path:    path,
		cfg:     cfg,
		records: make(map[string]*Record),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		// A torn or corrupt state file resets the breaker: sources
		// get one immediate attempt and rebuild their streaks.
		logger.Warn("Backoff state unreadable, starting clean", "path", path, "error", err)
		s.records = make(map[string]*Record)
	}

	return s, nil
}

// Check reports whether the key is currently suppressed
func (s *Store) Check(key Key) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return Decision{}
	}

	now := s.now()
	next := rec.NextAllowed()
	if now.Before(next) {
		return Decision{
			Skip:       true,
			RetryAfter: next.Sub(now),
			Reason:     rec.LastFailureReason,
		}
	}
	return Decision{}
}

// IsOpen reports whether the circuit for key is open
func (s *Store) IsOpen(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	return ok && rec.ConsecutiveFailures >= s.cfg.FailureThreshold
}

// RecordFailure increments the failure streak and pushes out the next
// allowed time. httpCode may be 0; serverRetryAfter is the parsed
// Retry-After on 429 responses (0 when absent). next_allowed_time is
// monotonic within a streak because the exponent only grows.
func (s *Store) RecordFailure(key Key, severity Severity, httpCode int, reason string, serverRetryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	rec, ok := s.records[k]
	if !ok {
		rec = &Record{}
		s.records[k] = rec
	}

	if rec.ConsecutiveFailures < s.cfg.FailureCap {
		rec.ConsecutiveFailures++
	}

	now := s.now()
	d := delay(s.cfg, severity, rec.ConsecutiveFailures, serverRetryAfter)

	next := now.Add(d)
	// Keep monotonic under jitter: never pull next_allowed_time back
	if next.Unix() > rec.NextAllowedUnix {
		rec.NextAllowedUnix = next.Unix()
	}
	rec.LastErrorUnix = now.Unix()
	rec.LastHTTPCode = httpCode
	rec.LastFailureReason = reason

	if rec.ConsecutiveFailures == s.cfg.FailureThreshold {
		logger.Warn("Circuit opened",
			"key", k,
			"failures", rec.ConsecutiveFailures,
			"reason", reason,
			"retry_in", d.Round(time.Second).String())
	}

	s.persistLocked()
}

// RecordSuccess clears the record; the circuit closes on first success
func (s *Store) RecordSuccess(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if rec, ok := s.records[k]; ok && rec.ConsecutiveFailures >= s.cfg.FailureThreshold {
		logger.Info("Circuit closed", "key", k)
	}
	delete(s.records, k)
	s.persistLocked()
}

// Get returns a copy of the record for status reporting
func (s *Store) Get(key Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		logger.Error("Backoff state marshal failed", "error", err)
		return
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		logger.Error("Backoff state write failed", "path", s.path, "error", err)
	}
}
