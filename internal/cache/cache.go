// Package cache provides a two-tier (memory + file) TTL data loader.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// entry is one in-memory cached value
type entry struct {
	data     json.RawMessage
	cachedAt time.Time
	ttl      time.Duration
}

// fileEntry is the on-disk cache envelope
type fileEntry struct {
	CachedAt int64           `json:"cached_at"`
	TTL      int64           `json:"ttl"` // Seconds
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
}

// Loader serves values from memory first, then from an optional JSON
// file, and finally from the caller's producer. Both tiers return the
// same logical value; an expired entry is never served.
type Loader struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewLoader creates an empty loader
func NewLoader() *Loader {
	return &Loader{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached value for key, producing and storing it on
// miss. filePath may be empty to use the memory tier only. The
// producer's result is marshaled to JSON for storage and unmarshaled
// into out on every path, so callers see identical values regardless
// of which tier served them.
func (l *Loader) Get(key, filePath string, ttl time.Duration, out interface{}, producer func() (interface{}, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if e, ok := l.entries[key]; ok && now.Before(e.cachedAt.Add(e.ttl)) {
		return json.Unmarshal(e.data, out)
	}

	if filePath != "" {
		if raw, cachedAt, fileTTL, ok := readFileEntry(filePath, key); ok {
			if now.Before(cachedAt.Add(fileTTL)) {
				l.entries[key] = entry{data: raw, cachedAt: cachedAt, ttl: fileTTL}
				return json.Unmarshal(raw, out)
			}
		}
	}

	value, err := producer()
	if err != nil {
		return fmt.Errorf("produce %q: %w", key, err)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}

	l.entries[key] = entry{data: raw, cachedAt: now, ttl: ttl}

	if filePath != "" {
		if err := writeFileEntry(filePath, key, raw, now, ttl); err != nil {
			return fmt.Errorf("persist %q: %w", key, err)
		}
	}

	return json.Unmarshal(raw, out)
}

// Invalidate removes the key from both tiers
func (l *Loader) Invalidate(key, filePath string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()

	if filePath != "" {
		_ = os.Remove(filePath)
	}
}

func readFileEntry(path, key string) (json.RawMessage, time.Time, time.Duration, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, 0, false
	}

	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil {
		return nil, time.Time{}, 0, false
	}
	if fe.Key != key {
		return nil, time.Time{}, 0, false
	}

	return fe.Data, time.Unix(fe.CachedAt, 0), time.Duration(fe.TTL) * time.Second, true
}

func writeFileEntry(path, key string, data json.RawMessage, cachedAt time.Time, ttl time.Duration) error {
	fe := fileEntry{
		CachedAt: cachedAt.Unix(),
		TTL:      int64(ttl / time.Second),
		Key:      key,
		Data:     data,
	}

	raw, err := json.Marshal(fe)
	if err != nil {
		return err
	}

	// tmp-then-rename so readers never see a torn file
	return renameio.WriteFile(path, raw, 0644)
}
