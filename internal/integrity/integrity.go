// Package integrity computes the response validation headers for
// served imagery: a weak ETag derived from file identity, and strong
// content digests (Content-Digest, Content-MD5) so embedders can
// verify payloads end to end.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long computed digests are reused
const DefaultTTL = 5 * time.Minute

// Headers are the integrity response headers for one file state
type Headers struct {
	ETag          string // Weak: identity, not bytes
	ContentDigest string // RFC 9530 sha-256=:base64:
	ContentMD5    string // Legacy embedder support
}

type entry struct {
	headers Headers
	expires time.Time
}

// Cache computes and caches integrity headers. Entries are keyed by
// resolved path and mtime, so a promoted replacement file is a new
// entry even at the same path.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
}

// NewCache creates a cache with the given TTL (DefaultTTL when zero)
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: map[string]entry{},
	}
}

// HeadersFor returns the integrity headers for the file's current
// state, reading the file only on cache miss.
func (c *Cache) HeadersFor(path string) (Headers, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Headers{}, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return Headers{}, err
	}

	key := fmt.Sprintf("%s|%d", real, info.ModTime().UnixNano())
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.headers, nil
	}
	c.mu.Unlock()

	h, err := compute(real, info.ModTime(), info.Size())
	if err != nil {
		return Headers{}, err
	}

	c.mu.Lock()
	c.entries[key] = entry{headers: h, expires: now.Add(c.ttl)}
	// Entries for replaced file states never match again; sweep
	// opportunistically so the map cannot grow without bound.
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()

	return h, nil
}

// compute builds the header set: the ETag from file identity, the
// digests from content.
func compute(path string, mtime time.Time, size int64) (Headers, error) {
	identity := fmt.Sprintf("%s|%d|%d", path, mtime.Unix(), size)
	etagSum := sha1.Sum([]byte(identity))

	data, err := os.ReadFile(path)
	if err != nil {
		return Headers{}, err
	}

	sha := sha256.Sum256(data)
	md := md5.Sum(data)

	return Headers{
		ETag:          fmt.Sprintf(`W/"%x"`, etagSum),
		ContentDigest: fmt.Sprintf("sha-256=:%s:", base64.StdEncoding.EncodeToString(sha[:])),
		ContentMD5:    base64.StdEncoding.EncodeToString(md[:]),
	}, nil
}

// Apply sets the integrity headers and answers conditional requests.
// Returns true when a 304 was written and the caller should not send
// a body.
func (c *Cache) Apply(w http.ResponseWriter, r *http.Request, path string) (bool, error) {
	h, err := c.HeadersFor(path)
	if err != nil {
		return false, err
	}

	w.Header().Set("ETag", h.ETag)
	w.Header().Set("Content-Digest", h.ContentDigest)
	w.Header().Set("Content-MD5", h.ContentMD5)

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, h.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return true, nil
	}
	return false, nil
}

// etagMatches implements weak If-None-Match comparison
func etagMatches(headerValue, etag string) bool {
	stripped := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(headerValue, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag || strings.TrimPrefix(candidate, "W/") == stripped {
			return true
		}
	}
	return false
}
