package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/store"
)

// staticStrategy pulls a single still image over HTTP. It serves the
// static_jpeg, static_png, and aviationwx_api (federated) kinds; the
// federated case differs only in who operates the far end.
type staticStrategy struct {
	target Target
	deps   Deps
	client *http.Client
}

func newStaticStrategy(target Target, deps Deps) *staticStrategy {
	return &staticStrategy{
		target: target,
		deps:   deps,
		client: httpClientFor(target, deps),
	}
}

func (s *staticStrategy) Kind() string {
	return s.target.Cam.Kind()
}

func (s *staticStrategy) ShouldSkip(ctx context.Context) (bool, string) {
	if d := s.deps.Backoff.Check(s.target.Key()); d.Skip {
		return true, SkipCircuitOpen
	}
	return false, ""
}

// Acquire performs the conditional fetch: an ETag match or a byte-
// identical body is a skip, not a failure, and still counts as a
// successful contact for staleness purposes.
func (s *staticStrategy) Acquire(ctx context.Context) Result {
	kind := s.Kind()
	meta := s.deps.Store.LoadPullMeta(s.target.AirportID, s.target.CamIndex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target.Cam.URL, nil)
	if err != nil {
		return Failure(kind, fmt.Sprintf("bad_url: %v", err), backoff.SeverityPermanent)
	}

	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	req.Header.Set("Cache-Control", "no-cache")
	applyRequestAuth(req, s.target)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(kind, "timeout", backoff.SeverityTransient)
		}
		return Failure(kind, fmt.Sprintf("request_failed: %v", err), backoff.SeverityTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		meta.LastFetched = time.Now().Unix()
		_ = s.deps.Store.SavePullMeta(s.target.AirportID, s.target.CamIndex, meta)
		return Skip(kind, SkipUnchanged304)

	case resp.StatusCode == http.StatusTooManyRequests:
		r := Failure(kind, "rate_limited", backoff.SeverityRateLimit)
		r.HTTPCode = resp.StatusCode
		if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
			r.Meta = map[string]interface{}{"retry_after": retryAfter}
		}
		return r

	case resp.StatusCode != http.StatusOK:
		r := Failure(kind, fmt.Sprintf("http_status_%d", resp.StatusCode), severityForHTTP(resp.StatusCode))
		r.HTTPCode = resp.StatusCode
		return r
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return Failure(kind, fmt.Sprintf("read_body: %v", err), backoff.SeverityTransient)
	}
	if len(body) > MaxBodyBytes {
		return Failure(kind, "body_too_large", backoff.SeverityTransient)
	}
	if len(body) < MinFrameBytes {
		return Failure(kind, fmt.Sprintf("body_too_small: %d bytes", len(body)), backoff.SeverityTransient)
	}

	etag := resp.Header.Get("ETag")

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	if meta.Checksum != "" && checksum == meta.Checksum {
		// Byte-identical payload under a fresh ETag: record the new
		// validator and suppress re-publish.
		meta.ETag = etag
		meta.LastFetched = time.Now().Unix()
		_ = s.deps.Store.SavePullMeta(s.target.AirportID, s.target.CamIndex, meta)
		return Skip(kind, SkipUnchangedChecksum)
	}

	normalized, err := normalizeBody(body)
	if err != nil {
		return Failure(kind, err.Error(), backoff.SeverityTransient)
	}

	result := stageFrame(s.target, s.deps, normalized, kind)
	if result.Status != StatusSuccess {
		return result
	}

	_ = s.deps.Store.SavePullMeta(s.target.AirportID, s.target.CamIndex, store.PullMeta{
		ETag:        etag,
		Checksum:    checksum,
		LastFetched: time.Now().Unix(),
	})

	return result
}

// parseRetryAfter handles the delta-seconds form of Retry-After
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
