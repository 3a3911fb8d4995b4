// Package weather polls each airport's weather sources and stores the
// raw payloads for the status layer. Provider wire formats are opaque
// here: a payload only has to be non-empty valid JSON to be stored.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
	"github.com/airfieldwx/airfieldwx/internal/staleness"
	"github.com/airfieldwx/airfieldwx/internal/store"
)

// MaxPayloadBytes bounds a weather response
const MaxPayloadBytes = 4 << 20

// Poller fetches and stores weather payloads
type Poller struct {
	store   *store.Store
	backoff *backoff.Store
	client  *http.Client

	mu        sync.Mutex
	failovers map[string]*staleness.Failover
}

// NewPoller creates a poller using the given HTTP client
func NewPoller(st *store.Store, bo *backoff.Store, client *http.Client) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{
		store:     st,
		backoff:   bo,
		client:    client,
		failovers: map[string]*staleness.Failover{},
	}
}

// Failover returns the per-airport failover tracker
func (p *Poller) Failover(airportID string) *staleness.Failover {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failovers[airportID]
	if !ok {
		f = staleness.NewFailover()
		p.failovers[airportID] = f
	}
	return f
}

// Poll fetches every configured source for the airport. The backup is
// polled on the same cadence as the primary so its freshness is known
// when the failover rule needs it.
func (p *Poller) Poll(ctx context.Context, airportID string, airport *config.Airport, global *config.Global) error {
	primary := airport.Primary()
	backup := airport.Backup()
	fo := p.Failover(airportID)

	var firstErr error
	for i := range airport.WeatherSources {
		src := &airport.WeatherSources[i]
		err := p.pollSource(ctx, airportID, src)

		if primary != nil && src == primary {
			if err != nil {
				fo.RecordPrimaryFailure()
			} else {
				fo.RecordPrimarySuccess(airportID)
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if primary != nil && backup != nil {
		th := staleness.ForSource(primary.Type, airport, global)
		primaryAge, pok := p.payloadAge(airportID, primary.Type)
		backupAge, bok := p.payloadAge(airportID, backup.Type)
		if bok {
			if !pok {
				primaryAge = th.Failclosed // Never fetched counts as arbitrarily old
			}
			fo.Observe(airportID, primaryAge, backupAge, th)
		}
	}

	return firstErr
}

// ActiveSource names the source whose payload should be served
func (p *Poller) ActiveSource(airportID string, airport *config.Airport) *config.WeatherSource {
	if p.Failover(airportID).BackupActive() {
		if b := airport.Backup(); b != nil {
			return b
		}
	}
	return airport.Primary()
}

// pollSource fetches, validates, and stores one source's payload
func (p *Poller) pollSource(ctx context.Context, airportID string, src *config.WeatherSource) error {
	key := backoff.Key{Airport: airportID, Role: "weather", Kind: src.Type}
	if d := p.backoff.Check(key); d.Skip {
		metrics.WeatherFetches.WithLabelValues(airportID, src.Type, "skip").Inc()
		return nil
	}

	payload, httpCode, err := p.fetch(ctx, src)
	if err != nil {
		severity := backoff.SeverityTransient
		switch {
		case httpCode == http.StatusTooManyRequests:
			severity = backoff.SeverityRateLimit
		case httpCode == http.StatusUnauthorized || httpCode == http.StatusForbidden:
			severity = backoff.SeverityPermanent
		case httpCode >= 400 && httpCode < 500:
			severity = backoff.SeverityPermanent
		}
		p.backoff.RecordFailure(key, severity, httpCode, err.Error(), 0)
		metrics.WeatherFetches.WithLabelValues(airportID, src.Type, "failure").Inc()
		return err
	}

	path := p.store.WeatherPath(airportID, src.Type)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("weather dir: %w", err)
	}
	if err := renameio.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("store weather payload: %w", err)
	}

	p.backoff.RecordSuccess(key)
	metrics.WeatherFetches.WithLabelValues(airportID, src.Type, "success").Inc()
	logger.Debug("weather stored", "airport", airportID, "source", src.Type, "bytes", len(payload))
	return nil
}

// fetch performs the HTTP GET and the payload validity gates
func (p *Poller) fetch(ctx context.Context, src *config.WeatherSource) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("bad weather url: %w", err)
	}
	if src.APIKey != "" {
		req.Header.Set("X-API-Key", src.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, 0, fmt.Errorf("weather fetch timeout")
		}
		return nil, 0, fmt.Errorf("weather fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("weather http_status_%d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read weather payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("empty weather payload")
	}
	if len(payload) > MaxPayloadBytes {
		return nil, resp.StatusCode, fmt.Errorf("weather payload too large")
	}
	if !json.Valid(payload) {
		return nil, resp.StatusCode, fmt.Errorf("weather payload is not valid json")
	}

	return payload, resp.StatusCode, nil
}

// payloadAge returns the stored payload's age
func (p *Poller) payloadAge(airportID, source string) (time.Duration, bool) {
	info, err := os.Stat(p.store.WeatherPath(airportID, source))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
