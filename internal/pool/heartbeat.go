package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

const (
	heartbeatInterval = 10 * time.Second

	// janitorGrace is added to the job timeout before a heartbeat is
	// considered stale.
	janitorGrace = 30 * time.Second
)

// heartbeatDir is a variable so tests can redirect it
var heartbeatDir = "/tmp"

// heartbeatRecord is what a live worker writes for the janitor and
// external monitoring.
type heartbeatRecord struct {
	PID       int   `json:"pid"`
	Started   int64 `json:"started"`
	Heartbeat int64 `json:"heartbeat"`
	Timeout   int64 `json:"timeout"` // Seconds
}

type heartbeat struct {
	path    string
	timeout time.Duration
	done    chan struct{}
}

// startHeartbeat writes the worker's liveness file and refreshes it
// until stopped.
func startHeartbeat(id string, timeout time.Duration) *heartbeat {
	if timeout <= 0 {
		timeout = defaultJanitorTimeout
	}
	hb := &heartbeat{
		path:    heartbeatPath(id),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	started := time.Now().Unix()
	hb.write(started)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.done:
				return
			case <-ticker.C:
				hb.write(started)
			}
		}
	}()

	return hb
}

func (hb *heartbeat) write(started int64) {
	rec := heartbeatRecord{
		PID:       os.Getpid(),
		Started:   started,
		Heartbeat: time.Now().Unix(),
		Timeout:   int64(hb.timeout.Seconds()),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(hb.path, data, 0644); err != nil {
		logger.Debug("heartbeat write failed", "path", hb.path, "error", err)
	}
}

func (hb *heartbeat) stop() {
	close(hb.done)
	_ = os.Remove(hb.path)
}

func heartbeatPath(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
	return filepath.Join(heartbeatDir, "worker_heartbeat_"+safe+".json")
}

// defaultJanitorTimeout is the worker timeout advertised in heartbeat
// files; the janitor adds its grace on top.
var defaultJanitorTimeout = 120 * time.Second

// SetWorkerTimeout sets the timeout advertised in heartbeat files
func SetWorkerTimeout(d time.Duration) {
	if d > 0 {
		defaultJanitorTimeout = d
	}
}

// Janitor sweeps heartbeat files whose workers died without cleanup.
// A file is stale when its heartbeat is older than the advertised
// timeout plus grace.
func Janitor() int {
	matches, err := filepath.Glob(filepath.Join(heartbeatDir, "worker_heartbeat_*.json"))
	if err != nil {
		return 0
	}

	removed := 0
	now := time.Now().Unix()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec heartbeatRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Unparseable heartbeat from a crashed writer
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}

		timeout := time.Duration(rec.Timeout) * time.Second
		if timeout <= 0 {
			timeout = defaultJanitorTimeout
		}
		stale := now-rec.Heartbeat > int64((timeout + janitorGrace).Seconds())
		if !stale {
			continue
		}

		if os.Remove(path) == nil {
			removed++
			logger.Warn("removed stale worker heartbeat",
				"path", filepath.Base(path), "pid", rec.PID,
				"age", time.Duration(now-rec.Heartbeat)*time.Second)
		}
	}
	return removed
}
