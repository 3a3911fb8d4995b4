package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// Service holds the live configuration and reloads it when the file
// changes. Readers get an immutable snapshot; a reload swaps the
// pointer, so in-flight work keeps the config it started with.
type Service struct {
	path    string
	current atomic.Pointer[File]

	mu        sync.Mutex
	lastMtime time.Time
	reloads   int64
	listeners []func(*File)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewService loads the initial configuration and starts watching the
// file. A watch failure is non-fatal; mtime polling still detects
// changes via CheckReload.
func NewService(path string) (*Service, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Service{
		path: path,
		done: make(chan struct{}),
	}
	s.current.Store(cfg)

	if st, err := os.Stat(path); err == nil {
		s.lastMtime = st.ModTime()
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(path); err == nil {
			s.watcher = watcher
			go s.watch()
		} else {
			_ = watcher.Close()
			logger.Warn("Config watch unavailable, falling back to mtime polling", "error", err)
		}
	}

	return s, nil
}

// Get returns the current configuration snapshot
func (s *Service) Get() *File {
	return s.current.Load()
}

// LastReload returns the time of the last successful reload (zero if none)
func (s *Service) LastReload() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMtime
}

// Reloads returns how many reloads have been applied
func (s *Service) Reloads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// Subscribe registers a callback invoked after each successful reload
func (s *Service) Subscribe(fn func(*File)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CheckReload reloads the configuration if the file mtime changed.
// The scheduler calls this each loop iteration; it is also triggered
// by fsnotify events. Returns true if a reload was applied.
func (s *Service) CheckReload() bool {
	st, err := os.Stat(s.path)
	if err != nil {
		return false
	}

	s.mu.Lock()
	changed := st.ModTime().After(s.lastMtime)
	s.mu.Unlock()
	if !changed {
		return false
	}

	return s.reload(st.ModTime())
}

// Close stops the file watcher
func (s *Service) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Service) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Editors often replace the file; re-add the watch
				// so subsequent writes are still seen.
				_ = s.watcher.Add(s.path)
				s.CheckReload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (s *Service) reload(mtime time.Time) bool {
	cfg, err := Load(s.path)
	if err != nil {
		// Keep serving the previous good config
		logger.Error("Config reload failed, keeping previous config", "error", err)
		return false
	}

	s.current.Store(cfg)

	s.mu.Lock()
	s.lastMtime = mtime
	s.reloads++
	listeners := make([]func(*File), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	logger.Info("Config reloaded", "airports", len(cfg.Airports))
	for _, fn := range listeners {
		fn(cfg)
	}
	return true
}

// Location returns the airport's time.Location (UTC when unset)
func (a *Airport) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}
