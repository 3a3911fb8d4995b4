// Package web serves the status and imagery endpoints: /healthz,
// /status/<airport>, /metrics, and /webcams/... file serving with
// integrity headers and rate limiting.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airfieldwx/airfieldwx/internal/cache"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/integrity"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/ratelimit"
	"github.com/airfieldwx/airfieldwx/internal/staleness"
	"github.com/airfieldwx/airfieldwx/internal/store"
	"github.com/airfieldwx/airfieldwx/pkg/health"
)

// Rate limit budgets per client per window
const (
	limitWindow   = time.Minute
	statusBudget  = 120
	imageBudget   = 600
	pruneInterval = 5 * time.Minute

	// A rotation can briefly interpose between symlink swap and
	// variant promotion; one short retry covers it.
	serveRetryDelay = 100 * time.Millisecond

	// Status evaluation walks the data tree; a short cache absorbs
	// polling bursts without hiding tier transitions.
	statusCacheTTL = 5 * time.Second

	defaultLogLines = 100
	maxLogLines     = 1000
)

// Server is the public-facing HTTP surface
type Server struct {
	cfgSvc    *config.Service
	store     *store.Store
	evaluator *staleness.Evaluator
	monitor   *health.Monitor
	integrity *integrity.Cache
	statusCch *cache.Loader
	statusLim *ratelimit.Limiter
	imageLim  *ratelimit.Limiter
	mux       *http.ServeMux
	server    *http.Server
	started   time.Time
}

// NewServer wires the HTTP surface over the given collaborators
func NewServer(cfgSvc *config.Service, st *store.Store, ev *staleness.Evaluator, mon *health.Monitor) *Server {
	s := &Server{
		cfgSvc:    cfgSvc,
		store:     st,
		evaluator: ev,
		monitor:   mon,
		integrity: integrity.NewCache(0),
		statusCch: cache.NewLoader(),
		statusLim: ratelimit.New(statusBudget, limitWindow),
		imageLim:  ratelimit.New(imageBudget, limitWindow),
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status/", s.rateLimited(s.statusLim, "status", s.handleStatus))
	s.mux.HandleFunc("/logs", s.rateLimited(s.statusLim, "logs", s.handleLogs))
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webcams/", s.rateLimited(s.imageLim, "image", s.handleWebcamFile))
}

// Start runs the server until it fails or is shut down
func (s *Server) Start() error {
	addr := ":8094"
	if g := s.cfgSvc.Get().Global; g != nil && g.ListenAddr != "" {
		addr = g.ListenAddr
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.housekeeping()

	logger.Info("status server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) housekeeping() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.statusLim.Prune()
		s.imageLim.Prune()
	}
}

// rateLimited wraps a handler with the per-client window gate
func (s *Server) rateLimited(lim *ratelimit.Limiter, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !lim.Allow(endpoint, ip) {
			retry := lim.RetryAfter(endpoint, ip)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"time":           time.Now().UTC().Format(time.RFC3339),
	}
	if s.monitor != nil {
		snap := s.monitor.Snapshot()
		body["system"] = snap
		if snap.OverallLevel == "critical" {
			body["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// handleStatus serves /status/<airport>: the per-source tier report
// and the outage banner flag.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	airportID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/status/"), "/")
	if airportID == "" {
		s.handleStatusIndex(w)
		return
	}

	snapshot := s.cfgSvc.Get()
	airport, ok := snapshot.Airports[airportID]
	if !ok {
		http.Error(w, "Unknown airport", http.StatusNotFound)
		return
	}

	var status staleness.AirportStatus
	err := s.statusCch.Get("status/"+airportID, "", statusCacheTTL, &status, func() (interface{}, error) {
		return s.evaluator.Evaluate(airportID, &airport, snapshot.Global), nil
	})
	if err != nil {
		http.Error(w, "Status unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(status)
}

// handleLogs serves the most recent entries from the in-memory log
// ring buffer, JSON by default or plain text with ?format=text.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := defaultLogLines
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			http.Error(w, "Bad line count", http.StatusBadRequest)
			return
		}
		n = v
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	entries := logger.GetRecentLogs(n)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, e := range entries {
			_, _ = fmt.Fprintln(w, logger.FormatEntry(e))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"entries": entries})
}

func (s *Server) handleStatusIndex(w http.ResponseWriter) {
	snapshot := s.cfgSvc.Get()
	ids := make([]string, 0, len(snapshot.Airports))
	for id := range snapshot.Airports {
		ids = append(ids, id)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"airports": ids})
}

// handleWebcamFile serves current aliases and archived variants under
// /webcams/<airport>/<cam>/..., with integrity headers and weak-ETag
// conditional responses.
func (s *Server) handleWebcamFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/webcams/")
	parts := strings.Split(rel, "/")
	if len(parts) < 3 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	airportID := parts[0]
	snapshot := s.cfgSvc.Get()
	if _, ok := snapshot.Airports[airportID]; !ok {
		http.Error(w, "Unknown airport", http.StatusNotFound)
		return
	}

	// Resolve under the data root and refuse traversal
	full := filepath.Join(s.store.Root(), "webcams", filepath.Clean("/"+rel))
	root := filepath.Join(s.store.Root(), "webcams")
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	// Staging, quarantine, and metadata are not servable
	for _, p := range parts[1:] {
		if p == "staging" || p == "rejections" || strings.HasSuffix(p, ".json") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	s.serveFile(w, r, full)
}

// serveFile sends the file with integrity headers, retrying once after
// a short delay when a promotion races the read.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	if _, err := os.Stat(path); err != nil {
		time.Sleep(serveRetryDelay)
		if _, err := os.Stat(path); err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	done, err := s.integrity.Apply(w, r, path)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if done {
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Cache-Control", "public, max-age=60")
	http.ServeFile(w, r, path)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}
