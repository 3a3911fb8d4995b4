// Package scheduler runs the acquisition daemon: a one-second loop
// that computes the due set from refresh cadences, filters it through
// the circuit breakers, and dispatches jobs to the webcam and weather
// pools.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
	"github.com/airfieldwx/airfieldwx/internal/pipeline"
	"github.com/airfieldwx/airfieldwx/internal/pool"
	"github.com/airfieldwx/airfieldwx/internal/store"
	"github.com/airfieldwx/airfieldwx/internal/timeauth"
	"github.com/airfieldwx/airfieldwx/internal/weather"
)

const (
	loopInterval = time.Second

	// The loop is declared unhealthy when it stalls past this
	loopStallLimit = 5 * time.Second

	// Janitor cadence, in loop iterations
	janitorEvery = 60
)

// LockPath is where the scheduler advertises liveness
var LockPath = "/tmp/scheduler.lock"

// lockRecord is the liveness file rewritten every loop
type lockRecord struct {
	PID                 int    `json:"pid"`
	Started             int64  `json:"started"`
	Health              string `json:"health"`
	LoopCount           int64  `json:"loop_count"`
	LastError           string `json:"last_error,omitempty"`
	ConfigAirportsCount int    `json:"config_airports_count"`
	ConfigLastReload    int64  `json:"config_last_reload,omitempty"`
}

// Scheduler owns the dispatch loop and the shared collaborators
type Scheduler struct {
	cfgSvc   *config.Service
	store    *store.Store
	backoff  *backoff.Store
	pipeline *pipeline.Pipeline
	weather  *weather.Poller
	clock    *timeauth.ClockHealth
	client   *http.Client

	webcamPool  *pool.Pool
	weatherPool *pool.Pool

	lastAttempt map[string]time.Time
	started     time.Time
	lastLoop    time.Time
	loopCount   int64

	// Most recent job error, written from pool goroutines
	errMu     sync.Mutex
	lastError string
}

func (s *Scheduler) noteError(msg string) {
	s.errMu.Lock()
	s.lastError = msg
	s.errMu.Unlock()
}

func (s *Scheduler) lastErrorSnapshot() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}

// New wires a scheduler from its collaborators. Pool sizes and the
// worker timeout come from the global config.
func New(cfgSvc *config.Service, st *store.Store, bo *backoff.Store, pl *pipeline.Pipeline, wp *weather.Poller, clock *timeauth.ClockHealth) *Scheduler {
	global := cfgSvc.Get().Global

	webcamWorkers, weatherWorkers := 4, 2
	timeout := 120 * time.Second
	requestTimeout := 30 * time.Second
	if global != nil {
		if global.MaxWebcamWorkers > 0 {
			webcamWorkers = global.MaxWebcamWorkers
		}
		if global.MaxWeatherWorkers > 0 {
			weatherWorkers = global.MaxWeatherWorkers
		}
		if global.WorkerTimeoutSeconds > 0 {
			timeout = time.Duration(global.WorkerTimeoutSeconds) * time.Second
		}
		if global.RequestTimeoutSeconds > 0 {
			requestTimeout = time.Duration(global.RequestTimeoutSeconds) * time.Second
		}
	}
	pool.SetWorkerTimeout(timeout)

	return &Scheduler{
		cfgSvc:      cfgSvc,
		store:       st,
		backoff:     bo,
		pipeline:    pl,
		weather:     wp,
		clock:       clock,
		client:      &http.Client{Timeout: requestTimeout},
		webcamPool:  pool.New("webcam", webcamWorkers, timeout),
		weatherPool: pool.New("weather", weatherWorkers, timeout),
		lastAttempt: map[string]time.Time{},
		started:     time.Now(),
	}
}

// Run drives the loop until the context is canceled
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("scheduler starting", "pid", os.Getpid(), "lock", LockPath)
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopping")
			s.webcamPool.Close()
			s.weatherPool.Close()
			_ = os.Remove(LockPath)
			return ctx.Err()
		case <-ticker.C:
			s.loop(ctx)
		}
	}
}

// loop is one scheduler iteration
func (s *Scheduler) loop(ctx context.Context) {
	now := time.Now()

	s.cfgSvc.CheckReload()
	snapshot := s.cfgSvc.Get()
	global := snapshot.Global

	open := 0
	for _, airportID := range sortedAirports(snapshot) {
		airport := snapshot.Airports[airportID]

		for camIndex := range airport.Webcams {
			cam := &airport.Webcams[camIndex]
			dueKey := fmt.Sprintf("webcam/%s/%d", airportID, camIndex)
			refresh := time.Duration(airport.EffectiveWebcamRefresh(cam, global)) * time.Second
			if now.Sub(s.lastAttempt[dueKey]) < refresh {
				continue
			}

			bkey := backoff.Key{Airport: airportID, Role: "webcam", Kind: fmt.Sprintf("cam%d", camIndex)}
			if d := s.backoff.Check(bkey); d.Skip {
				open++
				continue
			}

			a := airport
			ci := camIndex
			job := pool.Job{
				Key: fmt.Sprintf("%s/%d", airportID, camIndex),
				Run: func(jobCtx context.Context) error {
					err := s.runWebcamJob(jobCtx, airportID, &a, ci)
					if err != nil {
						s.noteError(fmt.Sprintf("webcam %s/%d: %v", airportID, ci, err))
					}
					return err
				},
			}
			if s.webcamPool.Add(job) {
				s.lastAttempt[dueKey] = now
			}
		}

		if len(airport.WeatherSources) > 0 {
			dueKey := "weather/" + airportID
			if now.Sub(s.lastAttempt[dueKey]) >= s.weatherRefresh(&airport, global) {
				a := airport
				job := pool.Job{
					Key: "weather/" + airportID,
					Run: func(jobCtx context.Context) error {
						err := s.weather.Poll(jobCtx, airportID, &a, global)
						if err != nil {
							s.noteError(fmt.Sprintf("weather %s: %v", airportID, err))
						}
						return err
					},
				}
				if s.weatherPool.Add(job) {
					s.lastAttempt[dueKey] = now
				}
			}
		}
	}

	metrics.CircuitsOpen.Set(float64(open))
	metrics.SchedulerLoops.Inc()

	s.loopCount++
	s.writeLock(now, snapshot)
	s.lastLoop = now

	if s.loopCount%janitorEvery == 0 {
		pool.Janitor()
	}
}

// weatherRefresh is the airport's shortest weather cadence: the poll
// job covers every source, so it runs at the fastest one.
func (s *Scheduler) weatherRefresh(airport *config.Airport, global *config.Global) time.Duration {
	min := 0
	for i := range airport.WeatherSources {
		r := airport.EffectiveWeatherRefresh(&airport.WeatherSources[i], global)
		if min == 0 || r < min {
			min = r
		}
	}
	if min == 0 {
		min = 300
	}
	return time.Duration(min) * time.Second
}

// writeLock rewrites the liveness file. Health degrades when the
// previous loop was more than the stall limit ago.
func (s *Scheduler) writeLock(now time.Time, snapshot *config.File) {
	health := "healthy"
	if !s.lastLoop.IsZero() && now.Sub(s.lastLoop) > loopStallLimit {
		health = "unhealthy"
	}

	rec := lockRecord{
		PID:                 os.Getpid(),
		Started:             s.started.Unix(),
		Health:              health,
		LoopCount:           s.loopCount,
		LastError:           s.lastErrorSnapshot(),
		ConfigAirportsCount: len(snapshot.Airports),
	}
	if lr := s.cfgSvc.LastReload(); !lr.IsZero() {
		rec.ConfigLastReload = lr.Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(LockPath, data, 0644); err != nil {
		logger.Debug("lock write failed", "error", err)
	}
}

func sortedAirports(snapshot *config.File) []string {
	ids := make([]string, 0, len(snapshot.Airports))
	for id := range snapshot.Airports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
