// Package pool runs acquisition and weather jobs with bounded
// parallelism. Jobs are deduplicated by key so a slow camera can never
// have two acquisitions in flight, and every worker arms a self-timeout
// below the hard job timeout so it can fail cleanly instead of being
// killed mid-write.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
)

const (
	// AddWait bounds how long Add blocks for a worker slot
	AddWait = 5 * time.Minute

	// selfTimeoutMargin is subtracted from the job timeout for the
	// worker's own deadline, leaving room for cleanup.
	selfTimeoutMargin = 5 * time.Second
)

// Outcome classifies a finished job
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Job is one unit of work. Key deduplicates: an Add for a key already
// in flight is dropped.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// Results summarizes pool outcomes since creation
type Results struct {
	Completed int
	TimedOut  int
	Failed    int
}

// Pool is a bounded, deduplicating worker pool
type Pool struct {
	name    string
	timeout time.Duration
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	results  Results
}

// New creates a pool with the given worker count and per-job timeout
func New(name string, workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:     name,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(int64(workers)),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]struct{}{},
	}
}

// Add submits a job. Returns false when the key is already in flight
// or no slot frees up within AddWait.
func (p *Pool) Add(job Job) bool {
	p.mu.Lock()
	if _, busy := p.inflight[job.Key]; busy {
		p.mu.Unlock()
		return false
	}
	p.inflight[job.Key] = struct{}{}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(p.ctx, AddWait)
	err := p.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		p.release(job.Key)
		logger.Warn("pool slot wait exhausted", "pool", p.name, "key", job.Key)
		return false
	}

	p.wg.Add(1)
	go p.run(job)
	return true
}

func (p *Pool) run(job Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer p.release(job.Key)

	selfTimeout := p.timeout - selfTimeoutMargin
	if selfTimeout < time.Second {
		selfTimeout = time.Second
	}
	jobCtx, cancel := context.WithTimeout(p.ctx, selfTimeout)
	defer cancel()

	hb := startHeartbeat(p.name+"_"+job.Key, p.timeout)
	defer hb.stop()

	start := time.Now()
	err := job.Run(jobCtx)
	elapsed := time.Since(start)

	outcome := OutcomeCompleted
	switch {
	case err == nil:
		// completed
	case errors.Is(err, context.DeadlineExceeded) || jobCtx.Err() == context.DeadlineExceeded:
		outcome = OutcomeTimedOut
		logger.Warn("worker timed out",
			"pool", p.name, "key", job.Key, "elapsed", elapsed.Round(time.Millisecond).String())
	default:
		outcome = OutcomeFailed
		logger.Warn("worker failed",
			"pool", p.name, "key", job.Key, "error", err)
	}

	p.mu.Lock()
	switch outcome {
	case OutcomeCompleted:
		p.results.Completed++
	case OutcomeTimedOut:
		p.results.TimedOut++
	case OutcomeFailed:
		p.results.Failed++
	}
	p.mu.Unlock()

	metrics.PoolJobs.WithLabelValues(p.name, string(outcome)).Inc()
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// InFlight reports whether a key currently has a running job
func (p *Pool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inflight[key]
	return busy
}

// Wait blocks until all submitted jobs finish and returns the tallies
func (p *Pool) Wait() Results {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}

// Close cancels all running jobs and waits for them to unwind
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
