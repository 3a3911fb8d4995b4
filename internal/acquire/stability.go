package acquire

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Stability tuning. A push upload is considered settled after N
// consecutive unchanged size+mtime observations; N adapts per camera
// from the rolling stabilization history.
const (
	stabilityInterval   = 500 * time.Millisecond
	stabilityTimeout    = 30 * time.Second
	minStableChecks     = 2
	maxStableChecks     = 10
	defaultStableChecks = 3

	stabilityWindow     = 50 // Rolling sample count per camera
	stabilityMinSamples = 10 // Below this the default applies
)

// stabilityTracker holds per-camera stabilization history. Trackers
// live for the process lifetime; push strategies are rebuilt per run
// so the registry is keyed by camera, not by strategy instance.
type stabilityTracker struct {
	mu        sync.Mutex
	durations []time.Duration
	accepted  int
	rejected  int
}

var (
	trackersMu sync.Mutex
	trackers   = map[string]*stabilityTracker{}
)

func trackerFor(airport string, cam int) *stabilityTracker {
	trackersMu.Lock()
	defer trackersMu.Unlock()
	key := fmt.Sprintf("%s/%d", airport, cam)
	t, ok := trackers[key]
	if !ok {
		t = &stabilityTracker{}
		trackers[key] = t
	}
	return t
}

// RecordStabilization adds one observed settle duration
func (t *stabilityTracker) RecordStabilization(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations = append(t.durations, d)
	if len(t.durations) > stabilityWindow {
		t.durations = t.durations[len(t.durations)-stabilityWindow:]
	}
}

// RecordAccept and RecordReject feed the rejection-rate signal
func (t *stabilityTracker) RecordAccept() {
	t.mu.Lock()
	t.accepted++
	t.mu.Unlock()
}

func (t *stabilityTracker) RecordReject() {
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()
}

// RequiredChecks returns the adaptive N: P95 settle time with a 1.5x
// margin, expressed in poll intervals and clamped. Sparse history or
// an elevated rejection rate (>5%) falls back to the conservative
// default.
func (t *stabilityTracker) RequiredChecks() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.durations) < stabilityMinSamples {
		return defaultStableChecks
	}
	total := t.accepted + t.rejected
	if total > 0 && float64(t.rejected)/float64(total) > 0.05 {
		return defaultStableChecks
	}

	sorted := make([]time.Duration, len(t.durations))
	copy(sorted, t.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p95 := sorted[(len(sorted)*95)/100]
	n := int(math.Ceil(float64(p95) * 1.5 / float64(stabilityInterval)))

	if n < minStableChecks {
		return minStableChecks
	}
	if n > maxStableChecks {
		return maxStableChecks
	}
	return n
}
