package staleness

import (
	"sync"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// Recovery gates: switching back from backup to primary requires BOTH
// a run of consecutive primary successes and a minimum dwell time, so
// a flapping primary cannot oscillate the published source.
const (
	RecoverySuccesses = 15
	RecoveryWindow    = 900 * time.Second
)

// Failover tracks the primary/backup state for one airport's weather
type Failover struct {
	mu sync.Mutex

	backupActive bool
	successes    int
	activatedAt  time.Time
	now          func() time.Time
}

// NewFailover creates a failover tracker starting on primary
func NewFailover() *Failover {
	return &Failover{now: time.Now}
}

// BackupActive reports whether the backup source is currently serving
func (f *Failover) BackupActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backupActive
}

// Observe applies the activation rule: the backup takes over when the
// primary has aged past warning while the backup is still inside it.
func (f *Failover) Observe(airportID string, primaryAge, backupAge time.Duration, th Thresholds) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.backupActive && primaryAge >= th.Warning && backupAge < th.Warning {
		f.backupActive = true
		f.successes = 0
		f.activatedAt = f.now()
		logger.Warn("weather backup activated",
			"airport", airportID,
			"primary_age", primaryAge.Round(time.Second).String(),
			"backup_age", backupAge.Round(time.Second).String())
	}
}

// RecordPrimarySuccess advances the recovery counter. The switch back
// happens only once both gates pass: a full success streak and the
// dwell window elapsed since backup activation.
func (f *Failover) RecordPrimarySuccess(airportID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.backupActive {
		return
	}

	f.successes++

	if f.successes >= RecoverySuccesses && f.now().Sub(f.activatedAt) >= RecoveryWindow {
		f.backupActive = false
		f.successes = 0
		f.activatedAt = time.Time{}
		logger.Info("weather primary recovered", "airport", airportID)
	}
}

// RecordPrimaryFailure resets the recovery streak. The activation
// instant is untouched: the dwell clock does not restart.
func (f *Failover) RecordPrimaryFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = 0
}
