package staleness

import (
	"testing"
	"time"
)

func newTestFailover() (*Failover, *time.Time) {
	f := NewFailover()
	now := time.Unix(1700000000, 0)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestObserveActivatesBackup(t *testing.T) {
	f, _ := newTestFailover()
	th := DefaultGeneral()

	// Primary still fresh: no switch
	f.Observe("kspb", 5*time.Minute, time.Minute, th)
	if f.BackupActive() {
		t.Fatal("backup activated with a fresh primary")
	}

	// Primary past warning but backup stale too: no switch
	f.Observe("kspb", 11*time.Minute, 12*time.Minute, th)
	if f.BackupActive() {
		t.Fatal("backup activated while itself stale")
	}

	// Primary past warning, backup fresh: switch
	f.Observe("kspb", 11*time.Minute, time.Minute, th)
	if !f.BackupActive() {
		t.Fatal("backup not activated")
	}
}

func TestRecoveryNeedsBothGates(t *testing.T) {
	f, now := newTestFailover()
	th := DefaultGeneral()
	f.Observe("kspb", 11*time.Minute, time.Minute, th)

	// Enough successes but inside the dwell window: stay on backup
	for i := 0; i < RecoverySuccesses; i++ {
		f.RecordPrimarySuccess("kspb")
		*now = now.Add(10 * time.Second)
	}
	if !f.BackupActive() {
		t.Fatal("switched back before the dwell window elapsed")
	}

	// Dwell satisfied but streak short: stay on backup
	*now = now.Add(RecoveryWindow)
	f2, now2 := newTestFailover()
	f2.Observe("kspb", 11*time.Minute, time.Minute, th)
	for i := 0; i < RecoverySuccesses-1; i++ {
		f2.RecordPrimarySuccess("kspb")
		*now2 = now2.Add(2 * time.Minute)
	}
	if !f2.BackupActive() {
		t.Fatal("switched back before the success streak completed")
	}

	// Both gates pass on the next success
	f2.RecordPrimarySuccess("kspb")
	if f2.BackupActive() {
		t.Error("did not switch back with both gates satisfied")
	}
}

func TestRecoveryWindowRunsFromActivation(t *testing.T) {
	f, now := newTestFailover()
	th := DefaultGeneral()
	f.Observe("kspb", 11*time.Minute, time.Minute, th)

	// The dwell clock started at activation, so once the window has
	// elapsed a fresh success streak switches back without further delay
	*now = now.Add(RecoveryWindow)
	for i := 0; i < RecoverySuccesses; i++ {
		f.RecordPrimarySuccess("kspb")
	}
	if f.BackupActive() {
		t.Error("dwell window measured from the streak instead of activation")
	}
}

func TestPrimaryFailureKeepsDwellClock(t *testing.T) {
	f, now := newTestFailover()
	th := DefaultGeneral()
	f.Observe("kspb", 11*time.Minute, time.Minute, th)

	// A failure past the window resets the streak but not the clock
	*now = now.Add(RecoveryWindow)
	f.RecordPrimaryFailure()
	for i := 0; i < RecoverySuccesses; i++ {
		f.RecordPrimarySuccess("kspb")
	}
	if f.BackupActive() {
		t.Error("failure restarted the dwell window")
	}
}

func TestPrimaryFailureResetsStreak(t *testing.T) {
	f, now := newTestFailover()
	th := DefaultGeneral()
	f.Observe("kspb", 11*time.Minute, time.Minute, th)

	for i := 0; i < RecoverySuccesses-1; i++ {
		f.RecordPrimarySuccess("kspb")
		*now = now.Add(2 * time.Minute)
	}
	f.RecordPrimaryFailure()

	// The streak restarts: this success is number one, not fifteen
	f.RecordPrimarySuccess("kspb")
	if !f.BackupActive() {
		t.Error("switched back despite a reset streak")
	}
}

func TestSuccessesIgnoredOnPrimary(t *testing.T) {
	f, _ := newTestFailover()

	for i := 0; i < RecoverySuccesses*2; i++ {
		f.RecordPrimarySuccess("kspb")
	}
	if f.BackupActive() {
		t.Error("successes on primary flipped state")
	}
}
