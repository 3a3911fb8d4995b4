package health

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLevelFromPercent(t *testing.T) {
	tests := []struct {
		percent float64
		want    Level
	}{
		{0, LevelHealthy},
		{69.9, LevelHealthy},
		{70, LevelWarning},
		{89.9, LevelWarning},
		{90, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		got := levelFromPercent(tt.percent, CPUWarningThreshold, CPUCriticalThreshold)
		if got != tt.want {
			t.Errorf("levelFromPercent(%.1f) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestWorstLevel(t *testing.T) {
	tests := []struct {
		name   string
		levels []Level
		want   Level
	}{
		{"all healthy", []Level{LevelHealthy, LevelHealthy}, LevelHealthy},
		{"one warning", []Level{LevelHealthy, LevelWarning}, LevelWarning},
		{"critical wins", []Level{LevelWarning, LevelCritical, LevelHealthy}, LevelCritical},
		{"empty", nil, LevelHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := worstLevel(tt.levels...); got != tt.want {
				t.Errorf("worstLevel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchedulerHealth(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "scheduler.lock")

	m := NewMonitor(dir, lock)

	// No lock file yet
	if h, _ := m.schedulerHealth(); h != "absent" {
		t.Errorf("health = %q, want absent", h)
	}

	// A live, current lock
	rec := `{"pid": 1234, "health": "healthy", "loop_count": 42}`
	if err := os.WriteFile(lock, []byte(rec), 0644); err != nil {
		t.Fatal(err)
	}
	h, loops := m.schedulerHealth()
	if h != "healthy" || loops != 42 {
		t.Errorf("health = %q loops = %d", h, loops)
	}

	// Torn write
	if err := os.WriteFile(lock, []byte("{torn"), 0644); err != nil {
		t.Fatal(err)
	}
	if h, _ := m.schedulerHealth(); h != "unreadable" {
		t.Errorf("health = %q, want unreadable", h)
	}

	// A lock that stopped updating is a wedged loop even when the last
	// record claims health
	if err := os.WriteFile(lock, []byte(rec), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-30 * time.Second)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	h, loops = m.schedulerHealth()
	if h != "stalled" || loops != 42 {
		t.Errorf("health = %q loops = %d, want stalled 42", h, loops)
	}
}

func TestSnapshotOverall(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "scheduler.lock")
	m := NewMonitor(dir, lock)

	// Scheduler absent is not an outage by itself
	snap := m.Snapshot()
	if snap.SchedulerHealth != "absent" {
		t.Errorf("scheduler health = %q", snap.SchedulerHealth)
	}
	if snap.NumCPU < 1 || snap.NumGoroutines < 1 {
		t.Errorf("runtime stats = %+v", snap)
	}
	if snap.DiskTotalMB <= 0 {
		t.Errorf("disk total = %f", snap.DiskTotalMB)
	}

	// A stalled scheduler forces the overall level critical
	if err := os.WriteFile(lock, []byte(`{"health": "healthy", "loop_count": 7}`), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	snap = m.Snapshot()
	if snap.SchedulerHealth != "stalled" {
		t.Errorf("scheduler health = %q", snap.SchedulerHealth)
	}
	if snap.OverallLevel != LevelCritical {
		t.Errorf("overall = %q, want critical", snap.OverallLevel)
	}
}
