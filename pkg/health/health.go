// Package health reports process and host health for the daemon: Go
// runtime stats, system memory and CPU, disk headroom on the data
// volume, and scheduler loop liveness.
package health

// Level represents a health status level
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Thresholds for health levels (percentages)
const (
	CPUWarningThreshold   = 70.0
	CPUCriticalThreshold  = 90.0
	MemWarningThreshold   = 70.0
	MemCriticalThreshold  = 85.0
	DiskWarningThreshold  = 70.0
	DiskCriticalThreshold = 85.0
)

// levelFromPercent maps a utilization percentage to a level
func levelFromPercent(percent, warning, critical float64) Level {
	switch {
	case percent >= critical:
		return LevelCritical
	case percent >= warning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

// worstLevel returns the most severe of the given levels
func worstLevel(levels ...Level) Level {
	worst := LevelHealthy
	for _, l := range levels {
		if l == LevelCritical {
			return LevelCritical
		}
		if l == LevelWarning && worst == LevelHealthy {
			worst = LevelWarning
		}
	}
	return worst
}
