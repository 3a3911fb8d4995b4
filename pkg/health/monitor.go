package health

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Stats is one health snapshot
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	CPULevel      Level   `json:"cpu_level"`
	NumGoroutines int     `json:"num_goroutines"`
	NumCPU        int     `json:"num_cpu"`

	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemPercent  float64 `json:"mem_percent"`
	MemLevel    Level   `json:"mem_level"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`

	// Disk is the data volume where imagery and weather land
	DiskUsedMB  float64 `json:"disk_used_mb"`
	DiskFreeMB  float64 `json:"disk_free_mb"`
	DiskTotalMB float64 `json:"disk_total_mb"`
	DiskPercent float64 `json:"disk_percent"`
	DiskLevel   Level   `json:"disk_level"`

	SchedulerHealth string `json:"scheduler_health"`
	SchedulerLoops  int64  `json:"scheduler_loops"`

	OverallLevel Level  `json:"overall_level"`
	Uptime       string `json:"uptime"`
}

// Monitor samples process and host health
type Monitor struct {
	mu        sync.Mutex
	started   time.Time
	dataDir   string
	lockPath  string
	lastTotal uint64
	lastIdle  uint64
	lastCPUAt time.Time
	lastCPU   float64
}

// NewMonitor creates a monitor over the data directory and scheduler
// lock file.
func NewMonitor(dataDir, lockPath string) *Monitor {
	m := &Monitor{
		started:  time.Now(),
		dataDir:  dataDir,
		lockPath: lockPath,
	}
	m.lastTotal, m.lastIdle = readCPUStats()
	m.lastCPUAt = time.Now()
	return m
}

// Snapshot returns the current health stats
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		NumCPU:        runtime.NumCPU(),
		NumGoroutines: runtime.NumGoroutine(),
		Uptime:        time.Since(m.started).Round(time.Second).String(),
	}

	stats.CPUPercent = m.cpuPercent()
	stats.CPULevel = levelFromPercent(stats.CPUPercent, CPUWarningThreshold, CPUCriticalThreshold)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.HeapAllocMB = float64(memStats.HeapAlloc) / (1 << 20)

	stats.MemUsedMB, stats.MemTotalMB = systemMemory()
	if stats.MemTotalMB > 0 {
		stats.MemPercent = stats.MemUsedMB / stats.MemTotalMB * 100
	}
	stats.MemLevel = levelFromPercent(stats.MemPercent, MemWarningThreshold, MemCriticalThreshold)

	stats.DiskUsedMB, stats.DiskFreeMB, stats.DiskTotalMB = diskStats(m.dataDir)
	if stats.DiskTotalMB > 0 {
		stats.DiskPercent = stats.DiskUsedMB / stats.DiskTotalMB * 100
	}
	stats.DiskLevel = levelFromPercent(stats.DiskPercent, DiskWarningThreshold, DiskCriticalThreshold)

	stats.SchedulerHealth, stats.SchedulerLoops = m.schedulerHealth()

	stats.OverallLevel = worstLevel(stats.CPULevel, stats.MemLevel, stats.DiskLevel)
	if stats.SchedulerHealth == "unhealthy" || stats.SchedulerHealth == "stalled" {
		stats.OverallLevel = worstLevel(stats.OverallLevel, LevelCritical)
	}

	return stats
}

// schedulerHealth reads the lock file and cross-checks staleness: a
// lock that stopped updating means a wedged loop even if the last
// record claims health.
func (m *Monitor) schedulerHealth() (string, int64) {
	info, err := os.Stat(m.lockPath)
	if err != nil {
		return "absent", 0
	}

	var rec struct {
		Health    string `json:"health"`
		LoopCount int64  `json:"loop_count"`
	}
	data, err := os.ReadFile(m.lockPath)
	if err != nil || json.Unmarshal(data, &rec) != nil {
		return "unreadable", 0
	}

	if time.Since(info.ModTime()) > 5*time.Second {
		return "stalled", rec.LoopCount
	}
	return rec.Health, rec.LoopCount
}

func (m *Monitor) cpuPercent() float64 {
	total, idle := readCPUStats()
	now := time.Now()

	if now.Sub(m.lastCPUAt).Seconds() < 0.1 {
		return m.lastCPU
	}

	totalDelta := total - m.lastTotal
	idleDelta := idle - m.lastIdle
	m.lastTotal, m.lastIdle, m.lastCPUAt = total, idle, now

	if totalDelta == 0 {
		return 0
	}
	pct := (1.0 - float64(idleDelta)/float64(totalDelta)) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	m.lastCPU = pct
	return pct
}

// diskStats reports the data volume usage via statfs
func diskStats(path string) (usedMB, freeMB, totalMB float64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, 0
	}
	block := uint64(st.Bsize)
	total := st.Blocks * block
	free := st.Bavail * block
	used := total - st.Bfree*block
	return float64(used) / (1 << 20), float64(free) / (1 << 20), float64(total) / (1 << 20)
}

// readCPUStats reads aggregate CPU counters from /proc/stat
func readCPUStats() (total, idle uint64) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			break
		}
		for i := 1; i < len(fields); i++ {
			v, _ := strconv.ParseUint(fields[i], 10, 64)
			total += v
		}
		idle, _ = strconv.ParseUint(fields[4], 10, 64)
		return total, idle
	}
	return 0, 0
}

// systemMemory reads used/total from /proc/meminfo, estimating from
// the Go runtime off-Linux.
func systemMemory() (usedMB, totalMB float64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Sys) / (1 << 20), float64(m.Sys*2) / (1 << 20)
	}

	var memTotal, memAvailable, memFree, buffers, cached uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			memTotal = value
		case "MemAvailable:":
			memAvailable = value
		case "MemFree:":
			memFree = value
		case "Buffers:":
			buffers = value
		case "Cached:":
			cached = value
		}
	}

	totalMB = float64(memTotal) / 1024
	if memAvailable > 0 {
		usedMB = float64(memTotal-memAvailable) / 1024
	} else {
		usedMB = float64(memTotal-memFree-buffers-cached) / 1024
	}
	return usedMB, totalMB
}
