package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo describes the host worldgate runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static host information. Fields gopsutil cannot
// read are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// HostStats is a point-in-time resource sample.
type HostStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	Goroutines    int       `json:"goroutines"`
	Uptime        string    `json:"uptime"`
	SampledAt     time.Time `json:"sampled_at"`
}

var startedAt = time.Now()

// SampleHostStats reads current CPU, memory and disk usage. diskPath selects
// the volume to report; errors from individual lookups leave zero values.
func SampleHostStats(diskPath string) HostStats {
	stats := HostStats{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
		SampledAt:  time.Now(),
	}
	if pct, err := GetCPUUsage(); err == nil {
		stats.CPUPercent = pct
	}
	if m, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = m.UsedPercent
		stats.MemoryUsedMB = m.Used / (1024 * 1024)
	}
	if diskPath != "" {
		if d, err := disk.Usage(diskPath); err == nil {
			stats.DiskPercent = d.UsedPercent
		}
	}
	return stats
}

// GetCPUUsage returns the CPU usage since the previous call.
func GetCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) > 0 {
		return percentages[0], nil
	}
	return 0, nil
}

// GetMemoryUsage returns system memory usage in percent.
func GetMemoryUsage() (float64, error) {
	m, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return m.UsedPercent, nil
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
