// Package preflight checks the machine has enough headroom to launch a pool
// of browsers. The checks are advisory, a failed preflight is logged and the
// run proceeds, slow hardware should show up in the report, not block it.
package preflight

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config holds the thresholds. A zero threshold disables its check.
type Config struct {
	MaxCPUPercent  int     // fail when CPU usage is at or above
	MaxMemPercent  int     // fail when memory usage is at or above
	MaxLoadAvg     float64 // fail when load1 is at or above
	MinDiskFreePct int     // fail when free space on DiskPath drops below
	DiskPath       string  // defaults to /
	Custom         string  // shell script, non-zero exit fails the check
}

// Enabled reports whether any threshold is set at all.
func (c Config) Enabled() bool {
	return c.MaxCPUPercent > 0 || c.MaxMemPercent > 0 || c.MaxLoadAvg > 0 ||
		c.MinDiskFreePct > 0 || c.Custom != ""
}

// Checker adapts the package level checks to the coordinator's interface.
type Checker struct{}

// Check verifies all enabled thresholds, see the package function.
func (Checker) Check(cfg Config) (bool, string) { return Check(cfg) }

// Check verifies all enabled thresholds.
// Returns true if the machine passes, false with a reason otherwise.
func Check(cfg Config) (bool, string) {
	if cfg.MaxCPUPercent > 0 {
		if ok, reason := checkCPU(cfg.MaxCPUPercent); !ok {
			return false, reason
		}
	}

	if cfg.MaxMemPercent > 0 {
		if ok, reason := checkMemory(cfg.MaxMemPercent); !ok {
			return false, reason
		}
	}

	if cfg.MaxLoadAvg > 0 {
		if ok, reason := checkLoadAvg(cfg.MaxLoadAvg); !ok {
			return false, reason
		}
	}

	if cfg.MinDiskFreePct > 0 {
		path := cfg.DiskPath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(cfg.MinDiskFreePct, path); !ok {
			return false, reason
		}
	}

	if cfg.Custom != "" {
		if ok, reason := checkCustom(cfg.Custom); !ok {
			return false, reason
		}
	}

	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs a custom script and checks its exit code
func checkCustom(script string) (bool, string) {
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
