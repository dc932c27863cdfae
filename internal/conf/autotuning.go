package conf

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultRAMMB = 4096 // 4 GB fallback when total RAM cannot be determined

// sysRAMMB returns total physical RAM in megabytes, read through gopsutil so
// sizing works the same on every platform the proxy runs on.
func sysRAMMB() int {
	v, err := mem.VirtualMemory()
	if err != nil || v.Total == 0 {
		return defaultRAMMB
	}
	return int(v.Total / 1024 / 1024)
}

// sysCPUCount returns the number of logical CPUs available to the process.
func sysCPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// clampInt clamps v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
