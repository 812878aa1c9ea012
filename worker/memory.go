package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Each extraction environment runs a browser context; memory per concurrent
// worker is dominated by that, with a buffer reserved for the rest of the
// host.
const (
	memoryPerWorkerGB = 1.5
	memoryBufferGB    = 2.0
	maxRecommended    = 16
)

func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

// recommendedWorkerCount estimates how many workers fit in available memory.
func recommendedWorkerCount(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxRecommended {
		return maxRecommended
	}
	return recommended
}

// checkMemoryPressure returns a warning when the configured worker count
// looks too high for available memory, or "" when it fits.
func checkMemoryPressure(workers int) string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := recommendedWorkerCount(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
