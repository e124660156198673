package worker

import (
	"context"
	"runtime"
	"time"

	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// statsSampleWindow is how long one CPU utilization sample observes.
const statsSampleWindow = 500 * time.Millisecond

// SampleStats returns current CPU and memory utilization percentages.
// Best effort: a failed read reports zero rather than failing the
// heartbeat.
func SampleStats(ctx context.Context) (cpuPercent, memPercent float64) {
	if percents, err := cpu.PercentWithContext(ctx, statsSampleWindow, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}

// FreeSpace returns the free bytes on the filesystem holding path, or 0
// when the path cannot be statted.
func FreeSpace(ctx context.Context, path string) uint64 {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0
	}
	return usage.Free
}

// DetectCapabilities reports the host's transcoding capacity.
func DetectCapabilities(ctx context.Context) models.Capabilities {
	caps := models.Capabilities{CPUCount: runtime.NumCPU()}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryTotal = int64(vm.Total)
	}
	return caps
}
