package preflight

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// MinAvailableMemory is the memory below which extraction workers tend to be
// killed by the OOM killer.
const MinAvailableMemory uint64 = 512 << 20

// HostSnapshot captures the host resources relevant to worker sizing.
type HostSnapshot struct {
	LogicalCPUs     int     `json:"logical_cpus"`
	TotalMemory     uint64  `json:"total_memory"`
	AvailableMemory uint64  `json:"available_memory"`
	Load1           float64 `json:"load1"`
}

// ProbeHost reads the host snapshot. Fields the platform cannot report stay zero.
func ProbeHost(ctx context.Context) (HostSnapshot, error) {
	var snap HostSnapshot
	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return snap, fmt.Errorf("count cpus: %w", err)
	}
	snap.LogicalCPUs = count

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("read memory: %w", err)
	}
	snap.TotalMemory = vm.Total
	snap.AvailableMemory = vm.Available

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
	}
	return snap, nil
}

// CheckHostResources reports advisory results for the configured worker
// concurrency against the host's CPUs and available memory.
func CheckHostResources(ctx context.Context, concurrency int) []Result {
	snap, err := ProbeHost(ctx)
	if err != nil {
		return []Result{{Name: "Host resources", Advisory: true, Detail: err.Error()}}
	}
	return evaluateHost(snap, concurrency)
}

func evaluateHost(snap HostSnapshot, concurrency int) []Result {
	cpuResult := Result{Name: "Worker concurrency", Advisory: true}
	switch {
	case snap.LogicalCPUs <= 0:
		cpuResult.Detail = "cpu count unavailable"
	case concurrency > 2*snap.LogicalCPUs:
		cpuResult.Detail = fmt.Sprintf("%d workers on %d logical cpus; extraction will contend", concurrency, snap.LogicalCPUs)
	default:
		cpuResult.Passed = true
		cpuResult.Detail = fmt.Sprintf("%d workers on %d logical cpus (load %.2f)", concurrency, snap.LogicalCPUs, snap.Load1)
	}

	memResult := Result{Name: "Available memory", Advisory: true}
	detail := fmt.Sprintf("%s of %s", humanize.IBytes(snap.AvailableMemory), humanize.IBytes(snap.TotalMemory))
	if snap.AvailableMemory < MinAvailableMemory {
		memResult.Detail = detail + ", below " + humanize.IBytes(MinAvailableMemory)
	} else {
		memResult.Passed = true
		memResult.Detail = detail
	}
	return []Result{cpuResult, memResult}
}
