// Package hostmetrics samples the local machine for the heartbeat.
package hostmetrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

// Provider returns current resource usage. Percentages are in [0,100].
type Provider interface {
	TotalRAMGB(ctx context.Context) (float64, error)
	RAMUsagePercent(ctx context.Context) (float64, error)
	CPUUsagePercent(ctx context.Context, interval time.Duration) (float64, error)
	TotalDiskGB(ctx context.Context, mount string) (int, error)
	DiskUsagePercent(ctx context.Context, mount string) (float64, error)
	CPUCores(ctx context.Context) (int, error)
}

// Snapshot is one sample of every metric the heartbeat carries
type Snapshot struct {
	TotalRAMGB       float64
	RAMUsagePercent  float64
	CPUUsagePercent  float64
	TotalDiskGB      int
	DiskUsagePercent float64
	CPUCores         int
}

// System reads metrics from the host via gopsutil
type System struct{}

// NewSystem returns the gopsutil-backed provider
func NewSystem() *System {
	return &System{}
}

// TotalRAMGB returns total physical memory in GiB
func (System) TotalRAMGB(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return round2(float64(vm.Total) / bytesPerGB), nil
}

// RAMUsagePercent returns (total - available) / total
func (System) RAMUsagePercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	if vm.Total == 0 {
		return 0, nil
	}
	used := vm.Total - vm.Available
	return round2(float64(used) * 100 / float64(vm.Total)), nil
}

// CPUUsagePercent compares two CPU tick samples taken interval apart
func (System) CPUUsagePercent(ctx context.Context, interval time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return round2(pct[0]), nil
}

// TotalDiskGB returns the size of the filesystem holding mount, in whole GiB
func (System) TotalDiskGB(ctx context.Context, mount string) (int, error) {
	usage, err := disk.UsageWithContext(ctx, mount)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", mount, err)
	}
	return int(usage.Total / bytesPerGB), nil
}

// DiskUsagePercent returns the used percentage of the filesystem holding mount
func (System) DiskUsagePercent(ctx context.Context, mount string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, mount)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", mount, err)
	}
	return math.Round(usage.UsedPercent), nil
}

// CPUCores returns the logical core count
func (System) CPUCores(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// Collect samples every metric. A failing metric is reported as zero and its
// error is collected, so the heartbeat still goes out.
func Collect(ctx context.Context, p Provider, mount string, cpuInterval time.Duration) (Snapshot, []error) {
	var s Snapshot
	var errs []error
	var err error

	if s.TotalRAMGB, err = p.TotalRAMGB(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.RAMUsagePercent, err = p.RAMUsagePercent(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.CPUUsagePercent, err = p.CPUUsagePercent(ctx, cpuInterval); err != nil {
		errs = append(errs, err)
	}
	if s.TotalDiskGB, err = p.TotalDiskGB(ctx, mount); err != nil {
		errs = append(errs, err)
	}
	if s.DiskUsagePercent, err = p.DiskUsagePercent(ctx, mount); err != nil {
		errs = append(errs, err)
	}
	if s.CPUCores, err = p.CPUCores(ctx); err != nil {
		errs = append(errs, err)
	}
	return s, errs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
