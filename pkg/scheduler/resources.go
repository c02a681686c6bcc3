package scheduler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceUsage is a point-in-time sample of machine load
type ResourceUsage struct {
	CPUPercent      float64
	MemoryPercent   float64
	AvailableMemory uint64
	TotalMemory     uint64
}

// IdleCPU returns the idle CPU share in [0,1]
func (u ResourceUsage) IdleCPU() float64 {
	idle := 1 - u.CPUPercent/100
	switch {
	case idle < 0:
		return 0
	case idle > 1:
		return 1
	}
	return idle
}

// ResourceMonitor samples machine load for the resource gate, dynamic
// scaling and the resource-aware strategy.
type ResourceMonitor interface {
	Sample(ctx context.Context) (ResourceUsage, error)
}

// SystemMonitor reads CPU and memory usage from the operating system
type SystemMonitor struct{}

// NewSystemMonitor creates a monitor backed by gopsutil
func NewSystemMonitor() *SystemMonitor {
	return &SystemMonitor{}
}

// Sample implements ResourceMonitor. CPU usage is measured since the previous call.
func (m *SystemMonitor) Sample(ctx context.Context) (ResourceUsage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("sample memory: %w", err)
	}

	usage := ResourceUsage{
		MemoryPercent:   vm.UsedPercent,
		AvailableMemory: vm.Available,
		TotalMemory:     vm.Total,
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}
	return usage, nil
}
