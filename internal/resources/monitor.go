package resources

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/pkg/api"
)

// ContainerCounter reports how many workspaces the runtime is tracking.
// Satisfied by the swarm client and by the metadata store in tests.
type ContainerCounter interface {
	CountWorkspaces(ctx context.Context) (running int, total int, err error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Monitor samples host resources and gates container admission. It is the
// single chokepoint preventing over-subscription: callers query it
// synchronously before every provisioning call; results are never cached
// across requests.
type Monitor struct {
	cfg     config.ResourcesConfig
	counter ContainerCounter
	logger  *logrus.Logger

	// sampling hooks, replaced in tests
	cpuPercent  func(ctx context.Context) (float64, error)
	memoryStats func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskStats   func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewMonitor creates a resource monitor over the local host.
func NewMonitor(cfg config.ResourcesConfig, counter ContainerCounter, logger *logrus.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		counter: counter,
		logger:  logger,
		cpuPercent: func(ctx context.Context) (float64, error) {
			// Interval 0 compares against the previous sample instead of
			// blocking the request.
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu samples returned")
			}
			return percents[0], nil
		},
		memoryStats: mem.VirtualMemoryWithContext,
		diskStats:   disk.UsageWithContext,
	}
}

// Snapshot returns a structured resource snapshot used for both admission
// decisions and dashboard reporting.
func (m *Monitor) Snapshot(ctx context.Context) (*api.SystemResources, error) {
	cpuUsage, err := m.cpuPercent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}

	vm, err := m.memoryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory: %w", err)
	}

	du, err := m.diskStats(ctx, m.cfg.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to sample disk: %w", err)
	}

	snapshot := &api.SystemResources{}
	snapshot.CPU.UsagePercent = cpuUsage
	snapshot.CPU.AvailablePercent = 100.0 - cpuUsage
	snapshot.CPU.Cores = runtime.NumCPU()
	snapshot.Memory.TotalBytes = vm.Total
	snapshot.Memory.UsedBytes = vm.Used
	snapshot.Memory.AvailableBytes = vm.Available
	snapshot.Memory.UsagePercent = vm.UsedPercent
	snapshot.Disk.TotalBytes = du.Total
	snapshot.Disk.UsedBytes = du.Used
	snapshot.Disk.AvailableBytes = du.Free
	snapshot.Disk.UsagePercent = du.UsedPercent

	if m.counter != nil {
		running, total, err := m.counter.CountWorkspaces(ctx)
		if err != nil {
			// Container counts are advisory in the snapshot; admission still
			// checks them separately.
			m.logger.WithError(err).Warn("Failed to count workspaces for snapshot")
		} else {
			snapshot.Containers.Running = running
			snapshot.Containers.Total = total
		}
	}
	return snapshot, nil
}

// CanStartContainer decides whether a new container may be admitted given
// current load. Any exceeded threshold denies with a human-readable reason.
func (m *Monitor) CanStartContainer(ctx context.Context) (Decision, error) {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}

	if snapshot.CPU.UsagePercent > m.cfg.MaxCPUPercent {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("CPU usage %.1f%% exceeds threshold %.1f%%",
				snapshot.CPU.UsagePercent, m.cfg.MaxCPUPercent),
		}, nil
	}
	if snapshot.Memory.UsagePercent > m.cfg.MaxMemoryPercent {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("memory usage %.1f%% exceeds threshold %.1f%%",
				snapshot.Memory.UsagePercent, m.cfg.MaxMemoryPercent),
		}, nil
	}
	if snapshot.Disk.UsagePercent > m.cfg.MaxDiskPercent {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("disk usage %.1f%% exceeds threshold %.1f%%",
				snapshot.Disk.UsagePercent, m.cfg.MaxDiskPercent),
		}, nil
	}
	if m.cfg.MaxContainers > 0 && snapshot.Containers.Running >= m.cfg.MaxContainers {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("%d containers running, limit is %d",
				snapshot.Containers.Running, m.cfg.MaxContainers),
		}, nil
	}

	return Decision{Allowed: true}, nil
}
