package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const mib = 1 << 20

// Swapped in tests.
var (
	virtualMemory = mem.VirtualMemory
	diskUsage     = disk.Usage
)

// MemoryReport is the host memory picture at startup.
type MemoryReport struct {
	TotalMB     uint64 `json:"total_mb"`
	UsedMB      uint64 `json:"used_mb"`
	AvailableMB uint64 `json:"available_mb"`
	ReserveMB   uint64 `json:"reserve_mb"`
}

// CheckMemory verifies reserve bytes (the frame pool) fit in available RAM
// and that used RAM plus the reserve stays under ceilingMB (0 disables the
// ceiling).
func CheckMemory(reserve uint64, ceilingMB int) (MemoryReport, error) {
	vm, err := virtualMemory()
	if err != nil {
		return MemoryReport{}, fmt.Errorf("monitor: read memory: %w", err)
	}
	r := MemoryReport{
		TotalMB:     vm.Total / mib,
		UsedMB:      vm.Used / mib,
		AvailableMB: vm.Available / mib,
		ReserveMB:   (reserve + mib - 1) / mib,
	}
	if reserve > vm.Available {
		return r, fmt.Errorf("monitor: frame pool needs %d MiB but only %d MiB available", r.ReserveMB, r.AvailableMB)
	}
	if ceilingMB > 0 && r.UsedMB+r.ReserveMB > uint64(ceilingMB) {
		return r, fmt.Errorf("monitor: %d MiB in use plus %d MiB pool exceeds ceiling of %d MiB",
			r.UsedMB, r.ReserveMB, ceilingMB)
	}
	return r, nil
}

// DiskWatchdog polls free space under a path and fires onLow once when it
// drops below the threshold.
type DiskWatchdog struct {
	path     string
	minFree  uint64
	interval time.Duration
	onLow    func(freeMB uint64)
	logger   *slog.Logger

	freeMB atomic.Uint64
	low    atomic.Bool
}

// NewDiskWatchdog creates a watchdog; minFreeMB must be positive.
func NewDiskWatchdog(path string, minFreeMB int, interval time.Duration, onLow func(freeMB uint64), logger *slog.Logger) (*DiskWatchdog, error) {
	if minFreeMB <= 0 {
		return nil, fmt.Errorf("monitor: min free disk must be positive")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskWatchdog{
		path:     path,
		minFree:  uint64(minFreeMB),
		interval: interval,
		onLow:    onLow,
		logger:   logger.With("component", "monitor"),
	}, nil
}

// Run checks immediately and then every interval until ctx is done.
func (w *DiskWatchdog) Run(ctx context.Context) {
	w.check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.check()
		case <-ctx.Done():
			return
		}
	}
}

func (w *DiskWatchdog) check() {
	du, err := diskUsage(w.path)
	if err != nil {
		w.logger.Warn("monitor: disk usage unavailable", "path", w.path, "error", err)
		return
	}
	free := du.Free / mib
	w.freeMB.Store(free)

	if free >= w.minFree || w.low.Swap(true) {
		return
	}
	w.logger.Error("monitor: free disk below threshold, stopping capture",
		"path", w.path,
		"free_mb", free,
		"min_free_mb", w.minFree,
	)
	if w.onLow != nil {
		w.onLow(free)
	}
}

// FreeMB is the last observed free space.
func (w *DiskWatchdog) FreeMB() uint64 { return w.freeMB.Load() }

// Low reports whether the threshold was crossed.
func (w *DiskWatchdog) Low() bool { return w.low.Load() }
