// Package performance samples process resources during a run
package performance

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/metrics"
)

// ResourceMonitor samples process memory and CPU and keeps the peak RSS
type ResourceMonitor struct {
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
	logger       *zap.Logger

	peakRSS atomic.Uint64
	samples atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       conc.WaitGroup
}

// ResourceUsage contains resource usage information
type ResourceUsage struct {
	CPUPercent            float64
	MemoryRSS             uint64
	MemoryVMS             uint64
	SystemMemoryPercent   float64
	SystemMemoryAvailable uint64
	GoroutineCount        int
	HeapAlloc             uint64
}

// NewResourceMonitor creates a monitor for the current process
func NewResourceMonitor(logger *zap.Logger) (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	rm := &ResourceMonitor{
		process:   proc,
		startTime: time.Now(),
		logger:    logger.With(zap.String("component", "resource_monitor")),
		stop:      make(chan struct{}),
	}
	if cpuTime, err := proc.Times(); err == nil {
		rm.startCPUTime = cpuTime.Total()
	}
	return rm, nil
}

// Sample reads current usage and updates the peak and the RSS gauge
func (rm *ResourceMonitor) Sample() *ResourceUsage {
	usage := &ResourceUsage{GoroutineCount: runtime.NumGoroutine()}

	if cpuTime, err := rm.process.Times(); err == nil {
		if elapsed := time.Since(rm.startTime).Seconds(); elapsed > 0 {
			usage.CPUPercent = (cpuTime.Total() - rm.startCPUTime) / elapsed * 100
		}
	}

	if memInfo, err := rm.process.MemoryInfo(); err == nil {
		usage.MemoryRSS = memInfo.RSS
		usage.MemoryVMS = memInfo.VMS
		rm.updatePeak(memInfo.RSS)
		metrics.ProcessRSS.Set(float64(memInfo.RSS))
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryPercent = vmStat.UsedPercent
		usage.SystemMemoryAvailable = vmStat.Available
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	usage.HeapAlloc = memStats.HeapAlloc

	rm.samples.Add(1)
	return usage
}

func (rm *ResourceMonitor) updatePeak(rss uint64) {
	for {
		peak := rm.peakRSS.Load()
		if rss <= peak || rm.peakRSS.CompareAndSwap(peak, rss) {
			return
		}
	}
}

// Start samples every interval until Stop or ctx is done
func (rm *ResourceMonitor) Start(ctx context.Context, interval time.Duration) {
	rm.Sample()
	rm.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-rm.stop:
				return
			case <-ticker.C:
				u := rm.Sample()
				rm.logger.Debug("resource usage",
					zap.Uint64("rss_bytes", u.MemoryRSS),
					zap.Uint64("heap_alloc_bytes", u.HeapAlloc),
					zap.Float64("cpu_percent", u.CPUPercent),
					zap.Int("goroutines", u.GoroutineCount))
			}
		}
	})
}

// Stop ends sampling, takes a final sample and returns the peak RSS
func (rm *ResourceMonitor) Stop() uint64 {
	rm.stopOnce.Do(func() { close(rm.stop) })
	rm.wg.Wait()
	rm.Sample()
	return rm.PeakRSS()
}

// PeakRSS returns the highest resident set size seen, in bytes
func (rm *ResourceMonitor) PeakRSS() uint64 {
	return rm.peakRSS.Load()
}

// Samples returns the number of samples taken
func (rm *ResourceMonitor) Samples() int64 {
	return rm.samples.Load()
}

// ApplyMemoryLimit sets the Go soft memory limit. Zero leaves the runtime
// default (GOMEMLIMIT or unlimited) in place. Returns the previous limit.
func ApplyMemoryLimit(limitMB int) int64 {
	if limitMB <= 0 {
		return debug.SetMemoryLimit(-1)
	}
	return debug.SetMemoryLimit(int64(limitMB) << 20)
}
