package dashboard

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"feedflow/logger"
)

// resourceSnapshot is one sample of host and process utilisation.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
}

type resourceSampler struct {
	*history[resourceSnapshot]
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

// Replaced in tests.
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		history:  newHistory[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		for childCtx.Err() == nil {
			snap, ok := s.sample(childCtx)
			if ok {
				s.add(snap)
				continue
			}
			select {
			case <-childCtx.Done():
			case <-time.After(s.interval):
			}
		}
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.history.snapshot()
}

// sample blocks for one interval while measuring CPU.
func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, bool) {
	log := s.log.WithComponent("resource_sampler")

	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		log.WithError(err).Debug("failed to sample cpu usage")
		return resourceSnapshot{}, false
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to sample memory usage")
		return resourceSnapshot{}, false
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		log.WithError(err).Debug("failed to sample disk usage")
		return resourceSnapshot{}, false
	}

	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}
	if rss, err := processRSSFn(ctx); err == nil {
		snap.ProcessRSS = rss
	}
	return snap, true
}
