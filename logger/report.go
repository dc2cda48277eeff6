package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	fetches   int64
	persisted int64
	deferred  int64
	dropped   int64
	alerts    int64
	warns     sync.Map // map[component]*int64
	errs      sync.Map // map[component]*int64
	channels  sync.Map // map[string]*channelStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warns, component)
}

func recordError(component string) {
	bump(&errs, component)
}

// IncrementFetch counts a completed upstream fetch of size bytes.
func IncrementFetch(endpoint string, size int) {
	atomic.AddInt64(&fetches, 1)
	recordChannel("rest:"+endpoint, size)
}

// IncrementStreamMessage counts a message received on a streaming channel.
func IncrementStreamMessage(channel string, size int) {
	recordChannel("ws:"+channel, size)
}

func IncrementPersisted() {
	atomic.AddInt64(&persisted, 1)
}

func IncrementDeferred() {
	atomic.AddInt64(&deferred, 1)
}

func IncrementDropped() {
	atomic.AddInt64(&dropped, 1)
}

func IncrementAlerts() {
	atomic.AddInt64(&alerts, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsed, diskUsed, bytesSent, bytesRecv uint64
	if m, err := mem.VirtualMemory(); err == nil {
		memUsed = m.Used
	}
	if d, err := disk.Usage("/"); err == nil {
		diskUsed = d.Used
	}
	if n, err := gnet.IOCounters(false); err == nil && len(n) > 0 {
		bytesSent = n[0].BytesSent
		bytesRecv = n[0].BytesRecv
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	counts := map[string]int64{
		"fetches":   atomic.LoadInt64(&fetches),
		"persisted": atomic.LoadInt64(&persisted),
		"deferred":  atomic.LoadInt64(&deferred),
		"dropped":   atomic.LoadInt64(&dropped),
		"alerts":    atomic.LoadInt64(&alerts),
	}

	fields := Fields{
		"warns":          snapshotCounts(&warns),
		"errors":         snapshotCounts(&errs),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed / 1024 / 1024),
		"disk_mb":        int64(diskUsed / 1024 / 1024),
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for k, v := range counts {
		fields[k] = v
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Feedflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Feedflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Feedflow-Fetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counts["fetches"]))},
		{MetricName: aws.String("Feedflow-Persisted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counts["persisted"]))},
		{MetricName: aws.String("Feedflow-Deferred"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counts["deferred"]))},
		{MetricName: aws.String("Feedflow-Dropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counts["dropped"]))},
		{MetricName: aws.String("Feedflow-Alerts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(counts["alerts"]))},
	}
	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Feedflow-ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
