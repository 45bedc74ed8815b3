package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type counter struct {
	count int64
	bytes int64
}

var (
	warnsByComponent  sync.Map // component -> *int64
	errorsByComponent sync.Map // component -> *int64
	frames            sync.Map // stream -> *counter
	fetches           sync.Map // stream -> *counter
	reconnects        int64
	sequenceGaps      int64
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnsByComponent, component)
}

func recordError(component string) {
	bump(&errorsByComponent, component)
}

func add(m *sync.Map, key string, size int) {
	v, _ := m.LoadOrStore(key, &counter{})
	c := v.(*counter)
	atomic.AddInt64(&c.count, 1)
	atomic.AddInt64(&c.bytes, int64(size))
}

// RecordFrame counts one websocket frame read for stream.
func RecordFrame(stream string, size int) {
	add(&frames, stream, size)
}

// RecordFetch counts one REST response read for stream.
func RecordFetch(stream string, size int) {
	add(&fetches, stream, size)
}

func RecordReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordSequenceGap() {
	atomic.AddInt64(&sequenceGaps, 1)
}

// StartReport logs system and stream statistics every interval until ctx is
// done. Each report is also published to CloudWatch.
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

func snapshotCounters(m *sync.Map) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	m.Range(func(k, v any) bool {
		c := v.(*counter)
		out[k.(string)] = map[string]int64{
			"count": atomic.LoadInt64(&c.count),
			"bytes": atomic.LoadInt64(&c.bytes),
		}
		return true
	})
	return out
}

func snapshotLevels(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsed, diskUsed uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = vm.Used
	}
	if du, err := disk.Usage("/"); err == nil {
		diskUsed = du.Used
	}
	var bytesSent, bytesRecv uint64
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		bytesSent = io[0].BytesSent
		bytesRecv = io[0].BytesRecv
	}

	frameData := snapshotCounters(&frames)
	fetchData := snapshotCounters(&fetches)
	gaps := atomic.LoadInt64(&sequenceGaps)
	reconn := atomic.LoadInt64(&reconnects)

	log.WithComponent("report").WithFields(Fields{
		"warns":          snapshotLevels(&warnsByComponent),
		"errors":         snapshotLevels(&errorsByComponent),
		"frames":         frameData,
		"fetches":        fetchData,
		"reconnects":     reconn,
		"sequence_gaps":  gaps,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed / 1024 / 1024),
		"disk_mb":        int64(diskUsed / 1024 / 1024),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("cpu_percent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("memory_mb"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(reconn))},
		{MetricName: aws.String("sequence_gaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(gaps))},
		{MetricName: aws.String("net_bytes_recv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}
	for stream, stats := range frameData {
		dims := []cwtypes.Dimension{{Name: aws.String("stream"), Value: aws.String(stream)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("frames"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["count"]))},
			cwtypes.MetricDatum{MetricName: aws.String("frame_bytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	PublishMetrics(ctx, data)
}
