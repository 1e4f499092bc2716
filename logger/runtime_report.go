package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsByComponent sync.Map // map[string]*int64
	warnsByComponent  sync.Map // map[string]*int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	counter(&warnsByComponent, component)
}

func recordError(component string) {
	counter(&errorsByComponent, component)
}

func counter(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordChannelMessage tracks throughput of a named bounded channel so periodic
// reports can show message and byte counts per stage without polling every
// producer directly.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of goroutine/heap/channel statistics and,
// when CloudWatch is configured, mirrors a subset of them as metric data.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
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
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	errByComp := snapshotCounters(&errorsByComponent)
	warnByComp := snapshotCounters(&warnsByComponent)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines":       runtime.NumGoroutine(),
		"heap_alloc_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
		"heap_objects":     mem.HeapObjects,
		"gc_pause_total_s": float64(mem.PauseTotalNs) / 1e9,
		"errors_by_component": errByComp,
		"warns_by_component":  warnByComp,
		"channels":            channelData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("GoroutineCount"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("HeapAllocMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	}
	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}
	publishMetrics(ctx, data)
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[strings.TrimSpace(k.(string))] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}
