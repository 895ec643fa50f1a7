package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// counters of warn/error lines per component, read by the runtime report
var (
	warnCounts  sync.Map // map[string]*int64
	errorCounts sync.Map // map[string]*int64
)

// countingHook tallies warn and error lines by their component field.
type countingHook struct{}

func (countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (countingHook) Fire(entry *logrus.Entry) error {
	component, ok := entry.Data["component"].(string)
	if !ok || component == "" {
		return nil
	}
	if entry.Level == logrus.WarnLevel {
		increment(&warnCounts, component)
	} else {
		increment(&errorCounts, component)
	}
	return nil
}

func increment(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StatsFunc supplies application specific fields for the runtime report.
type StatsFunc func() Fields

// StartReport logs a runtime report every interval until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration, stats StatsFunc) {
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
				logReport(log, stats)
			}
		}
	}()
}

func logReport(log *Log, stats StatsFunc) {
	fields := reportFields()
	if stats != nil {
		for k, v := range stats() {
			fields[k] = v
		}
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

func reportFields() Fields {
	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memoryMB int64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memoryMB = int64(memStats.Used) / 1024 / 1024
	}

	return Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   memoryMB,
		"warns":       snapshotCounts(&warnCounts),
		"errors":      snapshotCounts(&errorCounts),
	}
}
