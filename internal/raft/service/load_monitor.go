package service

import (
	"time"

	gometrics "github.com/armon/go-metrics"
)

var loadEventKey = []string{"load", "events"}

// LoadMonitor counts applied commands per window. Snapshots are postponed while the member is under high load.
type LoadMonitor struct {
	sink      *gometrics.InmemSink
	threshold int
}

// NewLoadMonitor creates a monitor that reports high load once more than threshold events were recorded in the
// current or the previous window
func NewLoadMonitor(window time.Duration, threshold int) *LoadMonitor {
	return &LoadMonitor{
		sink:      gometrics.NewInmemSink(window, 2*window),
		threshold: threshold,
	}
}

// RecordEvent counts one event in the current window
func (l *LoadMonitor) RecordEvent() {
	l.sink.IncrCounter(loadEventKey, 1)
}

// Load returns the highest event count of the current and the previous window
func (l *LoadMonitor) Load() int {
	name := loadEventKey[0] + "." + loadEventKey[1]
	load := 0
	for _, interval := range l.sink.Data() {
		interval.RLock()
		if counter, ok := interval.Counters[name]; ok && counter.AggregateSample != nil && counter.Count > load {
			load = counter.Count
		}
		interval.RUnlock()
	}
	return load
}

// IsUnderHighLoad reports whether the load exceeds the threshold
func (l *LoadMonitor) IsUnderHighLoad() bool {
	return l.Load() > l.threshold
}
