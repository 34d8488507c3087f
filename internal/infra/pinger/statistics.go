package pinger

import (
	"math"
	"slices"
	"sync"
	"time"
)

const (
	// successWindow and errorWindow bound how many recent probe latencies
	// feed the computed statistics.
	successWindow = 100
	errorWindow   = 10
)

// ErrorSnapshot captures a single failed probe.
type ErrorSnapshot struct {
	Timestamp time.Time
	Latency   time.Duration
	Error     error
}

// LatencyBuffer is a fixed-capacity ring of recent probe latencies.
type LatencyBuffer struct {
	mu       sync.RWMutex
	buffer   []time.Duration
	capacity int
	index    int
	count    int
}

// NewLatencyBuffer creates an empty ring holding at most capacity entries.
func NewLatencyBuffer(capacity int) *LatencyBuffer {
	return &LatencyBuffer{
		buffer:   make([]time.Duration, 0, capacity),
		capacity: capacity,
	}
}

// Add records a latency, evicting the oldest entry once the ring is full.
func (lb *LatencyBuffer) Add(d time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.count < lb.capacity {
		lb.buffer = append(lb.buffer, d)
		lb.count++

		return
	}

	lb.buffer[lb.index] = d
	lb.index = (lb.index + 1) % lb.capacity
}

// Snapshot returns the buffered latencies, oldest first.
func (lb *LatencyBuffer) Snapshot() []time.Duration {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if lb.count == 0 {
		return nil
	}

	if lb.count < lb.capacity {
		return slices.Clone(lb.buffer)
	}

	result := make([]time.Duration, lb.capacity)
	copy(result, lb.buffer[lb.index:])
	copy(result[lb.capacity-lb.index:], lb.buffer[:lb.index])

	return result
}

// Len returns the number of buffered latencies.
func (lb *LatencyBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	return lb.count
}

// Stats accumulates raw probe outcomes for one pinger.
type Stats struct {
	Name              string
	LastRun           time.Time
	LastError         error
	LastErrorSnapshot *ErrorSnapshot
	SuccessLatencies  *LatencyBuffer
	ErrorLatencies    *LatencyBuffer
	mu                sync.RWMutex
}

// NewPingerStats creates an empty stats accumulator for the named pinger.
func NewPingerStats(name string) *Stats {
	return &Stats{
		Name:             name,
		SuccessLatencies: NewLatencyBuffer(successWindow),
		ErrorLatencies:   NewLatencyBuffer(errorWindow),
	}
}

// LatencyMetrics summarizes one latency sample.
type LatencyMetrics struct {
	Count   int
	Median  time.Duration
	Average time.Duration
	P80     time.Duration
	P90     time.Duration
	P99     time.Duration
}

// Statistics is the computed, copyable view handed to callers.
type Statistics struct {
	IsReady           bool
	IsHealthy         bool
	LastRun           time.Time
	LastError         error
	LastErrorSnapshot *ErrorSnapshot
	SuccessCount      int
	ErrorCount        int
	SuccessLatencies  LatencyMetrics
	ErrorLatencies    LatencyMetrics
}

// percentile returns the nearest-rank percentile of a sorted sample.
func percentile(sorted []time.Duration, pct float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}

	if rank > len(sorted) {
		rank = len(sorted)
	}

	return sorted[rank-1]
}

// median returns the middle value of a sorted sample, averaging the two
// central entries for even-sized samples.
func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return sorted[n/2]
}

func average(sample []time.Duration) time.Duration {
	if len(sample) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range sample {
		sum += d
	}

	return sum / time.Duration(len(sample))
}

func summarize(sample []time.Duration) LatencyMetrics {
	if len(sample) == 0 {
		return LatencyMetrics{}
	}

	sorted := slices.Clone(sample)
	slices.Sort(sorted)

	return LatencyMetrics{
		Count:   len(sorted),
		Median:  median(sorted),
		Average: average(sorted),
		P80:     percentile(sorted, 80),
		P90:     percentile(sorted, 90),
		P99:     percentile(sorted, 99),
	}
}

// GetStatistics computes the caller-facing view from raw accumulated stats.
// Readiness and health default to true for pingers that opted out of being
// critical for the respective endpoint.
func GetStatistics(stats *Stats, info *pingerInfo) *Statistics {
	stats.mu.RLock()
	defer stats.mu.RUnlock()

	successLatencies := stats.SuccessLatencies.Snapshot()
	errorLatencies := stats.ErrorLatencies.Snapshot()

	var lastErrorSnapshot *ErrorSnapshot
	if stats.LastErrorSnapshot != nil {
		snapshot := *stats.LastErrorSnapshot
		lastErrorSnapshot = &snapshot
	}

	return &Statistics{
		IsReady:           !info.readyCritical || stats.LastError == nil,
		IsHealthy:         !info.healthCritical || stats.LastError == nil,
		LastRun:           stats.LastRun,
		LastError:         stats.LastError,
		LastErrorSnapshot: lastErrorSnapshot,
		SuccessCount:      len(successLatencies),
		ErrorCount:        len(errorLatencies),
		SuccessLatencies:  summarize(successLatencies),
		ErrorLatencies:    summarize(errorLatencies),
	}
}
