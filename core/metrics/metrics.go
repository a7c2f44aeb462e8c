// Package metrics tracks synchronization counters and latency for one
// engine instance and optionally exports them to Prometheus.
package metrics

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const DefaultLatencySamples = 1024

// Snapshot is a point-in-time copy of the recorder's counters.
type Snapshot struct {
	TotalSyncs         int64   `json:"total_syncs" yaml:"total_syncs"`
	ConflictsDetected  int64   `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved  int64   `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	Rollbacks          int64   `json:"rollbacks" yaml:"rollbacks"`
	AverageSyncTimeMs  float64 `json:"average_sync_time_ms" yaml:"average_sync_time_ms"`
	P50SyncTimeMs      float64 `json:"p50_sync_time_ms" yaml:"p50_sync_time_ms"`
	P95SyncTimeMs      float64 `json:"p95_sync_time_ms" yaml:"p95_sync_time_ms"`
	LatencySampleCount int     `json:"latency_sample_count" yaml:"latency_sample_count"`
}

// Recorder accumulates sync metrics. The running average covers every
// recorded sync; quantiles cover only the most recent samples.
type Recorder struct {
	mu sync.Mutex

	totalSyncs        int64
	conflictsDetected int64
	conflictsResolved int64
	rollbacks         int64
	avgSyncTimeMs     float64

	samples []float64
	next    int
	filled  bool

	collector *Collector
}

type Option func(*Recorder)

// WithCollector mirrors every recorded event into c.
func WithCollector(c *Collector) Option {
	return func(r *Recorder) { r.collector = c }
}

func NewRecorder(sampleSize int, opts ...Option) *Recorder {
	if sampleSize <= 0 {
		sampleSize = DefaultLatencySamples
	}
	r := &Recorder{samples: make([]float64, sampleSize)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordSync counts one sync attempt. resolved is added to the resolved
// counter as given; callers pass zero when resolution failed.
func (r *Recorder) RecordSync(status string, elapsed time.Duration, detected, resolved int) {
	ms := durationMs(elapsed)

	r.mu.Lock()
	r.totalSyncs++
	r.conflictsDetected += int64(detected)
	r.conflictsResolved += int64(resolved)
	n := float64(r.totalSyncs)
	r.avgSyncTimeMs = (r.avgSyncTimeMs*(n-1) + ms) / n
	r.samples[r.next] = ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.observeSync(status, elapsed, detected, resolved)
	}
}

func (r *Recorder) RecordRollback(success bool) {
	if success {
		r.mu.Lock()
		r.rollbacks++
		r.mu.Unlock()
	}
	if r.collector != nil {
		r.collector.observeRollback(success)
	}
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		TotalSyncs:        r.totalSyncs,
		ConflictsDetected: r.conflictsDetected,
		ConflictsResolved: r.conflictsResolved,
		Rollbacks:         r.rollbacks,
		AverageSyncTimeMs: r.avgSyncTimeMs,
	}
	count := r.next
	if r.filled {
		count = len(r.samples)
	}
	sorted := append([]float64(nil), r.samples[:count]...)
	r.mu.Unlock()

	s.LatencySampleCount = count
	if count == 0 {
		return s
	}
	sort.Float64s(sorted)
	s.P50SyncTimeMs = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P95SyncTimeMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return s
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
