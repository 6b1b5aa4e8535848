package blitzio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks connection lifecycle and I/O statistics for a TcpServer.
type Metrics struct {
	// Connection lifecycle counters.
	AcceptOps atomic.Uint64 // Total accepted connections
	CloseOps  atomic.Uint64 // Total closed connections

	// I/O operation counters.
	ReadOps  atomic.Uint64 // Total read completions
	WriteOps atomic.Uint64 // Total write completions

	// Byte counters.
	ReadBytes  atomic.Uint64 // Total bytes read
	WriteBytes atomic.Uint64 // Total bytes written

	// Error counters.
	ReadErrors  atomic.Uint64 // Read completions with a non-peer-closed error
	WriteErrors atomic.Uint64 // Write completions with a non-peer-closed error

	// Queue statistics.
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking.
	TotalLatencyNs atomic.Uint64 // Cumulative I/O latency in nanoseconds
	OpCount        atomic.Uint64 // Total I/O operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle.
	StartTime atomic.Int64 // Server start timestamp (UnixNano)
	StopTime  atomic.Int64 // Server stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAccept records a newly accepted connection.
func (m *Metrics) RecordAccept() {
	m.AcceptOps.Add(1)
}

// RecordRead records a read completion.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write completion.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordClose records a connection close, regardless of cause.
func (m *Metrics) RecordClose() {
	m.CloseOps.Add(1)
}

// RecordQueueDepth records current queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	// Connection lifecycle.
	AcceptOps uint64
	CloseOps  uint64
	ActiveConns int64

	// I/O operations.
	ReadOps  uint64
	WriteOps uint64

	// Bytes transferred.
	ReadBytes  uint64
	WriteBytes uint64

	// Error counts.
	ReadErrors  uint64
	WriteErrors uint64

	// Queue statistics.
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance.
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds).
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative).
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics.
	ReadIOPS       float64 // Operations per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed I/O operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AcceptOps:     m.AcceptOps.Load(),
		CloseOps:      m.CloseOps.Load(),
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.ActiveConns = int64(snap.AcceptOps) - int64(snap.CloseOps)
	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.AcceptOps.Store(0)
	m.CloseOps.Store(0)
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for connection lifecycle
// and I/O events. Mirrors internal/interfaces.Observer so the public API
// can be implemented without importing an internal package.
type Observer interface {
	ObserveAccept(connID string)
	ObserveRead(connID string, bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(connID string, bytes uint64, latencyNs uint64, success bool)
	ObserveClose(connID string)
	ObserveQueueDepth(workerID int, depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAccept(string)                       {}
func (NoOpObserver) ObserveRead(string, uint64, uint64, bool)    {}
func (NoOpObserver) ObserveWrite(string, uint64, uint64, bool)   {}
func (NoOpObserver) ObserveClose(string)                        {}
func (NoOpObserver) ObserveQueueDepth(int, uint32)               {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAccept(string) {
	o.metrics.RecordAccept()
}

func (o *MetricsObserver) ObserveRead(_ string, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(_ string, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveClose(string) {
	o.metrics.RecordClose()
}

func (o *MetricsObserver) ObserveQueueDepth(_ int, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
