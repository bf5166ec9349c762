package gonvme

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

// Metrics tracks performance and operational statistics for one
// controller: admin commands, I/O commands (and the splitting §4.5
// imposes on them), completion status counts, and queue depth.
type Metrics struct {
	observer Observer

	ReadOps  atomic.Uint64 // Total read requests, one per request however many commands it split into
	WriteOps atomic.Uint64 // Total write requests, one per request however many commands it split into
	AdminOps atomic.Uint64 // Total admin commands issued

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	SplitCommands atomic.Uint64 // NVMe commands issued by requests that were split into >1 command

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	AdminErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram holds cumulative per-bucket counts: bucket[i] counts
	// every operation with latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics collector that also forwards every
// recorded event to observer (use NoOpObserver{} if nothing external
// needs to see the stream).
func NewMetrics(observer Observer) *Metrics {
	m := &Metrics{observer: observer}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read request, once for the whole request
// after all of its split commands.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
	if m.observer != nil {
		m.observer.ObserveRead(bytes, latencyNs, success)
	}
}

// RecordWrite records a completed write request, once for the whole request
// after all of its split commands.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
	if m.observer != nil {
		m.observer.ObserveWrite(bytes, latencyNs, success)
	}
}

// RecordAdmin records a completed admin command (Identify, queue
// creation, namespace attachment, ...).
func (m *Metrics) RecordAdmin(latencyNs uint64, success bool) {
	m.AdminOps.Add(1)
	if !success {
		m.AdminErrors.Add(1)
	}
	m.recordLatency(latencyNs)
	if m.observer != nil {
		m.observer.ObserveAdmin(latencyNs, success)
	}
}

// RecordSplit records that one logical I/O request was split into n NVMe
// commands by §4.5's MaxBlocksPerCommand rule.
func (m *Metrics) RecordSplit(n int) {
	if n > 1 {
		m.SplitCommands.Add(uint64(n))
	}
}

// RecordQueueDepth records a queue-depth sample (outstanding commands on
// a queue pair at some instant).
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
	if m.observer != nil {
		m.observer.ObserveQueueDepth(depth)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the controller as stopped, fixing the uptime used in
// Snapshot's rate calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without racing further updates.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	AdminOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	SplitCommands uint64

	ReadErrors  uint64
	WriteErrors uint64
	AdminErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics, with derived
// rates, averages, and histogram-interpolated percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		AdminOps:      m.AdminOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		SplitCommands: m.SplitCommands.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		AdminErrors:   m.AdminErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.AdminOps
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

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.AdminErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
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
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
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

// Reset zeroes every counter, useful between test cases.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.AdminOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.SplitCommands.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.AdminErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection (e.g. forwarding into an
// external stats system) without the core driver depending on one.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveAdmin(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every event; it is the default Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveAdmin(uint64, bool)         {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

var _ Observer = (*Metrics)(nil)

func (m *Metrics) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	m.RecordRead(bytes, latencyNs, success)
}
func (m *Metrics) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	m.RecordWrite(bytes, latencyNs, success)
}
func (m *Metrics) ObserveAdmin(latencyNs uint64, success bool) {
	m.RecordAdmin(latencyNs, success)
}
func (m *Metrics) ObserveQueueDepth(depth uint32) {
	m.RecordQueueDepth(depth)
}
