package infra

import (
	"sync/atomic"
	"time"
)

// Metrics holds the counters of one feed instance.
// Uses atomic operations for thread-safety; the stream goroutine and the
// engine goroutine both write to it.
type Metrics struct {
	// Counters
	diffsApplied    atomic.Uint64
	diffsStale      atomic.Uint64
	parseErrors     atomic.Uint64
	transportErrors atomic.Uint64
	gaps            atomic.Uint64
	crossedBooks    atomic.Uint64
	resyncs         atomic.Uint64
	snapshots       atomic.Uint64
	reconnects      atomic.Uint64
	viewsPublished  atomic.Uint64

	// Errors since the last applied diff
	consecutiveErrors atomic.Uint64

	// Latency tracking (server event time -> apply)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	lastAppliedNs atomic.Int64
	bufferedDiffs atomic.Int64
	cursor        atomic.Uint64
}

// RecordApplied records a diff applied to the ladder and clears the consecutive error run.
func (m *Metrics) RecordApplied(cursor uint64, latency time.Duration, at time.Time) {
	m.diffsApplied.Add(1)
	m.consecutiveErrors.Store(0)
	m.cursor.Store(cursor)
	m.lastAppliedNs.Store(at.UnixNano())
	if latency > 0 {
		m.latencySumNs.Add(int64(latency))
		m.latencyCount.Add(1)
	}
}

// RecordStale records a dropped duplicate diff.
func (m *Metrics) RecordStale() { m.diffsStale.Add(1) }

// RecordParseError records a malformed message.
func (m *Metrics) RecordParseError() {
	m.parseErrors.Add(1)
	m.consecutiveErrors.Add(1)
}

// RecordTransportError records a dial, read or heartbeat failure.
func (m *Metrics) RecordTransportError() {
	m.transportErrors.Add(1)
	m.consecutiveErrors.Add(1)
}

// RecordGap records a detected sequence gap.
func (m *Metrics) RecordGap() { m.gaps.Add(1) }

// RecordCrossed records a crossed-book fault.
func (m *Metrics) RecordCrossed() { m.crossedBooks.Add(1) }

// RecordResync records the start of a resync cycle.
func (m *Metrics) RecordResync() { m.resyncs.Add(1) }

// RecordSnapshot records a snapshot seeded into the ladder.
func (m *Metrics) RecordSnapshot(cursor uint64) {
	m.snapshots.Add(1)
	m.cursor.Store(cursor)
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() { m.reconnects.Add(1) }

// RecordPublish records a published view.
func (m *Metrics) RecordPublish() { m.viewsPublished.Add(1) }

// SetBuffered sets the replay buffer length gauge.
func (m *Metrics) SetBuffered(n int) { m.bufferedDiffs.Store(int64(n)) }

// ConsecutiveErrors returns errors seen since the last applied diff.
func (m *Metrics) ConsecutiveErrors() uint64 { return m.consecutiveErrors.Load() }

// LastApplied returns when the last diff was applied, zero if none.
func (m *Metrics) LastApplied() time.Time {
	ns := m.lastAppliedNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	DiffsApplied      uint64
	DiffsStale        uint64
	ParseErrors       uint64
	TransportErrors   uint64
	Gaps              uint64
	CrossedBooks      uint64
	Resyncs           uint64
	Snapshots         uint64
	Reconnects        uint64
	ViewsPublished    uint64
	ConsecutiveErrors uint64
	AvgLatencyNs      int64
	BufferedDiffs     int64
	Cursor            uint64
	LastApplied       time.Time
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		DiffsApplied:      m.diffsApplied.Load(),
		DiffsStale:        m.diffsStale.Load(),
		ParseErrors:       m.parseErrors.Load(),
		TransportErrors:   m.transportErrors.Load(),
		Gaps:              m.gaps.Load(),
		CrossedBooks:      m.crossedBooks.Load(),
		Resyncs:           m.resyncs.Load(),
		Snapshots:         m.snapshots.Load(),
		Reconnects:        m.reconnects.Load(),
		ViewsPublished:    m.viewsPublished.Load(),
		ConsecutiveErrors: m.consecutiveErrors.Load(),
		AvgLatencyNs:      avgLatency,
		BufferedDiffs:     m.bufferedDiffs.Load(),
		Cursor:            m.cursor.Load(),
		LastApplied:       m.LastApplied(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics. Feed restarts call it before the next instance starts.
func (m *Metrics) Reset() {
	m.diffsApplied.Store(0)
	m.diffsStale.Store(0)
	m.parseErrors.Store(0)
	m.transportErrors.Store(0)
	m.gaps.Store(0)
	m.crossedBooks.Store(0)
	m.resyncs.Store(0)
	m.snapshots.Store(0)
	m.reconnects.Store(0)
	m.viewsPublished.Store(0)
	m.consecutiveErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.lastAppliedNs.Store(0)
	m.bufferedDiffs.Store(0)
	m.cursor.Store(0)
}
