package infra

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "orderbook"

type metricDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(MetricsSnapshot) float64
}

func newDesc(name, help string, kind prometheus.ValueType, value func(MetricsSnapshot) float64) metricDesc {
	return metricDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, []string{"symbol"}, nil),
		kind:  kind,
		value: value,
	}
}

var feedDescs = []metricDesc{
	newDesc("diffs_applied_total", "Diffs applied to the ladder.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.DiffsApplied) }),
	newDesc("diffs_stale_total", "Diffs dropped because the cursor was already past them.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.DiffsStale) }),
	newDesc("parse_errors_total", "Malformed stream messages.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.ParseErrors) }),
	newDesc("transport_errors_total", "Dial, read and heartbeat failures.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.TransportErrors) }),
	newDesc("sequence_gaps_total", "Sequence gaps detected.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.Gaps) }),
	newDesc("crossed_books_total", "Crossed-book faults detected.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.CrossedBooks) }),
	newDesc("resyncs_total", "Resync cycles started.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.Resyncs) }),
	newDesc("snapshots_total", "Snapshots seeded into the ladder.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.Snapshots) }),
	newDesc("reconnects_total", "Stream reconnect attempts.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.Reconnects) }),
	newDesc("views_published_total", "Views handed to the hub.", prometheus.CounterValue,
		func(s MetricsSnapshot) float64 { return float64(s.ViewsPublished) }),
	newDesc("consecutive_errors", "Errors since the last applied diff.", prometheus.GaugeValue,
		func(s MetricsSnapshot) float64 { return float64(s.ConsecutiveErrors) }),
	newDesc("apply_latency_seconds", "Average event-time to apply latency.", prometheus.GaugeValue,
		func(s MetricsSnapshot) float64 { return float64(s.AvgLatencyNs) / 1e9 }),
	newDesc("replay_buffer_length", "Diffs waiting in the replay buffer.", prometheus.GaugeValue,
		func(s MetricsSnapshot) float64 { return float64(s.BufferedDiffs) }),
	newDesc("cursor", "Last update id reflected in the ladder.", prometheus.GaugeValue,
		func(s MetricsSnapshot) float64 { return float64(s.Cursor) }),
}

// FeedCollector exports the Metrics of every registered feed, one label per symbol.
// Each scrape reads the current Metrics, so restarts that swap instances are picked up.
type FeedCollector struct {
	mu      sync.RWMutex
	sources map[string]func() *Metrics
}

// NewFeedCollector creates an empty collector.
func NewFeedCollector() *FeedCollector {
	return &FeedCollector{sources: make(map[string]func() *Metrics)}
}

// Add registers the metrics source for a symbol, replacing any previous one.
func (c *FeedCollector) Add(symbol string, src func() *Metrics) {
	c.mu.Lock()
	c.sources[symbol] = src
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *FeedCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range feedDescs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *FeedCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.sources))
	for s := range c.sources {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	srcs := make([]func() *Metrics, len(symbols))
	for i, s := range symbols {
		srcs[i] = c.sources[s]
	}
	c.mu.RUnlock()

	for i, symbol := range symbols {
		m := srcs[i]()
		if m == nil {
			continue
		}
		snap := m.Snapshot()
		for _, d := range feedDescs {
			ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(snap), symbol)
		}
	}
}
