package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks collector counters for the /metrics endpoint.
type Metrics struct {
	signals         *prometheus.CounterVec
	activities      prometheus.Counter
	collected       prometheus.Counter
	collectErrors   prometheus.Counter
	staleDrops      prometheus.Counter
	collectDuration prometheus.Histogram
}

// NewMetrics creates the collector metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "signals_total",
			Help:      "Focus signals received, by type.",
		}, []string{"type"}),
		activities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "activities_opened_total",
			Help:      "Activities opened by the collector.",
		}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "captures_total",
			Help:      "Assets and snapshots applied to the timeline.",
		}),
		collectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "collect_errors_total",
			Help:      "Collect cycles that failed and were degraded to empty.",
		}),
		staleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "stale_results_dropped_total",
			Help:      "Results discarded because their generation expired.",
		}),
		collectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "collector",
			Name:      "collect_duration_seconds",
			Help:      "Latency of collect cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Register registers all collector metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.signals, m.activities, m.collected, m.collectErrors, m.staleDrops, m.collectDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordSignal counts a focus signal.
func (m *Metrics) RecordSignal(typ string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(typ).Inc()
}

// RecordActivityOpened counts a new activity.
func (m *Metrics) RecordActivityOpened() {
	if m == nil {
		return
	}
	m.activities.Inc()
}

// RecordCollected counts applied captures.
func (m *Metrics) RecordCollected(assets, snapshots int) {
	if m == nil {
		return
	}
	m.collected.Add(float64(assets + snapshots))
}

// RecordCollectError counts a degraded collect cycle.
func (m *Metrics) RecordCollectError() {
	if m == nil {
		return
	}
	m.collectErrors.Inc()
}

// RecordStaleDrop counts a discarded stale result.
func (m *Metrics) RecordStaleDrop() {
	if m == nil {
		return
	}
	m.staleDrops.Inc()
}

// RecordCollectDuration observes one collect cycle.
func (m *Metrics) RecordCollectDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.collectDuration.Observe(d.Seconds())
}
