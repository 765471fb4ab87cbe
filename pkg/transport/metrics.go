package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks transport-level counters for the /metrics endpoint.
type Metrics struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	frameErrors     *prometheus.CounterVec
	reconnects      prometheus.Counter
	pendingRequests prometheus.Gauge
	requestDuration prometheus.Histogram
}

// NewMetrics creates the transport metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the wire, by variant.",
		}, []string{"variant"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from the wire, by variant.",
		}, []string{"variant"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "frame_errors_total",
			Help:      "Frames rejected or failed, by error code.",
		}, []string{"code"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful channel reconnections.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Round-trip latency of correlated requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// Register registers all transport collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.framesSent, m.framesReceived, m.frameErrors,
		m.reconnects, m.pendingRequests, m.requestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordSent counts a frame written to the wire.
func (m *Metrics) RecordSent(variant string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(variant).Inc()
}

// RecordReceived counts a frame read from the wire.
func (m *Metrics) RecordReceived(variant string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(variant).Inc()
}

// RecordFrameError counts a rejected or failed frame by error code.
func (m *Metrics) RecordFrameError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

// RecordReconnect counts a successful reconnection.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetPending updates the pending-request gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// RecordRequestDuration observes one request round trip.
func (m *Metrics) RecordRequestDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.Observe(d.Seconds())
}
