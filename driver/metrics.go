package driver

import (
	"time"

	"github.com/govmi/govmi/kvmi"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "govmi"

// Metrics are the Prometheus collectors a Driver updates. A nil *Metrics
// records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	replies        *prometheus.CounterVec
	protocolErrors prometheus.Counter
	pauseSeconds   prometheus.Histogram
	pauseTimeouts  prometheus.Counter
	deferred       prometheus.Gauge
}

// NewMetrics creates the driver collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Introspection events dispatched, by kind.",
		}, []string{"kind"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent to the hypervisor, by decision.",
		}, []string{"decision"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Events dropped as unknown or malformed.",
		}),
		pauseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pause_duration_seconds",
			Help:      "Time from a pause request until every vCPU acknowledged it.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		pauseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pause_timeouts_total",
			Help:      "Bounded pauses that expired.",
		}),
		deferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deferred_acks",
			Help:      "Pause acknowledgments waiting for a resume.",
		}),
	}

	reg.MustRegister(m.events, m.replies, m.protocolErrors, m.pauseSeconds, m.pauseTimeouts, m.deferred)

	return m
}

func (m *Metrics) event(k kvmi.EventKind) {
	if m != nil {
		m.events.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) reply(dec kvmi.Decision) {
	if m != nil {
		m.replies.WithLabelValues(dec.String()).Inc()
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) paused(d time.Duration) {
	if m != nil {
		m.pauseSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) pauseTimeout() {
	if m != nil {
		m.pauseTimeouts.Inc()
	}
}

func (m *Metrics) setQueued(n int) {
	if m != nil {
		m.deferred.Set(float64(n))
	}
}
