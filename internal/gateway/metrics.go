package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgegate"

// Metrics holds the gateway's prometheus collectors. It also satisfies
// tarpit.Observer.
type Metrics struct {
	requests        *prometheus.CounterVec
	isrLookups      *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	downstreamFails prometheus.Counter

	tarpitAdmissions *prometheus.CounterVec
	tarpitActive     prometheus.Gauge
	tarpitBytes      prometheus.Counter
	tarpitDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by dispatch route.",
		}, []string{"route"}),
		isrLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "lookups_total",
			Help:      "Page cache lookups by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isr",
			Name:      "refreshes_total",
			Help:      "Background page refreshes by outcome.",
		}, []string{"outcome"}),
		downstreamFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "failures_total",
			Help:      "Proxied requests that failed to reach the backend.",
		}),
		tarpitAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tarpit",
			Name:      "admissions_total",
			Help:      "Tarpit admission decisions.",
		}, []string{"outcome"}),
		tarpitActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tarpit",
			Name:      "active_streams",
			Help:      "Tarpit streams currently held open.",
		}),
		tarpitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tarpit",
			Name:      "sent_bytes_total",
			Help:      "Bytes dripped to tarpitted clients.",
		}),
		tarpitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tarpit",
			Name:      "stream_duration_seconds",
			Help:      "How long tarpitted clients stayed connected.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(
		m.requests,
		m.isrLookups,
		m.refreshes,
		m.downstreamFails,
		m.tarpitAdmissions,
		m.tarpitActive,
		m.tarpitBytes,
		m.tarpitDuration,
	)
	return m
}

func (m *Metrics) route(name string)        { m.requests.WithLabelValues(name).Inc() }
func (m *Metrics) lookup(result string)     { m.isrLookups.WithLabelValues(result).Inc() }
func (m *Metrics) refreshed(outcome string) { m.refreshes.WithLabelValues(outcome).Inc() }

func (m *Metrics) Admitted() {
	m.tarpitAdmissions.WithLabelValues("admitted").Inc()
	m.tarpitActive.Inc()
}

func (m *Metrics) Rejected(scope string) {
	m.tarpitAdmissions.WithLabelValues("rejected_" + scope).Inc()
}

func (m *Metrics) StreamEnded(bytes int64, d time.Duration) {
	m.tarpitActive.Dec()
	m.tarpitBytes.Add(float64(bytes))
	m.tarpitDuration.Observe(d.Seconds())
}
