package labsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	pushed        *prometheus.CounterVec
	pulled        *prometheus.CounterVec
	failedImports *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsync",
			Name:      "pushed_orders_total",
			Help:      "Local orders pushed to the LIMS, by result.",
		}, []string{"result"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsync",
			Name:      "pulled_entries_total",
			Help:      "Feed entries handled, by outcome.",
		}, []string{"outcome"}),
		failedImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labsync",
			Name:      "failed_imports_total",
			Help:      "Failed-import ledger rows written, by kind.",
		}, []string{"kind"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labsync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full push and pull cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.pushed, m.pulled, m.failedImports, m.cycleDuration)
	return m
}

func (m *Metrics) push(result string) {
	if m != nil {
		m.pushed.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) pull(o Outcome) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(string(o.Status)).Inc()
	if o.Status == OutcomeRejected {
		m.failedImports.WithLabelValues(string(o.Kind)).Inc()
	}
}

func (m *Metrics) cycle(d time.Duration) {
	if m != nil {
		m.cycleDuration.Observe(d.Seconds())
	}
}
