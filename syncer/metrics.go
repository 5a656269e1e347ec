package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "association_sync"

// Metrics is safe to leave nil.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastSuccess prometheus.Gauge
	pages       prometheus.Counter
	contacts    prometheus.Counter
	deleted     prometheus.Counter
	inserted    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Full sync runs by final state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of full sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pages_applied_total",
			Help:      "Pages committed to the store.",
		}),
		contacts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "contacts_applied_total",
			Help:      "Contacts whose associations were replaced.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "associations_deleted_total",
			Help:      "Stored associations deleted before reinsertion.",
		}),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "associations_inserted_total",
			Help:      "Associations inserted.",
		}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.lastSuccess, m.pages, m.contacts, m.deleted, m.inserted)
	return m
}

func (m *Metrics) observePage(contacts int, result ReplaceResult) {
	if m == nil {
		return
	}
	m.pages.Inc()
	m.contacts.Add(float64(contacts))
	m.deleted.Add(float64(result.Deleted))
	m.inserted.Add(float64(result.Inserted))
}

func (m *Metrics) observeRun(summary Summary) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(summary.State.String()).Inc()
	m.runDuration.Observe(summary.Elapsed.Seconds())
	if summary.State == StateDone {
		m.lastSuccess.SetToCurrentTime()
	}
}
