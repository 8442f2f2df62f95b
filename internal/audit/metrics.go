package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit trail.
type Metrics struct {
	EntriesRecorded *prometheus.CounterVec
	LedgerSubmits   *prometheus.CounterVec
	SubmitLatency   prometheus.Histogram
	Pending         prometheus.Gauge
	Abandoned       prometheus.Gauge
}

// NewMetrics registers audit metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EntriesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_audit_entries_recorded_total",
			Help: "Audit entries accepted locally by event type",
		}, []string{"event_type"}),
		LedgerSubmits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_audit_ledger_submits_total",
			Help: "Ledger submission attempts by path and result",
		}, []string{"path", "result"}), // path: sync|retry, result: committed|pending|failed|skipped|abandoned
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "carevault_audit_ledger_submit_duration_seconds",
			Help:    "Duration of ledger submissions",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "carevault_audit_pending_entries",
			Help: "Audit entries accepted locally but not yet committed to the ledger",
		}),
		Abandoned: f.NewGauge(prometheus.GaugeOpts{
			Name: "carevault_audit_abandoned_entries",
			Help: "Audit entries that exhausted their ledger retry budget",
		}),
	}
}

func (m *Metrics) incRecorded(t EventType) {
	if m != nil {
		m.EntriesRecorded.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) incSubmit(path, result string) {
	if m != nil {
		m.LedgerSubmits.WithLabelValues(path, result).Inc()
	}
}

func (m *Metrics) observeSubmit(d time.Duration) {
	if m != nil {
		m.SubmitLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) setBacklog(pending, abandoned int) {
	if m != nil {
		m.Pending.Set(float64(pending))
		m.Abandoned.Set(float64(abandoned))
	}
}
