package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JiscSD/keylink-relay/message"
)

const namespace = "keylink_relay"

// Metrics are the Prometheus collectors updated by the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	submitted *prometheus.CounterVec
	statuses  *prometheus.CounterVec
	documents *prometheus.CounterVec
	pending   prometheus.Gauge
	signed    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_envelopes_total",
			Help:      "The total number of envelopes submitted by the custody client.",
		}, []string{"hot_mode"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_statuses_total",
			Help:      "The total number of envelopes that reached a terminal state.",
		}, []string{"status"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "The total number of exchange documents processed.",
		}, []string{"direction"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_envelopes",
			Help:      "The number of envelopes waiting to be exported.",
		}),
		signed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_signed_statuses",
			Help:      "The number of statuses waiting to be delivered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.statuses, m.documents, m.pending, m.signed)
	}
	return m
}

func (m *Metrics) envelopesSubmitted(hot bool, n int) {
	if m == nil {
		return
	}
	label := "false"
	if hot {
		label = "true"
	}
	m.submitted.WithLabelValues(label).Add(float64(n))
}

func (m *Metrics) statusReached(s message.MessageStatus) {
	if m == nil || !s.Status.Terminal() {
		return
	}
	m.statuses.WithLabelValues(string(s.Status)).Inc()
}

func (m *Metrics) documentsProcessed(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.documents.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) observe(l *Ledger) {
	if m == nil {
		return
	}
	pending, signed := l.Len()
	m.pending.Set(float64(pending))
	m.signed.Set(float64(signed))
}
