package session

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "session"

// Refresh outcomes recorded by the coordinator.
const (
	outcomeSuccess = "success"
	outcomeExpired = "expired"
	outcomeRevoked = "revoked"
	outcomeAborted = "aborted" // session left Refreshing before the refresh finished
)

type metrics struct {
	refreshes      *prometheus.CounterVec
	waiters        prometheus.Gauge
	authorizations *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_total",
			Help:      "Refresh calls issued, by outcome.",
		}, []string{"outcome"}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_waiters",
			Help:      "Callers queued behind the in-flight refresh.",
		}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorize_total",
			Help:      "Authorize calls, by result.",
		}, []string{"result"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.refreshes, m.waiters, m.authorizations)
}

func (m *metrics) authorized(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.authorizations.WithLabelValues(result).Inc()
}
