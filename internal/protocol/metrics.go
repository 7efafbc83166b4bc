package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "repohost"

// Metrics counts protocol traffic. A nil *Metrics records nothing.
type Metrics struct {
	objectsSent     prometheus.Counter
	objectsReceived prometheus.Counter
	sessions        *prometheus.GaugeVec
	refUpdates      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		objectsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "protocol",
			Name:      "objects_sent_total",
			Help:      "Objects written into upload-pack responses.",
		}),
		objectsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "protocol",
			Name:      "objects_received_total",
			Help:      "Objects unpacked from receive-pack requests.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "protocol",
			Name:      "sessions",
			Help:      "Protocol sessions currently holding a repository.",
		}, []string{"service"}),
		refUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "protocol",
			Name:      "ref_updates_total",
			Help:      "Reference update commands by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.objectsSent, m.objectsReceived, m.sessions, m.refUpdates)
	}
	return m
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.objectsSent.Add(float64(n))
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.objectsReceived.Add(float64(n))
	}
}

// session marks a session open and returns the func that closes it.
func (m *Metrics) session(service string) func() {
	if m == nil {
		return func() {}
	}
	g := m.sessions.WithLabelValues(service)
	g.Inc()
	return g.Dec
}

func (m *Metrics) refUpdate(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.refUpdates.WithLabelValues(result).Inc()
}
