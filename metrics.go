package jaxmpp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts connector activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	stanzas      *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	errors       *prometheus.CounterVec
	negotiations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaxmpp",
			Name:      "state_transitions_total",
			Help:      "Connector state transitions by target state.",
		}, []string{"transport", "state"}),
		stanzas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaxmpp",
			Name:      "stanzas_total",
			Help:      "Top level elements sent and received.",
		}, []string{"transport", "direction"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaxmpp",
			Name:      "reconnects_total",
			Help:      "Reconnects triggered by redirects.",
		}, []string{"transport"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaxmpp",
			Name:      "errors_total",
			Help:      "Errors reported by connectors.",
		}, []string{"transport", "condition"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaxmpp",
			Name:      "negotiations_total",
			Help:      "In-band upgrade outcomes.",
		}, []string{"upgrade", "result"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.transitions, m.stanzas, m.reconnects, m.errors, m.negotiations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) transition(transport string, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transport, to.String()).Inc()
}

func (m *Metrics) stanza(transport, direction string) {
	if m == nil {
		return
	}
	m.stanzas.WithLabelValues(transport, direction).Inc()
}

func (m *Metrics) reconnect(transport string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(transport).Inc()
}

func (m *Metrics) recordError(transport string, cond StreamErrorCondition) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(transport, string(cond)).Inc()
}

func (m *Metrics) negotiation(u Upgrade, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.negotiations.WithLabelValues(u.String(), result).Inc()
}
