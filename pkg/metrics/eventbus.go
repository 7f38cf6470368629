package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initBusMetrics(_ Config) {
	m.busPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publishes_total",
			Help: "Total number of event publishes by outcome",
		},
		[]string{"status"},
	)

	m.busRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_retries_total",
			Help: "Total number of publish retry attempts",
		},
	)

	m.busOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_outages_total",
			Help: "Total number of detected transport outages",
		},
	)

	m.busRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_recoveries_total",
			Help: "Total number of recoveries from a transport outage",
		},
	)

	m.busDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_degraded_mode",
			Help: "Whether the publisher is in degraded mode (1) or healthy (0)",
		},
	)

	m.registry.MustRegister(m.busPublishes)
	m.registry.MustRegister(m.busRetries)
	m.registry.MustRegister(m.busOutages)
	m.registry.MustRegister(m.busRecoveries)
	m.registry.MustRegister(m.busDegraded)
}

// RecordPublish records one publish attempt outcome.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.busPublishes.WithLabelValues(status).Inc()
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.busRetries.Inc()
}

// SetDegradedMode flips the degraded-mode gauge.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.busDegraded.Set(1)
		return
	}
	m.busDegraded.Set(0)
}

// RecordOutage records one detected transport outage.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.busOutages.Inc()
}

// RecordRecovery records one recovery from a transport outage.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.busRecoveries.Inc()
}
