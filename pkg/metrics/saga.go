package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of sagas started by type",
		},
		[]string{"type"},
	)

	m.sagaFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of sagas finished by type and terminal status",
		},
		[]string{"type", "status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga duration from start to terminal status in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"type", "status"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_count",
			Help: "Current number of sagas not yet in a terminal status",
		},
	)

	m.stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_executions_total",
			Help: "Total number of step executions by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	m.stepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of step retry attempts by step",
		},
		[]string{"step"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation executions by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	m.registry.MustRegister(m.sagaStarted)
	m.registry.MustRegister(m.sagaFinished)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.stepExecutions)
	m.registry.MustRegister(m.stepRetries)
	m.registry.MustRegister(m.compensations)
}

// SagaStarted records one saga entering the running state.
func (m *Manager) SagaStarted(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaStarted.WithLabelValues(sagaType).Inc()
	m.sagaActive.Inc()
}

// SagaFinished records one saga reaching a terminal status.
func (m *Manager) SagaFinished(sagaType, status string, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.sagaFinished.WithLabelValues(sagaType, status).Inc()
	m.sagaDuration.WithLabelValues(sagaType, status).Observe(durationSeconds)
	m.sagaActive.Dec()
}

// StepExecuted records one step execution outcome.
func (m *Manager) StepExecuted(step string, success bool) {
	if !m.enabled {
		return
	}
	m.stepExecutions.WithLabelValues(step, outcomeLabel(success)).Inc()
}

// StepRetried records one step retry attempt.
func (m *Manager) StepRetried(step string) {
	if !m.enabled {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// CompensationExecuted records one compensation execution outcome.
func (m *Manager) CompensationExecuted(step string, success bool) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(step, outcomeLabel(success)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
