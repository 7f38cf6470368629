package saga

// MetricsRecorder receives engine telemetry. The engine never depends on a
// metrics backend directly; wiring a Prometheus-backed recorder is the
// caller's choice.
type MetricsRecorder interface {
	SagaStarted(sagaType string)
	SagaFinished(sagaType, status string, durationSeconds float64)
	StepExecuted(step string, success bool)
	StepRetried(step string)
	CompensationExecuted(step string, success bool)
}

// NopMetricsRecorder discards all telemetry.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) SagaStarted(string)                   {}
func (NopMetricsRecorder) SagaFinished(string, string, float64) {}
func (NopMetricsRecorder) StepExecuted(string, bool)            {}
func (NopMetricsRecorder) StepRetried(string)                   {}
func (NopMetricsRecorder) CompensationExecuted(string, bool)    {}
