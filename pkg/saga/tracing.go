package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sagaflow/sagaflow/pkg/saga"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
