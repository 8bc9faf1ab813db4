// Package trace exposes the tracer used by the execution engine.
package trace

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentName = "github.com/CHARM-BDF/charmgpt-sub011"

// Tracer is the engine-wide tracer. It resolves against the global
// provider, so embedding processes control exporter wiring.
var Tracer trace.Tracer = otel.Tracer(instrumentName)
