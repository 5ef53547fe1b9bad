package block

import "go.opentelemetry.io/otel"

// tracer opens one span per block program's Run (§2 AMBIENT STACK
// "Tracing"), so execution is traceable end-to-end regardless of which
// exporter the embedding process installs.
var tracer = otel.Tracer("automancer/block")
