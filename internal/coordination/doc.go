package coordination

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("internal/coordination")
